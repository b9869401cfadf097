// Package harvester is the orchestrator: it wires the feed, buffer, window
// lifecycle, ATR engine, write pipeline, checkpointing, and reconnection
// into one trading-session run.
package harvester

import (
	"context"
	"fmt"
	"log"
	"time"

	"volharvester/config"
	"volharvester/internal/agg"
	"volharvester/internal/alerts"
	"volharvester/internal/atr"
	"volharvester/internal/buffer"
	"volharvester/internal/checkpoint"
	"volharvester/internal/feed"
	"volharvester/internal/instrument"
	"volharvester/internal/market"
	"volharvester/internal/metrics"
	"volharvester/internal/pipeline"
	"volharvester/internal/rowid"
	"volharvester/internal/store"
	storeredis "volharvester/internal/store/redis"
	"volharvester/internal/timegrid"
	"volharvester/pkg/neoconnect"
)

const latencyReportInterval = 60 * time.Second

// Service runs one trading session end to end.
type Service struct {
	cfg      *config.Config
	calendar *market.Calendar
	universe *instrument.Universe

	auth    *neoconnect.Client
	feedCon *neoconnect.Feed
	handler *feed.Handler
	buf     *buffer.TickBuffer
	agg     *agg.Aggregator
	gaps    *agg.GapFiller
	engine  *atr.Engine
	writer  *pipeline.Writer
	schema  *store.Manager
	pub     *storeredis.Publisher
	ckpt    *checkpoint.Manager
	alerter *alerts.Manager
	st      store.Store

	metrics *metrics.Metrics
	health  *metrics.HealthStatus

	segments  map[string]string
	grid      *timegrid.Grid
	session   sessionState
	lastStats feed.Stats
}

type sessionState struct {
	date       string // YYYY-MM-DD IST
	lastWindow time.Time
}

// Deps bundles the externally constructed dependencies.
type Deps struct {
	Config    *config.Config
	Store     store.Store
	Publisher *storeredis.Publisher // may be nil
	Metrics   *metrics.Metrics
	Health    *metrics.HealthStatus
}

// New builds the service and its internal component graph.
func New(d Deps) (*Service, error) {
	universe, err := instrument.Load(d.Config.InstrumentsPath)
	if err != nil {
		return nil, fmt.Errorf("load instruments: %w", err)
	}
	if universe.Count() != d.Config.TickerCount {
		log.Printf("[harvester] UNIVERSE_SIZE | loaded=%d | configured=%d",
			universe.Count(), d.Config.TickerCount)
	}

	schema := store.NewManager(d.Store, universe.Count(), d.Config.ATRPeriod)
	buf := buffer.New()

	s := &Service{
		cfg:      d.Config,
		calendar: market.NewCalendar(d.Config.CalendarDir),
		universe: universe,
		auth: neoconnect.NewClient(neoconnect.Config{
			ConsumerKey: d.Config.NeoConsumerKey,
			Mobile:      d.Config.NeoMobile,
			UCC:         d.Config.NeoUCC,
			MPIN:        d.Config.NeoMPIN,
			TOTPSecret:  d.Config.TOTPSecret,
		}),
		buf:      buf,
		agg:      agg.New(buf, universe.Symbols()),
		gaps:     agg.NewGapFiller(universe.Symbols()),
		engine:   atr.New(d.Config.ATRPeriod, d.Config.ATRPrecision),
		schema:   schema,
		pub:      d.Publisher,
		ckpt:     checkpoint.NewManager(d.Config.CheckpointDir, d.Config.MaxCheckpointFiles, d.Config.ATRPeriod),
		st:       d.Store,
		metrics:  d.Metrics,
		health:   d.Health,
		segments: universe.Segments(),
	}
	s.alerter = alerts.NewManager(schema)
	s.writer = pipeline.NewWriter(d.Store, schema, pipeline.Config{
		MaxRetries: d.Config.MaxRetries,
		BaseDelay:  d.Config.RetryBaseDelay,
		SpoolDir:   d.Config.FallbackDir,
	})
	s.writer.OnRetry = func() { d.Metrics.WriteRetries.Inc() }
	s.writer.OnWriteError = func() { d.Metrics.WriteFailures.Inc() }
	s.writer.OnWritten = func(rows int) { d.Metrics.RowsWritten.Add(float64(rows)) }
	s.writer.OnSpooled = func(depth int) {
		d.Metrics.SpoolDepth.Set(float64(depth))
		d.Health.SetSpoolDepth(depth)
	}

	resolve := func(token string) (string, bool) {
		in, ok := universe.ByToken(token)
		return in.Symbol, ok
	}
	s.handler = feed.NewHandler(resolve, buf, d.Config.LatencySampleSize)
	s.handler.OnAccepted = func(latencyUS float64) {
		d.Metrics.TicksTotal.Inc()
		d.Metrics.CallbackLatency.Observe(latencyUS / 1e6)
		d.Health.SetLastTickTime(time.Now())
	}

	s.feedCon = neoconnect.NewFeed(s.auth, "")
	s.feedCon.OnData = s.handler.OnMessage
	s.feedCon.OnClose = func(err error) {
		d.Health.SetFeedConnected(false)
	}
	return s, nil
}

// Run executes one session: gate on the calendar, boot, harvest window by
// window, then shut down cleanly at session close.
func (s *Service) Run(ctx context.Context) error {
	now := time.Now().In(market.IST)
	trading, err := s.calendar.IsTradingDay(now)
	if err != nil {
		return fmt.Errorf("calendar: %w", err)
	}
	if !trading {
		reason := s.calendar.HolidayName(now)
		if reason == "" {
			reason = "weekend"
		}
		next, _ := s.calendar.NextTradingDay(now)
		log.Printf("[harvester] NOT_A_TRADING_DAY | date=%s | reason=%s | next=%s",
			market.DateKey(now), reason, market.DateKey(next))
		return nil
	}

	open, close, err := s.calendar.SessionHours(now)
	if err != nil {
		return fmt.Errorf("session hours: %w", err)
	}
	log.Printf("[harvester] SESSION_PLAN | date=%s | open=%s | close=%s",
		market.DateKey(now), open, close)

	if err := s.boot(ctx, now, open, close); err != nil {
		return err
	}

	go s.writer.Run(ctx)
	defer s.shutdown(ctx)

	if !s.connectFeed(ctx) {
		return fmt.Errorf("initial feed connection failed")
	}

	return s.runSession(ctx)
}

// boot authenticates, prepares the store schema, and restores indicator
// state via reconciliation.
func (s *Service) boot(ctx context.Context, day time.Time, open, close market.ClockTime) error {
	if err := s.auth.Login(ctx); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	if err := s.schema.Initialize(ctx); err != nil {
		return fmt.Errorf("schema init: %w", err)
	}
	if err := s.schema.Validate(ctx); err != nil {
		return fmt.Errorf("schema validate: %w", err)
	}

	stored, err := store.ReadATRState(ctx, s.st)
	if err != nil {
		log.Printf("[harvester] ATR_STATE_READ_FAILED | err=%v", err)
		stored = nil
	}
	storeWindow, hasStoreWindow, err := store.LastWindow(ctx, s.st)
	if err != nil {
		log.Printf("[harvester] LAST_WINDOW_READ_FAILED | err=%v", err)
		hasStoreWindow = false
	}
	local, hasLocal := s.ckpt.Load()
	states, source := s.ckpt.Reconcile(local, hasLocal, stored, storeWindow, hasStoreWindow)
	s.engine.LoadState(states)
	for sym, st := range states {
		if st.PrevClose != nil {
			s.gaps.SeedLastClose(sym, *st.PrevClose)
		}
	}
	if err := s.schema.LogEvent(ctx, "INFO", "SESSION_START", "",
		fmt.Sprintf("date=%s reconcile_source=%s symbols=%d", market.DateKey(day), source, len(states))); err != nil {
		log.Printf("[harvester] AUDIT_FAILED | err=%v", err)
	}

	s.grid = timegrid.New(day, open, close, s.cfg.CandleInterval)
	s.handler.SetGrid(s.grid)
	s.session = sessionState{date: market.DateKey(day)}
	return nil
}

// connectFeed runs the full connect sequence once; on failure it hands the
// job to the reconnect operator.
func (s *Service) connectFeed(ctx context.Context) bool {
	steps := feed.Steps{
		Refresh: func(ctx context.Context) error {
			return s.auth.RefreshIfStale(ctx, s.cfg.SessionMaxAge)
		},
		Connect: func(ctx context.Context) error {
			return s.feedCon.Connect(ctx)
		},
		Subscribe: func(ctx context.Context) error {
			return s.feedCon.Subscribe(ctx, s.universe.Tokens(), s.cfg.SubscribeBatchSize)
		},
	}

	if err := steps.Connect(ctx); err == nil {
		if err := steps.Subscribe(ctx); err == nil {
			s.onFeedUp()
			return true
		}
	}

	op := feed.NewOperator(feed.ReconnectConfig{
		BaseDelay:      s.cfg.ReconnectBaseDelay,
		MaxDelay:       s.cfg.ReconnectMaxDelay,
		Factor:         s.cfg.ReconnectFactor,
		MaxAttempts:    s.cfg.ReconnectMaxAttempts,
		AlertThreshold: s.cfg.ReconnectAlertThreshold,
		Jitter:         true,
	}, s.alerter)
	s.metrics.FeedReconnects.Inc()
	if op.Run(ctx, steps) {
		s.onFeedUp()
		return true
	}
	return false
}

func (s *Service) onFeedUp() {
	s.handler.MarkAlive(time.Now())
	s.health.SetFeedConnected(true)
}

// runSession drives the per-window cycle until session end.
func (s *Service) runSession(ctx context.Context) error {
	boundaries := s.grid.Boundaries()
	finals := s.grid.FinalizationTimes()
	now := time.Now().In(market.IST)

	// skip windows that already elapsed before startup
	start := 0
	for start < len(finals) && !finals[start].After(now) {
		start++
	}
	if start == len(boundaries) {
		log.Printf("[harvester] SESSION_ALREADY_OVER | now=%s", now.Format("15:04:05"))
		return nil
	}
	if start > 0 {
		log.Printf("[harvester] LATE_START | skipped_windows=%d | first_window=%s",
			start, boundaries[start].Format("15:04"))
	}

	if wait := boundaries[start].Sub(now); wait > 0 {
		log.Printf("[harvester] WAITING_FOR_OPEN | open_in=%s", wait.Round(time.Second))
		if !s.sleepUntil(ctx, boundaries[start]) {
			return ctx.Err()
		}
	}

	s.metrics.SessionState.Set(1)
	s.health.SetSessionActive(true)
	s.agg.StartWindow(boundaries[start])

	for i := start; i < len(boundaries); i++ {
		if !s.sleepUntil(ctx, finals[i]) {
			// termination signal mid-session: still drain the writer and
			// leave a best-effort final checkpoint
			s.endSession()
			return ctx.Err()
		}

		var next time.Time
		if i+1 < len(boundaries) {
			next = boundaries[i+1]
		}
		s.harvestWindow(ctx, next)
	}

	s.endSession()
	return nil
}

// harvestWindow executes one boundary cycle. Every step is individually
// guarded; a failing step logs and the cycle continues, because a skipped
// window is recoverable via the spool but a stalled scheduler is not.
func (s *Service) harvestWindow(ctx context.Context, next time.Time) {
	s.agg.BeginFreeze()
	s.sleep(ctx, s.cfg.WindowFreeze)

	window, bars, ok := s.agg.Finalize()
	if !ok {
		if !next.IsZero() {
			s.agg.TransitionToNextWindow(next)
		}
		return
	}
	s.metrics.WindowsFinalized.Inc()

	filled, unfillable := s.gaps.Fill(window, bars)
	s.metrics.GapFillsTotal.Add(float64(filled))
	if len(unfillable) > 0 {
		log.Printf("[harvester] UNFILLABLE_SYMBOLS | window=%s | count=%d",
			window.Format("15:04"), len(unfillable))
	}

	enriched := s.engine.ProcessBatch(window, bars, s.segments, rowid.RowID)
	s.metrics.BarsFinalized.Add(float64(len(enriched)))

	s.writer.Enqueue(pipeline.BuildBatch(window, enriched))
	s.pub.PublishBars(ctx, enriched)
	if s.pub != nil {
		s.metrics.RedisBreakerState.Set(breakerGauge(s.pub.BreakerState()))
	}

	s.session.lastWindow = window
	s.publishTickCounters()
	s.saveCheckpoint(false)

	if err := s.writer.SyncATRState(ctx, s.engine.Summary()); err != nil {
		log.Printf("[harvester] ATR_SYNC_FAILED | window=%s | err=%v", window.Format("15:04"), err)
	}

	if !next.IsZero() {
		s.agg.TransitionToNextWindow(next)
	}
}

// publishTickCounters moves the handler's cumulative counters into the
// prometheus counters as deltas since the last window.
func (s *Service) publishTickCounters() {
	st := s.handler.Stats()
	s.metrics.TicksRejected.Add(float64(st.Rejected - s.lastStats.Rejected))
	s.metrics.TicksDropped.Add(float64(st.Dropped - s.lastStats.Dropped))
	s.metrics.TicksOutside.Add(float64(st.OutsideSession - s.lastStats.OutsideSession))
	s.lastStats = st
}

func (s *Service) saveCheckpoint(confirmed bool) {
	cp := checkpoint.Checkpoint{
		SessionDate: s.session.date,
		LastWindow:  s.session.lastWindow,
		ATRStates:   s.engine.State(),
		Confirmed:   confirmed,
	}
	if err := s.ckpt.Save(cp); err != nil {
		log.Printf("[harvester] CHECKPOINT_FAILED | err=%v", err)
		return
	}
	s.metrics.CheckpointSaves.Inc()
}

// endSession drains the writer, writes the confirmed checkpoint, and logs
// the session summary. It runs under its own deadline so a cancelled session
// context cannot abort the drain or the audit row.
func (s *Service) endSession() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Printf("[harvester] SESSION_END | date=%s | last_window=%s",
		s.session.date, s.session.lastWindow.Format("15:04"))
	s.agg.SetIdle()
	s.metrics.SessionState.Set(0)
	s.health.SetSessionActive(false)

	s.writer.Stop(30 * time.Second)
	s.saveCheckpoint(true)
	s.publishTickCounters()
	s.reportLatency(ctx)

	stats := s.handler.Stats()
	details := fmt.Sprintf("date=%s accepted=%d rejected=%d dropped=%d outside=%d",
		s.session.date, stats.Accepted, stats.Rejected, stats.Dropped, stats.OutsideSession)
	if err := s.schema.LogEvent(ctx, "INFO", "SESSION_END", "", details); err != nil {
		log.Printf("[harvester] AUDIT_FAILED | err=%v", err)
	}
}

func (s *Service) shutdown(ctx context.Context) {
	s.feedCon.Disconnect()
	s.health.SetFeedConnected(false)
}

// sleepUntil sleeps to the deadline in 1 s slices, polling the heartbeat
// and emitting the periodic latency report along the way. Returns false on
// ctx cancellation.
func (s *Service) sleepUntil(ctx context.Context, deadline time.Time) bool {
	nextReport := time.Now().Add(latencyReportInterval)
	for {
		now := time.Now().In(market.IST)
		if !now.Before(deadline) {
			return true
		}

		s.checkHeartbeat(ctx, now)
		if now.After(nextReport) {
			s.reportLatency(ctx)
			nextReport = now.Add(latencyReportInterval)
		}

		slice := time.Second
		if rem := deadline.Sub(now); rem < slice {
			slice = rem
		}
		if !s.sleep(ctx, slice) {
			return false
		}
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Service) checkHeartbeat(ctx context.Context, now time.Time) {
	silence := s.handler.Silence(now)
	if silence <= s.cfg.HeartbeatSilenceTimeout {
		return
	}

	s.alerter.Fire(ctx, alerts.LevelWarning, "harvester", "FEED_SILENT",
		fmt.Sprintf("no feed messages for %s", silence.Round(time.Second)))
	s.health.SetFeedConnected(false)
	s.feedCon.Disconnect()
	if !s.connectFeed(ctx) {
		s.alerter.Fire(ctx, alerts.LevelCritical, "harvester", "FEED_UNRECOVERABLE",
			"reconnect operator exhausted, continuing with gap fill only")
	}
}

func (s *Service) reportLatency(ctx context.Context) {
	rep := s.handler.LatencyReport()
	if rep.Count == 0 {
		return
	}
	log.Printf("[harvester] CALLBACK_LATENCY | n=%d | p50=%.0fus | p95=%.0fus | p99=%.0fus | max=%.0fus",
		rep.Count, rep.P50, rep.P95, rep.P99, rep.Max)
	s.evaluateLatency(ctx, rep)
}

// evaluateLatency escalates on the report's tail: the max sample against the
// hard ceiling, p99 against the warn threshold.
func (s *Service) evaluateLatency(ctx context.Context, rep feed.LatencyReport) {
	if rep.Max > s.cfg.CallbackLatencyMaxUS {
		s.alerter.Fire(ctx, alerts.LevelCritical, "harvester", "CALLBACK_SLOW",
			fmt.Sprintf("max=%.0fus exceeds %.0fus", rep.Max, s.cfg.CallbackLatencyMaxUS))
		return
	}
	if rep.P99 > s.cfg.CallbackLatencyWarnUS {
		log.Printf("[harvester] CALLBACK_LATENCY_WARN | p99=%.0fus threshold=%.0fus",
			rep.P99, s.cfg.CallbackLatencyWarnUS)
	}
}

func breakerGauge(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}
