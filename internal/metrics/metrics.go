// Package metrics exposes Prometheus metrics and the /healthz endpoint for
// the harvester.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the harvester.
type Metrics struct {
	TicksTotal        prometheus.Counter
	TicksRejected     prometheus.Counter
	TicksDropped      prometheus.Counter // late/future/frozen
	TicksOutside      prometheus.Counter // outside session hours
	BarsFinalized     prometheus.Counter
	GapFillsTotal     prometheus.Counter
	WindowsFinalized  prometheus.Counter
	WriteRetries      prometheus.Counter
	WriteFailures     prometheus.Counter
	RowsWritten       prometheus.Counter
	SpoolDepth        prometheus.Gauge
	CheckpointSaves   prometheus.Counter
	FeedReconnects    prometheus.Counter
	CallbackLatency   prometheus.Histogram // seconds, per-tick callback time
	SessionState      prometheus.Gauge     // 0=idle, 1=active
	RedisBreakerState prometheus.Gauge     // 0=closed, 1=open, 2=half-open
}

// New registers and returns all harvester metrics.
func New() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_ticks_total",
			Help: "Ticks accepted into the window buffer",
		}),
		TicksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_ticks_rejected_total",
			Help: "Feed messages rejected as malformed",
		}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_ticks_dropped_total",
			Help: "Ticks dropped as late, future, or after freeze",
		}),
		TicksOutside: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_ticks_outside_session_total",
			Help: "Ticks with timestamps outside session hours",
		}),
		BarsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_bars_finalized_total",
			Help: "OHLC bars finalized (real and gap-filled)",
		}),
		GapFillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_gap_fills_total",
			Help: "Synthetic bars created for silent instruments",
		}),
		WindowsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_windows_finalized_total",
			Help: "5-minute windows finalized",
		}),
		WriteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_write_retries_total",
			Help: "Store append retry attempts",
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_write_failures_total",
			Help: "Batches spooled after exhausting retries",
		}),
		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_rows_written_total",
			Help: "Rows acknowledged by the store",
		}),
		SpoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_spool_depth",
			Help: "Batches waiting in the local fallback spool",
		}),
		CheckpointSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_checkpoint_saves_total",
			Help: "Checkpoint files written",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_feed_reconnects_total",
			Help: "Feed reconnect attempts",
		}),
		CallbackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_callback_latency_seconds",
			Help:    "Tick callback processing time",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005},
		}),
		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_session_state",
			Help: "Trading session state (0=idle, 1=active)",
		}),
		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_redis_breaker_state",
			Help: "Redis publisher circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.TicksRejected,
		m.TicksDropped,
		m.TicksOutside,
		m.BarsFinalized,
		m.GapFillsTotal,
		m.WindowsFinalized,
		m.WriteRetries,
		m.WriteFailures,
		m.RowsWritten,
		m.SpoolDepth,
		m.CheckpointSaves,
		m.FeedReconnects,
		m.CallbackLatency,
		m.SessionState,
		m.RedisBreakerState,
	)
	return m
}

// Pinger is a dependency the liveness checker can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	StoreOK        bool      `json:"store_ok"`
	RedisConnected bool      `json:"redis_connected"`
	SessionActive  bool      `json:"session_active"`
	SpoolDepth     int       `json:"spool_depth"`

	StoreLatencyMs float64   `json:"store_latency_ms"`
	RedisLatencyMs float64   `json:"redis_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSessionActive(v bool) {
	h.mu.Lock()
	h.SessionActive = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSpoolDepth(n int) {
	h.mu.Lock()
	h.SpoolDepth = n
	h.mu.Unlock()
}

// CheckStore probes the durable store and records latency + health.
func (h *HealthStatus) CheckStore(ctx context.Context, p Pinger) {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckRedis probes the Redis mirror and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, p Pinger) {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either pinger may
// be nil when the dependency is not configured.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, store, redis Pinger, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if store != nil {
					h.CheckStore(probeCtx, store)
				}
				if redis != nil {
					h.CheckRedis(probeCtx, redis)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.StoreOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	} else if h.SessionActive && !h.FeedConnected {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status         string  `json:"status"`
		Uptime         string  `json:"uptime"`
		FeedConnected  bool    `json:"feed_connected"`
		LastTickTime   string  `json:"last_tick_time"`
		TickAge        string  `json:"tick_age"`
		SessionActive  bool    `json:"session_active"`
		StoreOK        bool    `json:"store_ok"`
		StoreLatencyMs float64 `json:"store_latency_ms"`
		RedisConnected bool    `json:"redis_connected"`
		RedisLatencyMs float64 `json:"redis_latency_ms"`
		SpoolDepth     int     `json:"spool_depth"`
		LastCheckAt    string  `json:"last_check_at"`
	}{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:  h.FeedConnected,
		LastTickTime:   h.LastTickTime.Format(time.RFC3339),
		TickAge:        tickAge,
		SessionActive:  h.SessionActive,
		StoreOK:        h.StoreOK,
		StoreLatencyMs: h.StoreLatencyMs,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		SpoolDepth:     h.SpoolDepth,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
