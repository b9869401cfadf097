package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"volharvester/internal/atr"
	"volharvester/internal/market"
	"volharvester/internal/model"
	"volharvester/internal/store"
)

const spoolFile = "unsent_backup.json"

// Config tunes the writer's retry and spool behavior.
type Config struct {
	MaxRetries int           // append attempts per batch
	BaseDelay  time.Duration // first backoff step, doubles per attempt
	SpoolDir   string        // directory holding the unsent-batch spool
	QueueDepth int           // batch channel capacity; 0 means 16
}

// Writer is the single consumer of finalized batches. It owns all store
// writes for market data, so dedup-then-append is race free. Per batch:
// drain any spooled backlog first, dedup against rows already in the store,
// append with exponential backoff, and spool to disk when retries exhaust.
type Writer struct {
	store  store.Store
	schema *store.Manager
	cfg    Config

	batches chan model.WriteBatch
	done    chan struct{}

	// optional metrics hooks, called from the writer goroutine
	OnRetry      func()
	OnSpooled    func(depth int)
	OnWritten    func(rows int)
	OnWriteError func()
}

// NewWriter creates a writer; call Run in its own goroutine.
func NewWriter(s store.Store, schema *store.Manager, cfg Config) *Writer {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 16
	}
	return &Writer{
		store:   s,
		schema:  schema,
		cfg:     cfg,
		batches: make(chan model.WriteBatch, depth),
		done:    make(chan struct{}),
	}
}

// Enqueue hands a finalized batch to the writer. Blocks if the queue is
// full, which backpressures the scheduler rather than dropping windows.
func (w *Writer) Enqueue(batch model.WriteBatch) {
	w.batches <- batch
}

// Run consumes batches until the channel is closed via Stop or ctx is
// cancelled. Each batch gets a fresh drain attempt of the spool first, so a
// store recovery flushes backlog in window order before new data. On
// cancellation, anything still queued is spooled before returning; finalized
// windows must survive a shutdown mid-session.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.flushQueue()
			return
		case batch, ok := <-w.batches:
			if !ok {
				return
			}
			w.drainSpool(ctx)
			w.process(ctx, batch)
		}
	}
}

// flushQueue spools every batch still sitting in the intake channel.
func (w *Writer) flushQueue() {
	for {
		select {
		case batch, ok := <-w.batches:
			if !ok {
				return
			}
			log.Printf("[pipeline] SHUTDOWN_SPOOL | window=%s", batch.WindowStart)
			w.spool(batch)
		default:
			return
		}
	}
}

// Stop closes the intake and waits up to timeout for in-flight work.
func (w *Writer) Stop(timeout time.Duration) {
	close(w.batches)
	select {
	case <-w.done:
	case <-time.After(timeout):
		log.Printf("[pipeline] STOP_TIMEOUT | writer did not drain within %s", timeout)
	}
}

func (w *Writer) process(ctx context.Context, batch model.WriteBatch) {
	if err := w.writeBatch(ctx, batch); err != nil {
		log.Printf("[pipeline] BATCH_FAILED | window=%s | rows=%d | err=%v",
			batch.WindowStart, len(batch.Rows), err)
		if w.OnWriteError != nil {
			w.OnWriteError()
		}
		w.spool(batch)
	}
}

// writeBatch dedups then appends with retry. Partial writes re-dedup against
// the store so acknowledged rows are never appended twice.
func (w *Writer) writeBatch(ctx context.Context, batch model.WriteBatch) error {
	window, err := time.Parse(time.RFC3339, batch.WindowStart)
	if err != nil {
		return fmt.Errorf("bad window timestamp %q: %w", batch.WindowStart, err)
	}

	rows, ids := batch.Rows, batch.RowIDs
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		existing, err := store.ExistingIDsForWindow(ctx, w.store, window)
		if err != nil {
			lastErr = err
		} else {
			rows, ids = filterRows(rows, ids, existing)
			if len(rows) == 0 {
				log.Printf("[pipeline] DUPLICATE_SKIP | window=%s | all %d rows already present",
					batch.WindowStart, batch.ExpectedCount)
				return nil
			}

			updated, err := w.store.AppendRows(ctx, store.TableMarketData, rows)
			if err == nil {
				if updated != len(rows) {
					log.Printf("[pipeline] PARTIAL_WRITE | window=%s | acked=%d | sent=%d",
						batch.WindowStart, updated, len(rows))
					lastErr = fmt.Errorf("partial write: acked %d of %d", updated, len(rows))
				} else {
					if w.OnWritten != nil {
						w.OnWritten(updated)
					}
					w.audit(ctx, batch, updated)
					log.Printf("[pipeline] BATCH_WRITTEN | window=%s | rows=%d | attempt=%d",
						batch.WindowStart, updated, attempt)
					return nil
				}
			} else {
				lastErr = err
			}
		}

		if attempt < w.cfg.MaxRetries {
			delay := w.cfg.BaseDelay << (attempt - 1)
			log.Printf("[pipeline] WRITE_RETRY | window=%s | attempt=%d/%d | next_in=%s | err=%v",
				batch.WindowStart, attempt, w.cfg.MaxRetries, delay, lastErr)
			if w.OnRetry != nil {
				w.OnRetry()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}

func (w *Writer) audit(ctx context.Context, batch model.WriteBatch, rows int) {
	details := fmt.Sprintf("rows=%d", rows)
	if err := w.schema.LogEvent(ctx, "INFO", "BATCH_WRITTEN", batch.WindowStart, details); err != nil {
		log.Printf("[pipeline] AUDIT_FAILED | err=%v", err)
	}
}

func filterRows(rows [][]string, ids []string, existing map[string]bool) ([][]string, []string) {
	if len(existing) == 0 {
		return rows, ids
	}
	keptRows := rows[:0:0]
	keptIDs := ids[:0:0]
	for i, id := range ids {
		if existing[id] {
			continue
		}
		keptRows = append(keptRows, rows[i])
		keptIDs = append(keptIDs, id)
	}
	return keptRows, keptIDs
}

// spool persists an unwritable batch to the fallback file. The file is a
// JSON array of batches, rewritten atomically via temp+rename.
func (w *Writer) spool(batch model.WriteBatch) {
	backlog, err := w.readSpool()
	if err != nil {
		log.Printf("[pipeline] SPOOL_READ_FAILED | err=%v", err)
		backlog = nil
	}
	backlog = append(backlog, batch)
	if err := w.writeSpool(backlog); err != nil {
		log.Printf("[pipeline] SPOOL_WRITE_FAILED | window=%s | err=%v", batch.WindowStart, err)
		return
	}
	log.Printf("[pipeline] BATCH_SPOOLED | window=%s | backlog=%d", batch.WindowStart, len(backlog))
	if w.OnSpooled != nil {
		w.OnSpooled(len(backlog))
	}
}

// drainSpool replays spooled batches oldest first. The first batch that
// still fails stops the drain; it and everything after it stay spooled.
func (w *Writer) drainSpool(ctx context.Context) {
	backlog, err := w.readSpool()
	if err != nil {
		log.Printf("[pipeline] SPOOL_READ_FAILED | err=%v", err)
		return
	}
	if len(backlog) == 0 {
		return
	}

	log.Printf("[pipeline] SPOOL_DRAIN_START | backlog=%d", len(backlog))
	for i, batch := range backlog {
		if err := w.writeBatch(ctx, batch); err != nil {
			log.Printf("[pipeline] SPOOL_DRAIN_STALLED | window=%s | err=%v", batch.WindowStart, err)
			remaining := backlog[i:]
			if err := w.writeSpool(remaining); err != nil {
				log.Printf("[pipeline] SPOOL_WRITE_FAILED | err=%v", err)
			}
			if w.OnSpooled != nil {
				w.OnSpooled(len(remaining))
			}
			return
		}
	}

	if err := os.Remove(w.spoolPath()); err != nil && !os.IsNotExist(err) {
		log.Printf("[pipeline] SPOOL_REMOVE_FAILED | err=%v", err)
	}
	log.Printf("[pipeline] SPOOL_DRAINED | batches=%d", len(backlog))
	if w.OnSpooled != nil {
		w.OnSpooled(0)
	}
}

// SpoolDepth returns the number of batches currently spooled.
func (w *Writer) SpoolDepth() int {
	backlog, err := w.readSpool()
	if err != nil {
		return 0
	}
	return len(backlog)
}

func (w *Writer) spoolPath() string {
	return filepath.Join(w.cfg.SpoolDir, spoolFile)
}

func (w *Writer) readSpool() ([]model.WriteBatch, error) {
	data, err := os.ReadFile(w.spoolPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var backlog []model.WriteBatch
	if err := json.Unmarshal(data, &backlog); err != nil {
		return nil, fmt.Errorf("corrupt spool file: %w", err)
	}
	return backlog, nil
}

func (w *Writer) writeSpool(backlog []model.WriteBatch) error {
	if err := os.MkdirAll(w.cfg.SpoolDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(backlog, "", "  ")
	if err != nil {
		return err
	}
	tmp := w.spoolPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, w.spoolPath())
}

// SyncATRState overwrites the indicator state table with the engine's
// current summary: resize to the header row, then append one row per symbol.
func (w *Writer) SyncATRState(ctx context.Context, summaries []atr.StateSummary) error {
	if err := w.store.Resize(ctx, store.TableATRState, 1); err != nil {
		return fmt.Errorf("resize %s: %w", store.TableATRState, err)
	}

	now := time.Now().In(market.IST).Format(time.RFC3339)
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		closeCell, atrCell := "", ""
		if s.LastClose != nil {
			closeCell = formatPrice(*s.LastClose)
		}
		if s.LastATR != nil {
			atrCell = formatPrice(*s.LastATR)
		}
		tsCell := ""
		if !s.LastTimestamp.IsZero() {
			tsCell = s.LastTimestamp.In(market.IST).Format(time.RFC3339)
		}
		rows = append(rows, []string{s.Symbol, closeCell, atrCell, tsCell, now})
	}
	if len(rows) == 0 {
		return nil
	}
	if _, err := w.store.AppendRows(ctx, store.TableATRState, rows); err != nil {
		return fmt.Errorf("append %s: %w", store.TableATRState, err)
	}
	return nil
}
