package feed

import (
	"context"
	"log"
	"math"
	"math/rand"
	"strconv"
	"time"

	"volharvester/internal/alerts"
)

// ReconnectConfig tunes the reconnect operator's backoff and escalation.
type ReconnectConfig struct {
	BaseDelay      time.Duration // first sleep
	MaxDelay       time.Duration // backoff ceiling
	Factor         float64       // backoff multiplier per attempt
	MaxAttempts    int
	AlertThreshold int  // attempts before escalating to CRITICAL
	Jitter         bool // multiply each sleep by uniform [0.75, 1.25]
}

// Steps are the three-phase recovery sequence, run in order each attempt.
// Any step failing fails the attempt.
type Steps struct {
	Refresh   func(ctx context.Context) error // re-authenticate if the session is stale
	Connect   func(ctx context.Context) error
	Subscribe func(ctx context.Context) error
}

// Operator drives reconnection with exponential backoff, jitter, and
// escalating alerts. Sleep and jitter are injectable for tests; left nil
// they use the real clock and math/rand.
type Operator struct {
	cfg    ReconnectConfig
	alerts *alerts.Manager

	Sleep    func(ctx context.Context, d time.Duration)
	JitterFn func() float64
}

// NewOperator creates a reconnect operator.
func NewOperator(cfg ReconnectConfig, am *alerts.Manager) *Operator {
	return &Operator{cfg: cfg, alerts: am}
}

// Run executes the recovery protocol: per attempt, sleep the backoff delay
// then run refresh, connect, subscribe. Returns true on success; false when
// attempts exhaust or ctx is cancelled.
func (o *Operator) Run(ctx context.Context, steps Steps) bool {
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		delay := o.delay(attempt)
		log.Printf("[reconnect] ATTEMPT | k=%d/%d | sleep=%s", attempt, o.cfg.MaxAttempts, delay)
		if !o.sleep(ctx, delay) {
			return false
		}

		if err := o.attempt(ctx, steps); err != nil {
			log.Printf("[reconnect] ATTEMPT_FAILED | k=%d | err=%v", attempt, err)
			if attempt == 1 {
				o.alerts.Fire(ctx, alerts.LevelWarning, "reconnect", "RECONNECT_ATTEMPT",
					"first reconnect attempt failed: "+err.Error())
			}
			if attempt >= o.cfg.AlertThreshold {
				o.alerts.Fire(ctx, alerts.LevelCritical, "reconnect", "RECONNECT_FAILING",
					"reconnect still failing at attempt "+strconv.Itoa(attempt))
			}
			continue
		}

		if attempt > 1 {
			o.alerts.Fire(ctx, alerts.LevelInfo, "reconnect", "RECONNECT_RECOVERED",
				"attempts_taken="+strconv.Itoa(attempt))
		}
		return true
	}

	o.alerts.Fire(ctx, alerts.LevelCritical, "reconnect", "RECONNECT_EXHAUSTED",
		"gave up after "+strconv.Itoa(o.cfg.MaxAttempts)+" attempts")
	return false
}

func (o *Operator) attempt(ctx context.Context, steps Steps) error {
	if steps.Refresh != nil {
		if err := steps.Refresh(ctx); err != nil {
			return err
		}
	}
	if err := steps.Connect(ctx); err != nil {
		return err
	}
	if steps.Subscribe != nil {
		return steps.Subscribe(ctx)
	}
	return nil
}

func (o *Operator) delay(attempt int) time.Duration {
	d := float64(o.cfg.BaseDelay) * math.Pow(o.cfg.Factor, float64(attempt-1))
	if max := float64(o.cfg.MaxDelay); d > max {
		d = max
	}
	if o.cfg.Jitter {
		jitter := o.JitterFn
		if jitter == nil {
			jitter = func() float64 { return 0.75 + rand.Float64()*0.5 }
		}
		d *= jitter()
	}
	return time.Duration(d)
}

// sleep waits for d or ctx cancellation; returns false when cancelled.
func (o *Operator) sleep(ctx context.Context, d time.Duration) bool {
	if o.Sleep != nil {
		o.Sleep(ctx, d)
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
