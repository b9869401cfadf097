// Package redis mirrors finalized bars into Redis as a live view for
// dashboards: a latest key per symbol, a capped stream per symbol, and a
// pubsub fanout. The mirror is best effort; SQLite remains the system of
// record and a Redis outage never blocks the write pipeline.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"volharvester/internal/model"
)

const (
	// ~1 trading day of 5m bars plus headroom.
	streamMaxLen   = 200
	latestTTL      = 30 * time.Minute
	breakerTrips   = 5
	breakerCooloff = 10 * time.Second
)

// Publisher pushes finalized bars to Redis behind a circuit breaker.
// A nil *Publisher is valid and publishes nothing, so callers never branch
// on whether Redis is configured.
type Publisher struct {
	client *goredis.Client
	brk    *breaker
}

// NewPublisher connects to Redis and verifies the connection. Returns an
// error rather than a degraded publisher; the caller decides whether to run
// without the live view.
func NewPublisher(addr, password string) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	p := &Publisher{client: client, brk: newBreaker(breakerTrips, breakerCooloff)}
	p.brk.onStateChange = func(from, to string) {
		log.Printf("[redis] BREAKER | %s -> %s", from, to)
	}
	log.Printf("[redis] CONNECTED | addr=%s", addr)
	return p, nil
}

// PublishBars mirrors one finalized window in a single pipeline: per bar a
// SET of the latest key, an XADD to the symbol stream, and a PUBLISH.
func (p *Publisher) PublishBars(ctx context.Context, bars []model.EnrichedBar) {
	if p == nil || len(bars) == 0 {
		return
	}

	err := p.brk.call(func() error {
		pipe := p.client.Pipeline()
		for i := range bars {
			bar := &bars[i]
			data, err := json.Marshal(bar)
			if err != nil {
				return fmt.Errorf("encode bar %s: %w", bar.RowID, err)
			}
			payload := string(data)

			latestKey := "bar:5m:latest:" + bar.Symbol
			streamKey := "bar:5m:" + bar.Symbol
			channel := "pub:bar:5m:" + bar.Symbol

			pipe.Set(ctx, latestKey, payload, latestTTL)
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: streamKey,
				MaxLen: streamMaxLen,
				Approx: true,
				Values: map[string]interface{}{"data": payload},
			})
			pipe.Publish(ctx, channel, payload)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil && err != ErrBreakerOpen {
		log.Printf("[redis] PUBLISH_FAILED | bars=%d | err=%v", len(bars), err)
	}
}

// Ping reports Redis reachability for health checks.
func (p *Publisher) Ping(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.client.Ping(ctx).Err()
}

// BreakerState exposes the breaker state for health reporting.
func (p *Publisher) BreakerState() string {
	if p == nil {
		return "disabled"
	}
	return p.brk.currentState()
}

// Close closes the client. Safe on nil.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
