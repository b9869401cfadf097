package redis

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when the breaker rejects a call outright.
var ErrBreakerOpen = errors.New("redis breaker open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker trips after maxFailures consecutive errors and rejects calls for
// cooldown; the first call after the cooldown runs as a probe. Redis is a
// best-effort live view here, so a tripped breaker just means finalized bars
// stop being mirrored until the probe succeeds.
type breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	maxFailures int
	cooldown    time.Duration
	lastFailure time.Time

	onStateChange func(from, to string)
}

func newBreaker(maxFailures int, cooldown time.Duration) *breaker {
	return &breaker{maxFailures: maxFailures, cooldown: cooldown}
}

func (b *breaker) call(fn func() error) error {
	b.mu.Lock()
	if b.state == breakerOpen {
		if time.Since(b.lastFailure) <= b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.shift(breakerHalfOpen)
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.state == breakerHalfOpen || b.failures >= b.maxFailures {
			b.shift(breakerOpen)
		}
		return err
	}
	if b.state == breakerHalfOpen {
		b.shift(breakerClosed)
	}
	b.failures = 0
	return nil
}

func (b *breaker) currentState() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

func (b *breaker) shift(to breakerState) {
	from := b.state
	b.state = to
	if to == breakerClosed {
		b.failures = 0
	}
	if b.onStateChange != nil && from != to {
		b.onStateChange(from.String(), to.String())
	}
}
