// Package alerts fires operator alerts on two channels at once: the process
// log (always) and the store's system log table (best effort). A store
// outage must never suppress the local alert, so the table write failure is
// itself only logged.
package alerts

import (
	"context"
	"log"
	"sync"
	"time"

	"volharvester/internal/store"
)

// Severity levels, in escalation order.
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelCritical = "CRITICAL"
)

// Manager fires alerts. Safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	schema *store.Manager
	fired  map[string]time.Time // last fire per event, for observability
}

// NewManager creates an alert manager. schema may be nil in tests; alerts
// then go to the log only.
func NewManager(schema *store.Manager) *Manager {
	return &Manager{schema: schema, fired: make(map[string]time.Time)}
}

// Fire emits one alert on both channels.
func (m *Manager) Fire(ctx context.Context, level, component, event, details string) {
	log.Printf("[alerts] %s | %s | %s | %s", level, component, event, details)

	m.mu.Lock()
	m.fired[event] = time.Now()
	m.mu.Unlock()

	if m.schema == nil {
		return
	}
	if err := m.schema.LogEvent(ctx, level, event, "", details); err != nil {
		log.Printf("[alerts] STORE_LOG_FAILED | event=%s | err=%v", event, err)
	}
}

// LastFired returns when the event last fired, for tests and health checks.
func (m *Manager) LastFired(event string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.fired[event]
	return t, ok
}
