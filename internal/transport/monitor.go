package transport

import (
	"sync"

	"go.uber.org/zap"
)

// Monitor tracks the liveness of one worker connection. It is fed by
// transport-level connect/disconnect events only; request outcomes never
// touch it, so reading the state adds no latency to the request path.
type Monitor struct {
	endpoint string
	log      *zap.SugaredLogger

	mu        sync.Mutex
	connected bool
	closed    bool
}

// NewMonitor returns a monitor in the disconnected state. It stays
// disconnected until the first accept event arrives.
func NewMonitor(endpoint string, log *zap.SugaredLogger) *Monitor {
	return &Monitor{endpoint: endpoint, log: log}
}

// Connected reports whether the underlying connection is currently live.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && !m.closed
}

// Up records a transport accept event. Logged only on transition.
func (m *Monitor) Up() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if !m.connected {
		m.log.Infow("connection established", "endpoint", m.endpoint)
	}
	m.connected = true
}

// Down records a transport disconnect event. Logged only on transition.
func (m *Monitor) Down() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		m.log.Warnw("connection lost", "endpoint", m.endpoint)
	}
	m.connected = false
}

// Close stops monitoring. Idempotent; Connected reports false afterwards.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.connected = false
}
