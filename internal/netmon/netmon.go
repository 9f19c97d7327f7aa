// Package netmon tracks whether the remote store is believed reachable.
//
// The host pushes connectivity changes with Set; interested parties register
// with Subscribe and are called on every actual flip. A Prober can poll the
// remote store at a low rate as a fallback for missed host events.
package netmon

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/silvachamo/agrosync/internal/logging"
	"github.com/silvachamo/agrosync/internal/metrics"
)

// Listener receives the new state after a flip.
type Listener func(online bool)

type subscription struct {
	id int
	fn Listener
}

// Monitor is the single source of truth for connectivity. The zero value
// is not usable; call New.
type Monitor struct {
	// notifyMu keeps listener calls in flip order across concurrent Sets.
	notifyMu sync.Mutex

	mu         sync.RWMutex
	online     bool
	lastChange time.Time
	subs       []subscription
	nextID     int
}

// New returns a monitor that starts online.
func New() *Monitor {
	metrics.SetOnline(true)
	return &Monitor{
		online:     true,
		lastChange: time.Now(),
	}
}

// IsOnline returns the last observed state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// LastChange returns when the state last flipped (or the monitor was created).
func (m *Monitor) LastChange() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastChange
}

// Set records a host connectivity signal.
func (m *Monitor) Set(online bool) bool {
	return m.SetFrom(online, "host")
}

// SetFrom records a connectivity signal from source and reports whether it
// was a flip. Listeners run synchronously, in subscription order, outside
// the state lock. A listener must not call Set itself.
func (m *Monitor) SetFrom(online bool, source string) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.lastChange = time.Now()
	subs := make([]subscription, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	metrics.SetOnline(online)
	metrics.RecordConnectivityTransition(online, source)
	if online {
		logging.Info("connectivity restored", zap.String("source", source))
	} else {
		logging.Warn("connectivity lost", zap.String("source", source))
	}

	for _, s := range subs {
		s.fn(online)
	}
	return true
}

// Subscribe registers fn for future flips. The returned function removes
// the registration and is safe to call more than once.
func (m *Monitor) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs = append(m.subs, subscription{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribers returns the number of registered listeners.
func (m *Monitor) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
