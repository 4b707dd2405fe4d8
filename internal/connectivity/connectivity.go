// Package connectivity exposes the host platform's online/offline signal.
package connectivity

import (
	"sync"

	"github.com/keepsakehq/keepsake/core/internal/logging"
)

// Signal is the boolean "online" event source the host platform provides.
// Implementations must invoke callbacks only on actual transitions.
type Signal interface {
	// IsOnline reports the current connectivity state.
	IsOnline() bool

	// OnChange registers a transition callback and returns an unregister
	// function. The callback receives the new state.
	OnChange(cb func(online bool)) func()
}

// Monitor is a Signal implementation driven by the embedding host.
// Desktop and mobile shells call SetOnline from their platform hooks;
// tests drive it directly.
type Monitor struct {
	mu     sync.Mutex
	online bool
	cbs    map[int]func(bool)
	nextID int
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		cbs:    make(map[int]func(bool)),
	}
}

// IsOnline reports the current connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers a transition callback.
func (m *Monitor) OnChange(cb func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.cbs[id] = cb

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.cbs, id)
	}
}

// SetOnline updates the state, notifying callbacks on transitions only.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	cbs := make([]func(bool), 0, len(m.cbs))
	for _, cb := range m.cbs {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{
		"online": online,
	})

	for _, cb := range cbs {
		cb(online)
	}
}
