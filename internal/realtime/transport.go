// Package realtime subscribes to per-connection update channels, tracks
// presence, and dispatches incoming memory events while filtering
// self-originated and stale ones.
package realtime

import (
	"context"
	"sync"

	"github.com/keepsakehq/keepsake/core/internal/models"
)

// Transport is the channel layer the manager rides on. Implementations
// must invoke a change handler only after SubscribeChanges has returned
// its stop function registration internally, i.e. the handler is attached
// before the channel opens, otherwise the first event after reconnect
// can be dropped silently.
type Transport interface {
	// SubscribeChanges opens the change-notification stream for one
	// connection and delivers its events to handler in transport order.
	// The returned stop function closes the stream.
	SubscribeChanges(ctx context.Context, connectionID string, handler func(models.MemoryUpdate)) (func(), error)

	// SubscribePresence joins a connection's presence channel,
	// advertising self, and delivers full presence snapshots to handler.
	// Each snapshot replaces all previous state.
	SubscribePresence(ctx context.Context, connectionID string, self models.PresenceEntry, handler func([]models.PresenceEntry)) (func(), error)
}

// ActiveConnection is a single-writer reference cell holding the id of
// the connection currently in the foreground. Callbacks read it at
// invocation time, never capture it at registration time: a background
// connection switch must be observed by updates already in flight.
type ActiveConnection struct {
	mu sync.RWMutex
	id string
}

// NewActiveConnection creates the cell with an initial id.
func NewActiveConnection(id string) *ActiveConnection {
	return &ActiveConnection{id: id}
}

// Get returns the current active connection id.
func (a *ActiveConnection) Get() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

// Set updates the active connection id synchronously.
func (a *ActiveConnection) Set(id string) {
	a.mu.Lock()
	a.id = id
	a.mu.Unlock()
}
