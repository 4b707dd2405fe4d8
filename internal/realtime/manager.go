package realtime

import (
	"context"
	"sync"

	apperrors "github.com/keepsakehq/keepsake/core/internal/errors"
	"github.com/keepsakehq/keepsake/core/internal/logging"
	"github.com/keepsakehq/keepsake/core/internal/models"
)

// UpdateHandler receives a filtered memory update. foreground is true
// when the update belongs to the connection that was active at delivery
// time; such updates go to the authoritative visible collection, all
// others only to the per-connection background cache.
type UpdateHandler func(update models.MemoryUpdate, foreground bool)

// PresenceHandler receives a rebuilt presence snapshot for a connection.
type PresenceHandler func(connectionID string, entries []models.PresenceEntry)

// Manager owns the realtime subscriptions of one user session.
type Manager struct {
	mu        sync.Mutex
	transport Transport
	active    *ActiveConnection

	selfID   string
	selfName string

	// generation defuses stale callbacks: every async callback captures
	// the generation at subscription time and becomes a no-op once
	// DisconnectAll has advanced it.
	generation int

	changeStops  map[string]func()
	presenceConn string
	presenceStop func()

	updateHandlers   map[int]UpdateHandler
	presenceHandlers map[int]PresenceHandler
	nextHandlerID    int
}

// NewManager creates a realtime manager over a transport and the shared
// active-connection cell.
func NewManager(transport Transport, active *ActiveConnection) *Manager {
	return &Manager{
		transport:        transport,
		active:           active,
		changeStops:      make(map[string]func()),
		updateHandlers:   make(map[int]UpdateHandler),
		presenceHandlers: make(map[int]PresenceHandler),
	}
}

// OnMemoryUpdate registers a listener and returns an unregister function.
// Listeners must be registered before Subscribe so no event can arrive
// with nothing attached.
func (m *Manager) OnMemoryUpdate(h UpdateHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextHandlerID
	m.nextHandlerID++
	m.updateHandlers[id] = h

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.updateHandlers, id)
	}
}

// OnPresenceChange registers a presence listener; same contract as
// OnMemoryUpdate.
func (m *Manager) OnPresenceChange(h PresenceHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextHandlerID
	m.nextHandlerID++
	m.presenceHandlers[id] = h

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.presenceHandlers, id)
	}
}

// Subscribe opens one change subscription per connection id plus a
// presence channel for the active connection, and begins advertising the
// caller's own presence there. Idempotent per connection id: ids already
// subscribed are left untouched.
//
// A failed channel is not fatal: the error reports that realtime is
// degraded and the caller should fall back to periodic polling, but any
// channels that did open keep delivering.
func (m *Manager) Subscribe(ctx context.Context, connectionIDs []string, selfUserID, selfUserName, activeConnectionID string) error {
	m.mu.Lock()
	m.selfID = selfUserID
	m.selfName = selfUserName
	m.active.Set(activeConnectionID)
	generation := m.generation
	m.mu.Unlock()

	var failed []string
	for _, connID := range connectionIDs {
		m.mu.Lock()
		_, already := m.changeStops[connID]
		m.mu.Unlock()
		if already {
			continue
		}

		if err := m.subscribeChanges(ctx, connID, generation); err != nil {
			failed = append(failed, connID)
			logging.Warn("Change subscription failed, realtime degraded", map[string]interface{}{
				"connection_id": connID,
				"error":         err.Error(),
			})
		}
	}

	if err := m.subscribePresence(ctx, activeConnectionID, generation); err != nil {
		logging.Warn("Presence subscription failed", map[string]interface{}{
			"connection_id": activeConnectionID,
			"error":         err.Error(),
		})
		failed = append(failed, activeConnectionID)
	}

	if len(failed) > 0 {
		return apperrors.New(apperrors.ErrRealtimeDisabled, "one or more realtime channels could not be opened")
	}
	return nil
}

// subscribeChanges attaches the filtering dispatch for one connection.
// The handler closure is attached before the transport opens the stream.
func (m *Manager) subscribeChanges(ctx context.Context, connID string, generation int) error {
	handler := func(update models.MemoryUpdate) {
		m.mu.Lock()
		if m.generation != generation {
			// Subscription owner already tore down; guaranteed no-op.
			m.mu.Unlock()
			return
		}
		selfID := m.selfID
		handlers := make([]UpdateHandler, 0, len(m.updateHandlers))
		for _, h := range m.updateHandlers {
			handlers = append(handlers, h)
		}
		m.mu.Unlock()

		// Self-echo suppression: the local optimistic update already
		// reflects this change.
		if update.UserID == selfID {
			return
		}

		// Read the active connection fresh, at callback time.
		foreground := update.ConnectionID == m.active.Get()

		for _, h := range handlers {
			h(update, foreground)
		}
	}

	stop, err := m.transport.SubscribeChanges(ctx, connID, handler)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.generation != generation {
		// Torn down while the subscription was opening.
		m.mu.Unlock()
		stop()
		return nil
	}
	m.changeStops[connID] = stop
	m.mu.Unlock()
	return nil
}

// subscribePresence joins the presence channel of one connection,
// replacing any previous presence channel.
func (m *Manager) subscribePresence(ctx context.Context, connID string, generation int) error {
	self := models.PresenceEntry{
		UserID:   m.selfID,
		UserName: m.selfName,
		Online:   true,
	}

	handler := func(entries []models.PresenceEntry) {
		m.mu.Lock()
		if m.generation != generation {
			m.mu.Unlock()
			return
		}
		handlers := make([]PresenceHandler, 0, len(m.presenceHandlers))
		for _, h := range m.presenceHandlers {
			handlers = append(handlers, h)
		}
		m.mu.Unlock()

		for _, h := range handlers {
			h(connID, entries)
		}
	}

	stop, err := m.transport.SubscribePresence(ctx, connID, self, handler)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		stop()
		return nil
	}
	if m.presenceStop != nil {
		m.presenceStop()
	}
	m.presenceConn = connID
	m.presenceStop = stop
	m.mu.Unlock()
	return nil
}

// SetActiveConnection changes which connection's presence is advertised
// and whose updates reach the foreground, without re-opening any change
// subscription. Resubscription costs a round-trip and risks missed
// events during the gap, so only the presence channel is swapped.
func (m *Manager) SetActiveConnection(ctx context.Context, connID string) {
	m.active.Set(connID)

	m.mu.Lock()
	if m.presenceConn == connID {
		m.mu.Unlock()
		return
	}
	generation := m.generation
	m.mu.Unlock()

	if err := m.subscribePresence(ctx, connID, generation); err != nil {
		logging.Warn("Presence switch failed", map[string]interface{}{
			"connection_id": connID,
			"error":         err.Error(),
		})
	}
}

// DisconnectAll tears down every subscription and clears listeners.
// Callbacks still in flight observe the advanced generation and do
// nothing.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	m.generation++
	stops := make([]func(), 0, len(m.changeStops)+1)
	for _, stop := range m.changeStops {
		stops = append(stops, stop)
	}
	if m.presenceStop != nil {
		stops = append(stops, m.presenceStop)
	}
	m.changeStops = make(map[string]func())
	m.presenceStop = nil
	m.presenceConn = ""
	m.updateHandlers = make(map[int]UpdateHandler)
	m.presenceHandlers = make(map[int]PresenceHandler)
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}

	logging.Debug("Realtime subscriptions closed")
}
