// Package orchestrator binds the realtime manager, offline queue and
// media cache into the engine the UI layer talks to. It decides which
// connection is active, merges incoming updates into authoritative local
// state, and triggers queue draining on reconnect.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/keepsakehq/keepsake/core/internal/db"
	"github.com/keepsakehq/keepsake/core/internal/logging"
	"github.com/keepsakehq/keepsake/core/internal/media"
	"github.com/keepsakehq/keepsake/core/internal/models"
	"github.com/keepsakehq/keepsake/core/internal/queue"
	"github.com/keepsakehq/keepsake/core/internal/realtime"
)

// Sinks are the caller-supplied state setters the engine feeds. The core
// never renders anything itself.
type Sinks struct {
	// OnMemories receives the foreground collection after every change,
	// oldest first.
	OnMemories func(connectionID string, memories []*models.Memory)

	// OnPresence receives rebuilt presence snapshots.
	OnPresence func(connectionID string, entries []models.PresenceEntry)

	// OnSyncComplete receives the outcome of every auto-sync drain pass.
	OnSyncComplete func(result queue.Result)
}

// Config holds orchestrator tuning knobs.
type Config struct {
	// PollInterval drives the refresh fallback used when realtime
	// subscriptions cannot be established.
	PollInterval time.Duration
}

// DefaultConfig returns default orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{PollInterval: 30 * time.Second}
}

// Orchestrator coordinates the three sync subsystems for one session.
type Orchestrator struct {
	repo   *db.Repository
	rt     *realtime.Manager
	queue  *queue.Manager
	cache  *media.Cache
	active *realtime.ActiveConnection
	sinks  Sinks
	cfg    Config

	mu         sync.Mutex
	foreground map[string]*models.Memory            // active connection's visible collection
	background map[string]map[string]*models.Memory // per-connection caches for previews/unread counts

	unregisterUpdate   func()
	unregisterPresence func()
	autoSyncCleanup    func()
	pollStop           chan struct{}
	started            bool
}

// New creates an Orchestrator. cache may be nil when media warming is
// not wanted.
func New(repo *db.Repository, rt *realtime.Manager, q *queue.Manager, cache *media.Cache, active *realtime.ActiveConnection, sinks Sinks, cfg *Config) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Orchestrator{
		repo:       repo,
		rt:         rt,
		queue:      q,
		cache:      cache,
		active:     active,
		sinks:      sinks,
		cfg:        *cfg,
		foreground: make(map[string]*models.Memory),
		background: make(map[string]map[string]*models.Memory),
	}
}

// Start wires listeners, opens realtime subscriptions and attaches
// queue auto-sync. Listener registration happens before the transport
// subscription is opened; the other order leaves a window where the
// first event after reconnect arrives with no listener attached.
func (o *Orchestrator) Start(ctx context.Context, connectionIDs []string, selfUserID, selfUserName, activeConnectionID string, executor queue.Executor) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	o.unregisterUpdate = o.rt.OnMemoryUpdate(o.handleUpdate)
	o.unregisterPresence = o.rt.OnPresenceChange(func(connID string, entries []models.PresenceEntry) {
		if o.sinks.OnPresence != nil {
			o.sinks.OnPresence(connID, entries)
		}
	})

	o.loadForeground(activeConnectionID)

	if err := o.rt.Subscribe(ctx, connectionIDs, selfUserID, selfUserName, activeConnectionID); err != nil {
		logging.Warn("Realtime unavailable, falling back to polling", map[string]interface{}{
			"error": err.Error(),
		})
		o.startPolling(ctx)
	}

	o.autoSyncCleanup = o.queue.SetupAutoSync(executor, func(result queue.Result) {
		if o.sinks.OnSyncComplete != nil {
			o.sinks.OnSyncComplete(result)
		}
		// Replayed mutations may have changed the visible collection.
		o.loadForeground(o.active.Get())
	})

	return nil
}

// SetActiveConnection switches the foreground connection without tearing
// down other subscriptions, then rebuilds the visible collection from
// the authoritative store.
func (o *Orchestrator) SetActiveConnection(ctx context.Context, connectionID string) {
	o.rt.SetActiveConnection(ctx, connectionID)
	o.loadForeground(connectionID)
}

// Stop tears down polling, auto-sync and all realtime subscriptions.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	pollStop := o.pollStop
	o.pollStop = nil
	o.mu.Unlock()

	if pollStop != nil {
		close(pollStop)
	}
	if o.autoSyncCleanup != nil {
		o.autoSyncCleanup()
	}
	if o.unregisterUpdate != nil {
		o.unregisterUpdate()
	}
	if o.unregisterPresence != nil {
		o.unregisterPresence()
	}
	o.rt.DisconnectAll()
}

// ForegroundMemories returns the current visible collection, oldest first.
func (o *Orchestrator) ForegroundMemories() []*models.Memory {
	o.mu.Lock()
	defer o.mu.Unlock()
	return snapshot(o.foreground)
}

// BackgroundCount reports how many memories a non-active connection has
// accumulated in its cache. Used for unread badges.
func (o *Orchestrator) BackgroundCount(connectionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.background[connectionID])
}

// handleUpdate merges one filtered realtime event. Foreground routing
// was decided by the realtime manager at delivery time; this method owns
// dedup, deletion and persistence.
func (o *Orchestrator) handleUpdate(update models.MemoryUpdate, foreground bool) {
	o.mu.Lock()

	bg := o.background[update.ConnectionID]
	if bg == nil {
		bg = make(map[string]*models.Memory)
		o.background[update.ConnectionID] = bg
	}

	changed := false
	switch update.Action {
	case models.ActionCreate:
		if update.Memory == nil {
			break
		}
		// Events may be redelivered during reconnect: a create for an
		// id already present is dropped, not appended.
		if _, dup := bg[update.MemoryID]; !dup {
			bg[update.MemoryID] = update.Memory
		}
		if foreground {
			if _, dup := o.foreground[update.MemoryID]; !dup {
				o.foreground[update.MemoryID] = update.Memory
				changed = true
			}
		}

	case models.ActionUpdate:
		if update.Memory == nil {
			break
		}
		bg[update.MemoryID] = update.Memory
		if foreground {
			o.foreground[update.MemoryID] = update.Memory
			changed = true
		}

	case models.ActionDelete:
		delete(bg, update.MemoryID)
		if foreground {
			if _, ok := o.foreground[update.MemoryID]; ok {
				delete(o.foreground, update.MemoryID)
				changed = true
			}
		}
	}

	var visible []*models.Memory
	if changed {
		visible = snapshot(o.foreground)
	}
	o.mu.Unlock()

	o.persistUpdate(update)

	// A received update may carry media worth having offline.
	if o.cache != nil && update.Memory != nil && update.Memory.MediaURL != "" && update.Action != models.ActionDelete {
		go o.cache.CacheMedia(context.Background(), update.Memory.MediaURL)
	}

	if changed && o.sinks.OnMemories != nil {
		o.sinks.OnMemories(update.ConnectionID, visible)
	}
}

// persistUpdate applies the event to the authoritative local store.
func (o *Orchestrator) persistUpdate(update models.MemoryUpdate) {
	var err error
	switch update.Action {
	case models.ActionCreate, models.ActionUpdate:
		if update.Memory != nil {
			err = o.repo.UpsertMemory(update.Memory)
		}
	case models.ActionDelete:
		err = o.repo.DeleteMemory(update.MemoryID)
	}
	if err != nil {
		logging.Error("Failed to persist realtime update", err, map[string]interface{}{
			"memory_id": update.MemoryID,
			"action":    string(update.Action),
		})
	}
}

// loadForeground rebuilds the visible collection from the store and
// emits it.
func (o *Orchestrator) loadForeground(connectionID string) {
	memories, err := o.repo.ListMemoriesByConnection(connectionID)
	if err != nil {
		logging.Error("Failed to load memories", err, map[string]interface{}{
			"connection_id": connectionID,
		})
		return
	}

	o.mu.Lock()
	o.foreground = make(map[string]*models.Memory, len(memories))
	for _, mem := range memories {
		o.foreground[mem.ID.String()] = mem
	}
	visible := snapshot(o.foreground)
	o.mu.Unlock()

	if o.sinks.OnMemories != nil {
		o.sinks.OnMemories(connectionID, visible)
	}
}

// startPolling refreshes the foreground collection on a timer while
// realtime is down.
func (o *Orchestrator) startPolling(ctx context.Context) {
	o.mu.Lock()
	if o.pollStop != nil {
		o.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	o.pollStop = stop
	o.mu.Unlock()

	go func() {
		ticker := time.NewTicker(o.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				o.loadForeground(o.active.Get())
			}
		}
	}()
}

// snapshot orders a collection map oldest first for the UI.
func snapshot(collection map[string]*models.Memory) []*models.Memory {
	memories := make([]*models.Memory, 0, len(collection))
	for _, mem := range collection {
		memories = append(memories, mem)
	}
	sort.Slice(memories, func(i, j int) bool {
		if memories[i].CreatedAt != memories[j].CreatedAt {
			return memories[i].CreatedAt < memories[j].CreatedAt
		}
		return memories[i].ID < memories[j].ID
	})
	return memories
}
