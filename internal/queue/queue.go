// Package queue provides the durable offline operation queue.
// Mutations attempted while disconnected (or that failed) are recorded
// here and replayed with bounded retry when connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/keepsakehq/keepsake/core/internal/connectivity"
	"github.com/keepsakehq/keepsake/core/internal/db"
	apperrors "github.com/keepsakehq/keepsake/core/internal/errors"
	"github.com/keepsakehq/keepsake/core/internal/logging"
	"github.com/keepsakehq/keepsake/core/internal/models"
	"github.com/keepsakehq/keepsake/core/internal/uuid"
)

// DefaultMaxRetries bounds attempts per operation. Exceeding it discards
// the operation: bounded queue growth takes priority over guaranteed
// delivery, so this is an at-most-N-attempts guarantee, not exactly-once.
const DefaultMaxRetries = 3

// Executor attempts the remote call corresponding to an operation.
// It returns true on success; false or an error both count as a failed
// attempt.
type Executor func(ctx context.Context, op *models.QueuedOperation) (bool, error)

// Result summarizes one drain pass.
type Result struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Stats is the read-only queue breakdown used for UI badges.
type Stats struct {
	Total  int                          `json:"total"`
	ByType map[models.OperationType]int `json:"by_type"`
}

// Config holds queue tuning knobs.
type Config struct {
	// OperationDelay is the pause between operations within a drain pass,
	// so the network is not saturated immediately after reconnect.
	OperationDelay time.Duration

	// SettleDelay is how long auto-sync waits after an "online" event
	// before draining. Interfaces can report online before DNS and
	// routing are actually usable.
	SettleDelay time.Duration
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		OperationDelay: 500 * time.Millisecond,
		SettleDelay:    2 * time.Second,
	}
}

// Manager owns the sync_queue rows exclusively; no other component
// mutates them.
type Manager struct {
	repo   *db.Repository
	signal connectivity.Signal
	cfg    Config
}

// NewManager creates a queue Manager over the durable store.
func NewManager(repo *db.Repository, signal connectivity.Signal, cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{
		repo:   repo,
		signal: signal,
		cfg:    *cfg,
	}
}

// Enqueue durably records an operation and returns its id immediately.
// It never touches the network. maxRetries <= 0 selects the default.
func (m *Manager) Enqueue(ctx context.Context, opType models.OperationType, payload json.RawMessage, maxRetries int) (string, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	op := &models.QueuedOperation{
		ID:         models.UUID(uuid.New()),
		Type:       opType,
		Payload:    payload,
		RetryCount: 0,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UnixMilli(),
	}

	if err := m.repo.CreateQueuedOperation(op); err != nil {
		return "", apperrors.Wrap(apperrors.ErrQueueEnqueue, "failed to record operation", err)
	}

	logging.Debug("Queued offline operation", map[string]interface{}{
		"id":      op.ID.String(),
		"op_type": string(opType),
	})

	return op.ID.String(), nil
}

// ProcessQueue drains all pending operations in FIFO order by creation
// time. It short-circuits with an empty Result when the device is offline.
//
// Per operation: the executor is invoked; success deletes the row; failure
// increments the retry count and either persists the operation (under its
// retry budget) or deletes it and counts it as permanently failed.
// Ordering is FIFO within this pass only: an operation retried in a
// future pass can run after later operations from this one.
func (m *Manager) ProcessQueue(ctx context.Context, executor Executor) (Result, error) {
	var result Result

	if m.signal != nil && !m.signal.IsOnline() {
		logging.Debug("Skipping queue drain while offline")
		return result, nil
	}

	ops, err := m.repo.ListQueuedOperations()
	if err != nil {
		return result, apperrors.Wrap(apperrors.ErrQueueDrain, "failed to list queued operations", err)
	}

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		ok, execErr := executor(ctx, op)
		if ok && execErr == nil {
			if err := m.repo.DeleteQueuedOperation(op.ID.String()); err != nil {
				return result, err
			}
			result.Processed++
		} else {
			if execErr == nil {
				execErr = errors.New("executor reported failure")
			}
			op.RetryCount++
			if op.RetryCount >= op.MaxRetries {
				// Retry budget exhausted: discard. The id can never
				// re-enter the queue.
				if err := m.repo.DeleteQueuedOperation(op.ID.String()); err != nil {
					return result, err
				}
				result.Failed++
				logging.Warn("Dropping operation after exhausted retries", map[string]interface{}{
					"id":      op.ID.String(),
					"op_type": string(op.Type),
					"retries": op.RetryCount,
					"error":   execErr.Error(),
				})
			} else {
				if err := m.repo.UpdateQueuedOperationRetry(op.ID.String(), op.RetryCount, execErr.Error()); err != nil {
					return result, err
				}
				logging.Debug("Operation failed, will retry on a later pass", map[string]interface{}{
					"id":      op.ID.String(),
					"attempt": op.RetryCount,
					"max":     op.MaxRetries,
				})
			}
		}

		// Flat pause between operations; no backoff inside a pass.
		if m.cfg.OperationDelay > 0 && i < len(ops)-1 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(m.cfg.OperationDelay):
			}
		}
	}

	if result.Processed > 0 || result.Failed > 0 {
		logging.Info("Queue drain finished", map[string]interface{}{
			"processed": result.Processed,
			"failed":    result.Failed,
		})
	}

	return result, nil
}

// SetupAutoSync drains the queue whenever connectivity is restored,
// after a settle delay, and reports each pass to notify. The returned
// cleanup function detaches the listener and waits out a pending drain's
// notification being scheduled.
func (m *Manager) SetupAutoSync(executor Executor, notify func(Result)) func() {
	ctx, cancel := context.WithCancel(context.Background())

	unregister := m.signal.OnChange(func(online bool) {
		if !online {
			return
		}
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.SettleDelay):
			}

			result, err := m.ProcessQueue(ctx, executor)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logging.Error("Auto-sync drain failed", err)
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			if notify != nil {
				notify(result)
			}
		}()
	})

	return func() {
		cancel()
		unregister()
	}
}

// GetQueueStats returns the queue count and per-type breakdown.
// Read-only; no side effects.
func (m *Manager) GetQueueStats(ctx context.Context) (*Stats, error) {
	total, err := m.repo.CountQueuedOperations()
	if err != nil {
		return nil, err
	}
	byType, err := m.repo.QueuedOperationsByType()
	if err != nil {
		return nil, err
	}
	return &Stats{Total: total, ByType: byType}, nil
}

// Has reports whether an operation id is still queued. Diagnostic helper.
func (m *Manager) Has(id string) bool {
	if !uuid.IsValid(id) {
		return false
	}
	ops, err := m.repo.ListQueuedOperations()
	if err != nil {
		return false
	}
	for _, op := range ops {
		if op.ID.String() == id {
			return true
		}
	}
	return false
}
