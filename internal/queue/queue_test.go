package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keepsakehq/keepsake/core/internal/connectivity"
	"github.com/keepsakehq/keepsake/core/internal/db"
	apperrors "github.com/keepsakehq/keepsake/core/internal/errors"
	"github.com/keepsakehq/keepsake/core/internal/models"
)

// fastConfig removes the inter-operation pause so drains run instantly.
func fastConfig() *Config {
	return &Config{
		OperationDelay: 0,
		SettleDelay:    5 * time.Millisecond,
	}
}

// newTestManager returns a Manager over a migrated temp database and the
// monitor driving its connectivity signal.
func newTestManager(t *testing.T, online bool) (*Manager, *connectivity.Monitor) {
	t.Helper()

	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	migrator := db.NewMigrator(conn.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	repo := db.NewRepository(conn.DB)
	t.Cleanup(func() { repo.Close() })

	monitor := connectivity.NewMonitor(online)
	return NewManager(repo, monitor, fastConfig()), monitor
}

// countingExecutor records every attempt and answers from fn.
type countingExecutor struct {
	mu    sync.Mutex
	seen  []string
	fn    func(op *models.QueuedOperation) (bool, error)
	calls int
}

func (e *countingExecutor) exec(ctx context.Context, op *models.QueuedOperation) (bool, error) {
	e.mu.Lock()
	e.calls++
	e.seen = append(e.seen, op.ID.String())
	e.mu.Unlock()
	if e.fn != nil {
		return e.fn(op)
	}
	return true, nil
}

func (e *countingExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// TestEnqueueAndDrain tests that enqueued operations replay in FIFO order
// and successful ones leave the queue.
func TestEnqueueAndDrain(t *testing.T) {
	m, _ := newTestManager(t, true)
	ctx := context.Background()

	var want []string
	for i := 0; i < 3; i++ {
		id, err := m.Enqueue(ctx, models.OpCreateMemory, json.RawMessage(`{"body":"x"}`), 0)
		if err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		want = append(want, id)
	}

	exec := &countingExecutor{}
	result, err := m.ProcessQueue(ctx, exec.exec)
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if result.Processed != 3 || result.Failed != 0 {
		t.Errorf("result = %+v, want processed=3 failed=0", result)
	}
	if len(exec.seen) != len(want) {
		t.Fatalf("executor saw %d operations, want %d", len(exec.seen), len(want))
	}
	for i := range want {
		if exec.seen[i] != want[i] {
			t.Errorf("drain position %d: got %s, want %s (enqueue order)", i, exec.seen[i], want[i])
		}
	}

	stats, err := m.GetQueueStats(ctx)
	if err != nil {
		t.Fatalf("GetQueueStats() failed: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("queue not empty after successful drain: %d left", stats.Total)
	}
}

// TestOfflineShortCircuit tests that draining while offline touches nothing.
func TestOfflineShortCircuit(t *testing.T) {
	m, _ := newTestManager(t, false)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, models.OpCreateMemory, nil, 0); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	exec := &countingExecutor{}
	result, err := m.ProcessQueue(ctx, exec.exec)
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if result.Processed != 0 || result.Failed != 0 {
		t.Errorf("offline result = %+v, want zero", result)
	}
	if exec.callCount() != 0 {
		t.Errorf("executor invoked %d times while offline, want 0", exec.callCount())
	}

	stats, err := m.GetQueueStats(ctx)
	if err != nil {
		t.Fatalf("GetQueueStats() failed: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("operation lost during offline drain: total = %d, want 1", stats.Total)
	}
}

// TestBoundedRetries tests that a persistently failing operation is
// attempted exactly maxRetries times and then discarded.
func TestBoundedRetries(t *testing.T) {
	m, _ := newTestManager(t, true)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, models.OpUpdateMemory, json.RawMessage(`{}`), 2)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	exec := &countingExecutor{fn: func(*models.QueuedOperation) (bool, error) {
		return false, errors.New("remote unavailable")
	}}

	// First pass: one failed attempt, still under budget, stays queued.
	result, err := m.ProcessQueue(ctx, exec.exec)
	if err != nil {
		t.Fatalf("first ProcessQueue() failed: %v", err)
	}
	if result.Processed != 0 || result.Failed != 0 {
		t.Errorf("first pass result = %+v, want zero (retry pending)", result)
	}
	if !m.Has(id) {
		t.Fatal("operation discarded before its retry budget was exhausted")
	}

	// Second pass exhausts the budget and discards.
	result, err = m.ProcessQueue(ctx, exec.exec)
	if err != nil {
		t.Fatalf("second ProcessQueue() failed: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("second pass result = %+v, want failed=1", result)
	}
	if m.Has(id) {
		t.Error("operation still queued after exhausted retries")
	}
	if exec.callCount() != 2 {
		t.Errorf("executor invoked %d times, want exactly 2 (maxRetries)", exec.callCount())
	}

	// A third pass must not resurrect it.
	if _, err := m.ProcessQueue(ctx, exec.exec); err != nil {
		t.Fatalf("third ProcessQueue() failed: %v", err)
	}
	if exec.callCount() != 2 {
		t.Errorf("discarded operation re-attempted: %d calls", exec.callCount())
	}
}

// TestExecutorFalseWithoutError tests that a false return counts as a
// failed attempt even with a nil error.
func TestExecutorFalseWithoutError(t *testing.T) {
	m, _ := newTestManager(t, true)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, models.OpDeleteMemory, nil, 1)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	exec := &countingExecutor{fn: func(*models.QueuedOperation) (bool, error) {
		return false, nil
	}}
	result, err := m.ProcessQueue(ctx, exec.exec)
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("result = %+v, want failed=1 (budget of 1)", result)
	}
	if m.Has(id) {
		t.Error("operation still queued after single-attempt budget")
	}
}

// TestEnqueueDefaults tests nil-payload and default-retry normalization.
func TestEnqueueDefaults(t *testing.T) {
	m, _ := newTestManager(t, true)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, models.OpCreateMemory, nil, 0); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	exec := &countingExecutor{fn: func(op *models.QueuedOperation) (bool, error) {
		if string(op.Payload) != "{}" {
			t.Errorf("nil payload delivered as %q, want {}", op.Payload)
		}
		if op.MaxRetries != DefaultMaxRetries {
			t.Errorf("MaxRetries = %d, want default %d", op.MaxRetries, DefaultMaxRetries)
		}
		return true, nil
	}}
	if _, err := m.ProcessQueue(ctx, exec.exec); err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if exec.callCount() != 1 {
		t.Fatalf("executor invoked %d times, want 1", exec.callCount())
	}
}

// TestGetQueueStats tests the total and per-type breakdown.
func TestGetQueueStats(t *testing.T) {
	m, _ := newTestManager(t, true)
	ctx := context.Background()

	for _, opType := range []models.OperationType{
		models.OpCreateMemory, models.OpCreateMemory, models.OpUpdateProfile,
	} {
		if _, err := m.Enqueue(ctx, opType, nil, 0); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	stats, err := m.GetQueueStats(ctx)
	if err != nil {
		t.Fatalf("GetQueueStats() failed: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.ByType[models.OpCreateMemory] != 2 {
		t.Errorf("create-memory = %d, want 2", stats.ByType[models.OpCreateMemory])
	}
	if stats.ByType[models.OpUpdateProfile] != 1 {
		t.Errorf("update-profile = %d, want 1", stats.ByType[models.OpUpdateProfile])
	}
}

// TestAutoSyncDrainsOnReconnect tests the online-transition drain with
// its settle delay and completion notification.
func TestAutoSyncDrainsOnReconnect(t *testing.T) {
	m, monitor := newTestManager(t, false)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, models.OpCreateMemory, json.RawMessage(`{"body":"queued offline"}`), 0); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	exec := &countingExecutor{}
	results := make(chan Result, 1)
	cleanup := m.SetupAutoSync(exec.exec, func(r Result) { results <- r })
	defer cleanup()

	monitor.SetOnline(true)

	select {
	case result := <-results:
		if result.Processed != 1 || result.Failed != 0 {
			t.Errorf("auto-sync result = %+v, want processed=1 failed=0", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("auto-sync drain never completed")
	}

	stats, err := m.GetQueueStats(ctx)
	if err != nil {
		t.Fatalf("GetQueueStats() failed: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("queue not drained after reconnect: %d left", stats.Total)
	}
}

// TestAutoSyncIgnoresOffline tests that going offline never triggers a drain.
func TestAutoSyncIgnoresOffline(t *testing.T) {
	m, monitor := newTestManager(t, true)

	exec := &countingExecutor{}
	cleanup := m.SetupAutoSync(exec.exec, nil)
	defer cleanup()

	monitor.SetOnline(false)
	time.Sleep(20 * time.Millisecond)

	if exec.callCount() != 0 {
		t.Errorf("executor invoked %d times on offline transition, want 0", exec.callCount())
	}
}

// TestAutoSyncCleanup tests that the cleanup function detaches the listener.
func TestAutoSyncCleanup(t *testing.T) {
	m, monitor := newTestManager(t, false)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, models.OpCreateMemory, nil, 0); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	exec := &countingExecutor{}
	cleanup := m.SetupAutoSync(exec.exec, nil)
	cleanup()

	monitor.SetOnline(true)
	time.Sleep(50 * time.Millisecond)

	if exec.callCount() != 0 {
		t.Errorf("executor invoked %d times after cleanup, want 0", exec.callCount())
	}
}

// TestHasRejectsMalformedID tests the id guard on the diagnostic lookup.
func TestHasRejectsMalformedID(t *testing.T) {
	m, _ := newTestManager(t, true)

	if m.Has("not-a-uuid") {
		t.Error("Has() = true for a malformed id")
	}
	if m.Has("") {
		t.Error("Has() = true for an empty id")
	}
}

// TestClosedStoreErrorCodes tests that store failures surface with the
// queue's error codes.
func TestClosedStoreErrorCodes(t *testing.T) {
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	migrator := db.NewMigrator(conn.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	repo := db.NewRepository(conn.DB)
	conn.Close()

	m := NewManager(repo, connectivity.NewMonitor(true), fastConfig())
	ctx := context.Background()

	_, err = m.Enqueue(ctx, models.OpCreateMemory, nil, 0)
	if !apperrors.Is(err, apperrors.ErrQueueEnqueue) {
		t.Errorf("Enqueue() err = %v, want code %s", err, apperrors.ErrQueueEnqueue)
	}

	exec := &countingExecutor{}
	_, err = m.ProcessQueue(ctx, exec.exec)
	if !apperrors.Is(err, apperrors.ErrQueueDrain) {
		t.Errorf("ProcessQueue() err = %v, want code %s", err, apperrors.ErrQueueDrain)
	}
}

// TestProcessQueueContextCancel tests that a cancelled context stops the pass.
func TestProcessQueueContextCancel(t *testing.T) {
	m, _ := newTestManager(t, true)

	if _, err := m.Enqueue(context.Background(), models.OpCreateMemory, nil, 0); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := &countingExecutor{}
	_, err := m.ProcessQueue(ctx, exec.exec)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ProcessQueue() err = %v, want context.Canceled", err)
	}
	if exec.callCount() != 0 {
		t.Errorf("executor invoked %d times under cancelled context, want 0", exec.callCount())
	}
}
