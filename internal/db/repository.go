// Package db provides CRUD repository operations for Keepsake data models.
package db

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/keepsakehq/keepsake/core/internal/models"
)

// Repository provides CRUD operations for all models.
// Statements are prepared on first use and cached for reuse.
type Repository struct {
	db *sql.DB

	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Memory Operations
// =====================================================

// UpsertMemory inserts or replaces a memory by id.
func (r *Repository) UpsertMemory(mem *models.Memory) error {
	query := `
	INSERT INTO memories (id, connection_id, author_id, kind, body, media_url, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		connection_id = excluded.connection_id,
		author_id = excluded.author_id,
		kind = excluded.kind,
		body = excluded.body,
		media_url = excluded.media_url,
		updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, mem.ID, mem.ConnectionID, mem.AuthorID, mem.Kind,
		mem.Body, mem.MediaURL, mem.CreatedAt, mem.UpdatedAt)
	return err
}

// GetMemory retrieves a memory by ID.
func (r *Repository) GetMemory(id string) (*models.Memory, error) {
	query := `
	SELECT id, connection_id, author_id, kind, body, media_url, created_at, updated_at
	FROM memories WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var mem models.Memory
	err = stmt.QueryRow(id).Scan(
		&mem.ID, &mem.ConnectionID, &mem.AuthorID, &mem.Kind,
		&mem.Body, &mem.MediaURL, &mem.CreatedAt, &mem.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &mem, nil
}

// ListMemoriesByConnection returns all memories of one connection,
// oldest first.
func (r *Repository) ListMemoriesByConnection(connectionID string) ([]*models.Memory, error) {
	query := `
	SELECT id, connection_id, author_id, kind, body, media_url, created_at, updated_at
	FROM memories WHERE connection_id = ? ORDER BY created_at, id
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []*models.Memory
	for rows.Next() {
		var mem models.Memory
		err := rows.Scan(&mem.ID, &mem.ConnectionID, &mem.AuthorID, &mem.Kind,
			&mem.Body, &mem.MediaURL, &mem.CreatedAt, &mem.UpdatedAt)
		if err != nil {
			return nil, err
		}
		memories = append(memories, &mem)
	}
	return memories, rows.Err()
}

// DeleteMemory removes a memory by ID.
func (r *Repository) DeleteMemory(id string) error {
	_, err := r.db.Exec("DELETE FROM memories WHERE id = ?", id)
	return err
}

// =====================================================
// Sync Queue Operations
// =====================================================

// CreateQueuedOperation persists a new queued operation.
func (r *Repository) CreateQueuedOperation(op *models.QueuedOperation) error {
	query := `
	INSERT INTO sync_queue (id, op_type, payload, retry_count, max_retries, last_error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, op.ID, op.Type, string(op.Payload),
		op.RetryCount, op.MaxRetries, op.LastError, op.CreatedAt)
	return err
}

// ListQueuedOperations returns all queued operations in FIFO order.
// The implicit rowid breaks created_at ties from rapid enqueues.
func (r *Repository) ListQueuedOperations() ([]*models.QueuedOperation, error) {
	query := `
	SELECT id, op_type, payload, retry_count, max_retries, last_error, created_at
	FROM sync_queue ORDER BY created_at, rowid
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.QueuedOperation
	for rows.Next() {
		var op models.QueuedOperation
		var payload string
		err := rows.Scan(&op.ID, &op.Type, &payload, &op.RetryCount,
			&op.MaxRetries, &op.LastError, &op.CreatedAt)
		if err != nil {
			return nil, err
		}
		op.Payload = []byte(payload)
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// UpdateQueuedOperationRetry records a failed attempt against an operation.
func (r *Repository) UpdateQueuedOperationRetry(id string, retryCount int, lastError string) error {
	_, err := r.db.Exec(
		"UPDATE sync_queue SET retry_count = ?, last_error = ? WHERE id = ?",
		retryCount, lastError, id,
	)
	return err
}

// DeleteQueuedOperation removes an operation by ID.
func (r *Repository) DeleteQueuedOperation(id string) error {
	_, err := r.db.Exec("DELETE FROM sync_queue WHERE id = ?", id)
	return err
}

// CountQueuedOperations returns the number of queued operations.
func (r *Repository) CountQueuedOperations() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM sync_queue").Scan(&count)
	return count, err
}

// QueuedOperationsByType returns the per-type breakdown of the queue.
func (r *Repository) QueuedOperationsByType() (map[models.OperationType]int, error) {
	rows, err := r.db.Query("SELECT op_type, COUNT(*) FROM sync_queue GROUP BY op_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byType := make(map[models.OperationType]int)
	for rows.Next() {
		var opType models.OperationType
		var count int
		if err := rows.Scan(&opType, &count); err != nil {
			return nil, err
		}
		byType[opType] = count
	}
	return byType, rows.Err()
}

// =====================================================
// Media Cache Operations
// =====================================================

// InsertCachedMedia inserts or replaces a media cache entry by url.
func (r *Repository) InsertCachedMedia(entry *models.CachedMedia) error {
	query := `
	INSERT INTO media_cache (url, blob_hash, thumb_hash, mime_type, size, cached_at, last_accessed_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(url) DO UPDATE SET
		blob_hash = excluded.blob_hash,
		thumb_hash = excluded.thumb_hash,
		mime_type = excluded.mime_type,
		size = excluded.size,
		cached_at = excluded.cached_at,
		last_accessed_at = excluded.last_accessed_at,
		expires_at = excluded.expires_at
	`
	_, err := r.db.Exec(query, entry.URL, entry.BlobHash, entry.ThumbHash,
		entry.MimeType, entry.Size, entry.CachedAt, entry.LastAccessedAt, entry.ExpiresAt)
	return err
}

// GetCachedMedia retrieves a media cache entry by url.
func (r *Repository) GetCachedMedia(url string) (*models.CachedMedia, error) {
	query := `
	SELECT url, blob_hash, thumb_hash, mime_type, size, cached_at, last_accessed_at, expires_at
	FROM media_cache WHERE url = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var entry models.CachedMedia
	err = stmt.QueryRow(url).Scan(
		&entry.URL, &entry.BlobHash, &entry.ThumbHash, &entry.MimeType,
		&entry.Size, &entry.CachedAt, &entry.LastAccessedAt, &entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// TouchCachedMedia refreshes the LRU timestamp of an entry.
func (r *Repository) TouchCachedMedia(url string, accessedAt int64) error {
	_, err := r.db.Exec("UPDATE media_cache SET last_accessed_at = ? WHERE url = ?", accessedAt, url)
	return err
}

// DeleteCachedMedia removes a media cache entry by url.
func (r *Repository) DeleteCachedMedia(url string) error {
	_, err := r.db.Exec("DELETE FROM media_cache WHERE url = ?", url)
	return err
}

// ListCachedMediaLRU returns all entries ordered by last_accessed_at
// ascending, i.e. eviction order.
func (r *Repository) ListCachedMediaLRU() ([]*models.CachedMedia, error) {
	return r.listCachedMedia("SELECT url, blob_hash, thumb_hash, mime_type, size, cached_at, last_accessed_at, expires_at FROM media_cache ORDER BY last_accessed_at, url")
}

// ListExpiredCachedMedia returns all entries whose TTL has elapsed.
func (r *Repository) ListExpiredCachedMedia(nowMillis int64) ([]*models.CachedMedia, error) {
	query := `
	SELECT url, blob_hash, thumb_hash, mime_type, size, cached_at, last_accessed_at, expires_at
	FROM media_cache WHERE expires_at < ? ORDER BY expires_at
	`
	rows, err := r.db.Query(query, nowMillis)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCachedMedia(rows)
}

func (r *Repository) listCachedMedia(query string) ([]*models.CachedMedia, error) {
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCachedMedia(rows)
}

func scanCachedMedia(rows *sql.Rows) ([]*models.CachedMedia, error) {
	var entries []*models.CachedMedia
	for rows.Next() {
		var entry models.CachedMedia
		err := rows.Scan(&entry.URL, &entry.BlobHash, &entry.ThumbHash, &entry.MimeType,
			&entry.Size, &entry.CachedAt, &entry.LastAccessedAt, &entry.ExpiresAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// CachedMediaTotals returns the total byte size and entry count of the cache.
func (r *Repository) CachedMediaTotals() (int64, int, error) {
	var size int64
	var count int
	err := r.db.QueryRow("SELECT COALESCE(SUM(size), 0), COUNT(*) FROM media_cache").Scan(&size, &count)
	return size, count, err
}

// CountBlobReferences counts cache entries referencing a blob hash.
// Blobs are content-addressed and may be shared by multiple urls; a blob
// file may only be removed from disk when this drops to zero.
func (r *Repository) CountBlobReferences(hash string) (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM media_cache WHERE blob_hash = ? OR thumb_hash = ?",
		hash, hash,
	).Scan(&count)
	return count, err
}
