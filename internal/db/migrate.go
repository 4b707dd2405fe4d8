// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migrationStep is a single schema change compiled into the binary.
// Steps must be appended in version order and never edited once shipped;
// the checksum check rejects a store whose recorded history diverges.
type migrationStep struct {
	Version     int
	Description string
	SQL         string
}

var migrationSteps = []migrationStep{
	{
		Version:     1,
		Description: "memories, sync_queue and media_cache tables",
		SQL: `
CREATE TABLE memories (
	id TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL,
	author_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	media_url TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX idx_memories_connection ON memories(connection_id, created_at);

CREATE TABLE sync_queue (
	id TEXT PRIMARY KEY,
	op_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX idx_sync_queue_created ON sync_queue(created_at);

CREATE TABLE media_cache (
	url TEXT PRIMARY KEY,
	blob_hash TEXT NOT NULL,
	thumb_hash TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL,
	size INTEGER NOT NULL,
	cached_at INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX idx_media_cache_lru ON media_cache(last_accessed_at);
CREATE INDEX idx_media_cache_expiry ON media_cache(expires_at);
`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mg Migration
		var appliedAt int64
		err := rows.Scan(&mg.Version, &appliedAt, &mg.Description, &mg.Checksum)
		if err != nil {
			return nil, err
		}
		mg.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mg)
	}
	return migrations, rows.Err()
}

// Up applies all pending migrations in version order.
func (m *Migrator) Up() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read current version: %w", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return err
	}
	appliedByVersion := make(map[int]Migration, len(applied))
	for _, mg := range applied {
		appliedByVersion[mg.Version] = mg
	}

	for _, step := range migrationSteps {
		checksum := stepChecksum(step.SQL)

		if prev, ok := appliedByVersion[step.Version]; ok {
			if prev.Checksum != checksum {
				return fmt.Errorf("migration %d checksum mismatch: applied %s, compiled %s",
					step.Version, prev.Checksum, checksum)
			}
			continue
		}
		if step.Version <= current {
			continue
		}

		if err := m.apply(step, checksum); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", step.Version, step.Description, err)
		}
	}

	return nil
}

// apply runs a single migration step inside a transaction.
func (m *Migrator) apply(step migrationStep, checksum string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(step.SQL); err != nil {
		return err
	}

	_, err = tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		step.Version, time.Now().Unix(), step.Description, checksum,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// stepChecksum returns the SHA-256 hex digest of a migration's SQL.
func stepChecksum(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}
