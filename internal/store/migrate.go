// Package store provides database schema migration management.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/edunexus/offsync/internal/errors"
)

// Migration represents an applied database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migration is a statically declared schema step. Migrations are declared in
// code rather than read from a directory so that schema setup is
// deterministic at startup, independent of any storage engine upgrade
// callback mechanism.
type migration struct {
	version     int
	description string
	sql         string
}

// migrations is the ordered, append-only schema history. The sync_conflicts
// table is declared here statically, never created lazily on first conflict.
var migrations = []migration{
	{
		version:     1,
		description: "initial_schema",
		sql: `
CREATE TABLE IF NOT EXISTS local_records (
	entity TEXT NOT NULL CHECK(length(entity) > 0),
	id TEXT NOT NULL CHECK(length(id) > 0),
	server_id TEXT,
	payload TEXT NOT NULL,
	sync_status TEXT NOT NULL CHECK(sync_status IN ('pending','synced','conflict','error')),
	local_updated_at INTEGER NOT NULL CHECK(local_updated_at > 0),
	version INTEGER NOT NULL CHECK(version > 0),
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (entity, id)
);

CREATE INDEX IF NOT EXISTS idx_local_records_status ON local_records(entity, sync_status);

CREATE TABLE IF NOT EXISTS sync_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation TEXT NOT NULL CHECK(operation IN ('CREATE','UPDATE','DELETE')),
	entity TEXT NOT NULL CHECK(length(entity) > 0),
	entity_id TEXT NOT NULL CHECK(length(entity_id) > 0),
	payload TEXT NOT NULL,
	base_version INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL CHECK(created_at > 0),
	attempts INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK(status IN ('pending','in_flight','done','error')),
	last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_id, id);
CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, next_retry_at);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	id TEXT PRIMARY KEY,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	local_version INTEGER NOT NULL,
	server_version INTEGER NOT NULL,
	local_payload TEXT NOT NULL,
	server_payload TEXT NOT NULL,
	resolution TEXT NOT NULL,
	detected_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_conflicts_entity ON sync_conflicts(entity, entity_id);
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
	if _, err := m.db.Exec(query); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to create schema_migrations table", err)
	}
	return nil
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

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations. Already-applied versions are verified
// against their recorded checksum; a mismatch means the declared schema
// history was edited after the fact and the store refuses to proceed.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to get applied migrations", err)
	}
	appliedByVersion := make(map[int]Migration)
	for _, mig := range applied {
		appliedByVersion[mig.Version] = mig
	}

	for _, mig := range migrations {
		if prior, ok := appliedByVersion[mig.version]; ok {
			if prior.Checksum != checksum(mig.sql) {
				return errors.New(errors.ErrMigration,
					fmt.Sprintf("checksum mismatch for applied migration V%d (%s)", mig.version, mig.description))
			}
			continue
		}
		if err := m.applyMigration(mig); err != nil {
			return errors.Wrap(errors.ErrMigration, fmt.Sprintf("failed to apply migration V%d", mig.version), err)
		}
	}

	return nil
}

// applyMigration applies a single migration inside a transaction.
func (m *Migrator) applyMigration(mig migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, mig.version, time.Now().Unix(), mig.description, checksum(mig.sql)); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// checksum returns the hex SHA-256 of migration SQL.
func checksum(sql string) string {
	hash := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(hash[:])
}
