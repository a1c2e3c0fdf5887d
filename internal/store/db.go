package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Config holds database configuration.
type Config struct {
	Path          string
	RetentionDays int
}

// DB wraps a sql.DB with retention settings.
type DB struct {
	db            *sql.DB
	retentionDays int
}

// RawDB returns the underlying *sql.DB for components that need direct access.
func (d *DB) RawDB() *sql.DB {
	return d.db
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Open creates the directory, opens the SQLite database, sets WAL mode and
// pragmas, and ensures all tables exist.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is empty")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// In WAL mode SQLite supports concurrent readers with a single writer.
	// Allow multiple connections so reads don't block behind writes.
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	retDays := cfg.RetentionDays
	if retDays <= 0 {
		retDays = 90
	}

	d := &DB{db: sqlDB, retentionDays: retDays}

	// Run cleanup at startup so old data is purged even if the process never
	// lives long enough for the periodic maintenance job to fire.
	if err := d.Cleanup(); err != nil {
		fmt.Fprintf(os.Stderr, "store: startup cleanup failed (non-fatal): %v\n", err)
	}

	return d, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		// Exactly one live scheduling config row; history rows never replace it.
		`CREATE TABLE IF NOT EXISTS sched_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL,
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			updated_by TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sched_config_history (
			version INTEGER PRIMARY KEY,
			payload TEXT NOT NULL,
			archived_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			type TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			node_id TEXT,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, timestamp)`,

		`CREATE TABLE IF NOT EXISTS outstanding_commands (
			command_id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			target_resource_id TEXT NOT NULL,
			type TEXT NOT NULL,
			issued_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outstanding_node ON outstanding_commands(node_id)`,

		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS reviews (
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			reviewer_id TEXT NOT NULL,
			rating INTEGER NOT NULL,
			title TEXT NOT NULL,
			comment TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (resource_type, resource_id, reviewer_id)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Cleanup deletes events older than retentionDays. Config history, nodes,
// and reviews are kept indefinitely; outstanding commands are reaped by the
// command registry, not by retention.
func (d *DB) Cleanup() error {
	cutoff := time.Now().AddDate(0, 0, -d.retentionDays).UTC().Format(time.RFC3339)
	if _, err := d.db.Exec("DELETE FROM events WHERE timestamp < ?", cutoff); err != nil {
		return fmt.Errorf("cleanup events: %w", err)
	}
	return nil
}
