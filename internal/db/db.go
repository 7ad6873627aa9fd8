// Package db provides the durable local store: entity tables, the sync
// operation queue and persisted conflicts, on embedded SQLite.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kimhsiao/statsync/internal/db/migrations"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "statsync.db"

// DB wraps the sql.DB with statsync-specific configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the SQLite database in dataDir and
// applies pending migrations. The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A single connection, since SQLite doesn't support multiple writers
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, FileName))
}

// OpenPath opens the database at an explicit file path.
func OpenPath(dbPath string) (*DB, error) {
	// modernc.org/sqlite is pure Go, no CGO
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", p, err)
		}
	}

	// JSON1 backs equality filters on payload fields.
	var got string
	if err := sqlDB.QueryRow(`SELECT json_extract('{"a":"b"}', '$.a')`).Scan(&got); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("JSON1 is not available in this SQLite build: %w", err)
	}

	if err := NewMigrator(sqlDB, migrations.FS).Up(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DB{DB: sqlDB, path: dbPath}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
