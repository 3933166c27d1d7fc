// Package sqlite implements every store.* repository over modernc.org/sqlite
// (pure Go, no cgo — spec §1's "local gateway" deployment calls for a
// single binary and data directory, not a hosted Postgres process the way
// the teacher's own internal/store/pg package assumes). Migrations run via
// golang-migrate against the same *sql.DB, per SPEC_FULL.md §11.3.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/mcp-router/gateway/internal/store/migrations"
)

// Open opens (creating if absent) the router's SQLite database under
// dataDir/router.db with mode 0600, applies pending migrations, and returns
// the shared *sql.DB every store implementation is constructed over.
// Matches spec §6: "the config file and database with 0600".
func Open(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "router.db")

	// Touch the file first so we can enforce 0600 before any writer opens it.
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		f, err := os.OpenFile(dbPath, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create db file: %w", err)
		}
		_ = f.Close()
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single-writer discipline (spec §5): one physical connection avoids
	// SQLITE_BUSY churn across goroutines; with it every statement, reads
	// included, runs one at a time.
	db.SetMaxOpenConns(1)

	if err := migrate_(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrate_(db *sql.DB) error {
	srcDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
