// Package storage is the SQLite-backed durable store shared by the cache
// layer, the scheduler and the selector: WAL mode, busy_timeout, foreign
// keys on, plus a versioned migration runner.
package storage

import (
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store manages the SQLite database holding cached analyses, schedules and
// selector configuration.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at dsn and applies the
// schema and any pending migrations.
func Open(dsn string) (*Store, error) {
	if path, onDisk := sqliteFilePath(dsn); onDisk {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func sqliteFilePath(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" {
		return "", false
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", false
		}
		path := strings.TrimSpace(u.Path)
		if path == "" || path == ":memory:" {
			return "", false
		}
		return path, true
	}
	return dsn, true
}

// DB returns the underlying connection pool, for callers needing raw access
// (the scheduler's migration-aware queries, notably).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }
