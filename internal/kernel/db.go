// Package kernel provides the shared infrastructure every domain module is
// built on: the canonical SQLite store handle, transactions with post-commit
// hooks, and the injected clock.
//
// Modules never talk to each other directly; they share the store through
// this package and communicate through the event bus and task queue.
package kernel

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps the canonical store connection.
//
// SQLite is opened in WAL mode with a single writer connection, which gives
// us serialized per-row writes without explicit locking. Derived stores
// (indices, graph edges) live in the same database so a transaction can
// cover a resource row together with its projections.
type DB struct {
	sql   *sql.DB
	clock Clock
}

// Open opens (and creates if needed) the store at the given URL.
// Accepted forms: a bare filesystem path, "sqlite:///path/to/db", or
// ":memory:" for tests.
func Open(databaseURL string, clock Clock) (*DB, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	path, err := resolvePath(databaseURL)
	if err != nil {
		return nil, err
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; readers share the WAL snapshot.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	d := &DB{sql: db, clock: clock}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func resolvePath(databaseURL string) (string, error) {
	if databaseURL == "" {
		return "", fmt.Errorf("database url is required")
	}
	if databaseURL == ":memory:" {
		return ":memory:", nil
	}
	if strings.Contains(databaseURL, "://") {
		u, err := url.Parse(databaseURL)
		if err != nil {
			return "", fmt.Errorf("invalid database url: %w", err)
		}
		if u.Scheme != "sqlite" && u.Scheme != "file" {
			return "", fmt.Errorf("unsupported database scheme %q", u.Scheme)
		}
		return u.Path, nil
	}
	return databaseURL, nil
}

// Clock returns the injected clock.
func (d *DB) Clock() Clock { return d.clock }

// SQL exposes the raw handle for read-only queries outside a transaction.
func (d *DB) SQL() *sql.DB { return d.sql }

// QueryContext runs a read query outside a transaction.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row read query outside a transaction.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sql.QueryRowContext(ctx, query, args...)
}

// Close closes the store.
func (d *DB) Close() error {
	return d.sql.Close()
}
