// Package db provides the tweetkb state store.
//
// A single relational database holds every durable record: one row per
// ingested item, task and queue rows for the worker pool, the agent
// singleton, per-phase timing stats, and the downstream kb_items table
// written by the db-sync phase. SQLite is the default; a postgres://
// DATABASE_URL switches dialects.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/randalmurphal/tweetkb/internal/db/driver"
)

//go:embed schema/*.sql schema/postgres/*.sql
var schemaFS embed.FS

// embedFSAdapter wraps embed.FS to implement driver.SchemaFS.
type embedFSAdapter struct {
	fs embed.FS
}

func (e *embedFSAdapter) ReadDir(name string) ([]driver.DirEntry, error) {
	entries, err := e.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	result := make([]driver.DirEntry, len(entries))
	for i, entry := range entries {
		result[i] = dirEntryAdapter{entry}
	}
	return result, nil
}

func (e *embedFSAdapter) ReadFile(name string) ([]byte, error) {
	return e.fs.ReadFile(name)
}

type dirEntryAdapter struct {
	fs.DirEntry
}

func (d dirEntryAdapter) Name() string {
	return d.DirEntry.Name()
}

func (d dirEntryAdapter) IsDir() bool {
	return d.DirEntry.IsDir()
}

// Store wraps a database connection with driver abstraction.
type Store struct {
	driver driver.Driver
	dsn    string
}

// Open opens the state store at the given DATABASE_URL.
// A postgres:// URL selects the PostgreSQL dialect; anything else is
// treated as a SQLite file path (parent directory created if needed).
func Open(databaseURL string) (*Store, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return openWithDialect(databaseURL, driver.DialectPostgres)
	}
	return openWithDialect(databaseURL, driver.DialectSQLite)
}

// OpenInMemory opens an in-memory SQLite store, ideal for tests.
// Each call creates a new isolated database.
func OpenInMemory() (*Store, error) {
	drv, err := driver.New(driver.DialectSQLite)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(":memory:"); err != nil {
		return nil, err
	}
	s := &Store{driver: drv, dsn: ":memory:"}
	if err := s.Migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func openWithDialect(dsn string, dialect driver.Dialect) (*Store, error) {
	if dialect == driver.DialectSQLite {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}
	return &Store{driver: drv, dsn: dsn}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.driver.Close()
}

// DSN returns the database DSN/path.
func (s *Store) DSN() string {
	return s.dsn
}

// Dialect returns the database dialect.
func (s *Store) Dialect() driver.Dialect {
	return s.driver.Dialect()
}

// DB returns the underlying sql.DB for advanced operations.
func (s *Store) DB() *sql.DB {
	return s.driver.DB()
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate() error {
	return s.driver.Migrate(context.Background(), &embedFSAdapter{fs: schemaFS})
}

// Exec executes a query without returning rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.driver.Exec(ctx, query, args...)
}

// Query executes a query that returns rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.driver.Query(ctx, query, args...)
}

// QueryRow executes a query that returns at most one row.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.driver.QueryRow(ctx, query, args...)
}

// BeginTx starts a transaction.
func (s *Store) BeginTx(ctx context.Context) (driver.Tx, error) {
	return s.driver.BeginTx(ctx, nil)
}
