// Package sqlite persists gateway snapshots in a single SQLite database:
// token records, the request-log ring with its bundle cache, and proxy
// declarations. The in-memory managers stay authoritative; every table is
// rewritten wholesale on each flush.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store implements storage.Store. Snapshot writes are serialized through a
// single-connection pool; reads get a small pool of their own so admin
// queries never queue behind a flush.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens (or creates) the database at dsn and applies migrations.
// ":memory:" is accepted for throwaway instances.
func New(dsn string) (*Store, error) {
	conn := connString(dsn)

	write, err := sql.Open("sqlite", conn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open writer: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", conn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("sqlite: open reader: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := migrate(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{write: write, read: read}, nil
}

// connString builds the driver DSN. WAL keeps readers live during the
// snapshot rewrite; NORMAL sync is acceptable for state that is re-flushed
// every minute anyway. A :memory: database needs shared cache so the two
// pools see the same data.
func connString(dsn string) string {
	const opts = "_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
	if dsn == ":memory:" {
		return "file::memory:?mode=memory&cache=shared&" + opts
	}
	return "file:" + dsn + "?" + opts
}

// migrate applies the embedded goose migrations on the writer connection.
func migrate(db *sql.DB) error {
	// Strip the directory prefix so goose sees the .sql files at its root.
	fsys, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close releases both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
