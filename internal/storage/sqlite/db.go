// Package sqlite persists stores and their entries in SQLite via
// modernc.org/sqlite. All writes share one connection so SQLite never sees
// concurrent writers; reads use a separate pool.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// pragmas enable WAL, wait on locks, and enforce the entries -> caches
// foreign key so deleting a store cascades to its entries.
const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

// Store implements storage.Store using SQLite.
type Store struct {
	writer *sql.DB
	reader *sql.DB
}

// New opens the database at dsn (a file path or ":memory:"), applies
// pending migrations and returns a Store. An in-memory database uses one
// connection for reads and writes.
func New(dsn string) (*Store, error) {
	source := dataSource(dsn)

	writer, err := openPool(source, 1)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	s := &Store{writer: writer, reader: writer}
	if dsn != ":memory:" {
		s.reader, err = openPool(source, max(4, runtime.NumCPU()))
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("open reader: %w", err)
		}
	}

	if err := migrate(context.Background(), writer); err != nil {
		return nil, errors.Join(fmt.Errorf("migrate: %w", err), s.Close())
	}
	return s, nil
}

// dataSource builds the driver DSN.
func dataSource(dsn string) string {
	if dsn == ":memory:" {
		return "file::memory:?mode=memory&" + pragmas
	}
	return "file:" + dsn + "?" + pragmas
}

func openPool(source string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", source)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	return db, nil
}

// migrate applies the embedded goose migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		slog.LogAttrs(ctx, slog.LevelDebug, "applied migration",
			slog.Int64("version", r.Source.Version),
			slog.Duration("duration", r.Duration),
		)
	}
	return nil
}

// Ping checks that the read pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.reader.PingContext(ctx)
}

// Close closes both pools.
func (s *Store) Close() error {
	if s.reader == s.writer {
		return s.writer.Close()
	}
	return errors.Join(s.writer.Close(), s.reader.Close())
}
