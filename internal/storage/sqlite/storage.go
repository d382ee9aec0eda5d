package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	offline "github.com/eugener/stowaway/internal"
)

// Open returns the named store, inserting it on first use.
func (s *Store) Open(ctx context.Context, name string) (offline.Cache, error) {
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO caches (name, created_at) VALUES (?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	var id int64
	if err := s.writer.QueryRowContext(ctx,
		`SELECT id FROM caches WHERE name = ?`, name,
	).Scan(&id); err != nil {
		return nil, notFoundErr(err)
	}
	return &cache{store: s, id: id, name: name}, nil
}

// Has reports whether the named store exists.
func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM caches WHERE name = ?`, name,
	).Scan(&n)
	return n > 0, err
}

// Keys lists store names in creation order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT name FROM caches ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes the named store; its entries cascade.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	result, err := s.writer.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Match looks the request up across all stores, oldest store first.
func (s *Store) Match(ctx context.Context, req *offline.Request) (*offline.Record, error) {
	if !req.Matchable() {
		return nil, offline.ErrNotFound
	}
	row := s.reader.QueryRowContext(ctx,
		`SELECT e.req_key, e.method, e.url, e.status, e.type, e.header, e.body, e.stored_at
		 FROM entries e JOIN caches c ON c.id = e.cache_id
		 WHERE e.req_key = ? ORDER BY c.id LIMIT 1`, req.Key(),
	)
	return scanRecord(row)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to offline.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return offline.ErrNotFound
	}
	return err
}
