package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	offline "github.com/eugener/stowaway/internal"
)

// cache is a handle on one row of the caches table.
type cache struct {
	store *Store
	id    int64
	name  string
}

func (c *cache) Name() string { return c.name }

// Match returns the entry stored under req's key in this store.
func (c *cache) Match(ctx context.Context, req *offline.Request) (*offline.Record, error) {
	if !req.Matchable() {
		return nil, offline.ErrNotFound
	}
	row := c.store.reader.QueryRowContext(ctx,
		`SELECT req_key, method, url, status, type, header, body, stored_at
		 FROM entries WHERE cache_id = ? AND req_key = ?`, c.id, req.Key(),
	)
	return scanRecord(row)
}

// Put snapshots resp and upserts it; the last writer wins.
func (c *cache) Put(ctx context.Context, req *offline.Request, resp *offline.Response) error {
	rec, err := offline.NewRecord(req, resp)
	if err != nil {
		return err
	}
	return c.writeErr(c.upsert(ctx, c.store.writer, rec))
}

// PutAll upserts every record in one transaction.
func (c *cache) PutAll(ctx context.Context, recs []*offline.Record) error {
	tx, err := c.store.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if err := c.upsert(ctx, tx, rec); err != nil {
			return c.writeErr(err)
		}
	}
	return tx.Commit()
}

// writeErr reports a write whose store row is gone as ErrStoreDeleted.
func (c *cache) writeErr(err error) error {
	if isForeignKeyViolation(err) {
		return fmt.Errorf("cache %q: %w", c.name, offline.ErrStoreDeleted)
	}
	return err
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// Delete removes the entry stored under req's key.
func (c *cache) Delete(ctx context.Context, req *offline.Request) (bool, error) {
	result, err := c.store.writer.ExecContext(ctx,
		`DELETE FROM entries WHERE cache_id = ? AND req_key = ?`, c.id, req.Key(),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Keys lists the request keys held by the store.
func (c *cache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.store.reader.QueryContext(ctx,
		`SELECT req_key FROM entries WHERE cache_id = ? ORDER BY req_key`, c.id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (c *cache) upsert(ctx context.Context, db execer, rec *offline.Record) error {
	header, err := json.Marshal(rec.Header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	body := rec.Body
	if body == nil {
		body = []byte{}
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO entries (cache_id, req_key, method, url, status, type, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_id, req_key) DO UPDATE SET
		   method=excluded.method, url=excluded.url, status=excluded.status,
		   type=excluded.type, header=excluded.header, body=excluded.body,
		   stored_at=excluded.stored_at`,
		c.id, rec.Key, rec.Method, rec.URL, rec.StatusCode, string(rec.Type),
		string(header), body, rec.StoredAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func scanRecord(s scanner) (*offline.Record, error) {
	var rec offline.Record
	var typ, header, storedAt string
	err := s.Scan(&rec.Key, &rec.Method, &rec.URL, &rec.StatusCode, &typ, &header, &rec.Body, &storedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	rec.Type = offline.ResponseType(typ)
	rec.Header = make(http.Header)
	if err := json.Unmarshal([]byte(header), &rec.Header); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, storedAt); err == nil {
		rec.StoredAt = t
	}
	return &rec, nil
}
