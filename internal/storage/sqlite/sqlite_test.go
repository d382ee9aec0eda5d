package sqlite

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	offline "github.com/eugener/stowaway/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newResponse(status int, typ offline.ResponseType, body string) *offline.Response {
	return offline.NewResponse(status, http.Header{"Content-Type": {"text/html"}}, typ, "",
		io.NopCloser(strings.NewReader(body)))
}

func TestCacheRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.Open(ctx, "pwa-v1")
	if err != nil {
		t.Fatal("open:", err)
	}
	if c.Name() != "pwa-v1" {
		t.Errorf("name = %q, want pwa-v1", c.Name())
	}

	req := &offline.Request{URL: "https://app.test/index.html"}
	if err := c.Put(ctx, req, newResponse(200, offline.TypeBasic, "<html>")); err != nil {
		t.Fatal("put:", err)
	}

	rec, err := c.Match(ctx, req)
	if err != nil {
		t.Fatal("match:", err)
	}
	if rec.StatusCode != 200 || string(rec.Body) != "<html>" {
		t.Errorf("record = %d %q, want 200 <html>", rec.StatusCode, rec.Body)
	}
	if diff := cmp.Diff(http.Header{"Content-Type": {"text/html"}}, rec.Header); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}

	// Overwrite: last writer wins.
	if err := c.Put(ctx, req, newResponse(200, offline.TypeBasic, "<html>v2")); err != nil {
		t.Fatal("put again:", err)
	}
	rec, _ = c.Match(ctx, req)
	if string(rec.Body) != "<html>v2" {
		t.Errorf("body after overwrite = %q", rec.Body)
	}

	keys, err := c.Keys(ctx)
	if err != nil {
		t.Fatal("keys:", err)
	}
	if diff := cmp.Diff([]string{"GET https://app.test/index.html"}, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}

	ok, err := c.Delete(ctx, req)
	if err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	if _, err := c.Match(ctx, req); !errors.Is(err, offline.ErrNotFound) {
		t.Errorf("match after delete: err = %v, want ErrNotFound", err)
	}
}

func TestOpaqueRecordSurvives(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	c, _ := s.Open(ctx, "pwa-v1")
	req := &offline.Request{URL: "https://cdn.test/lib.js", Mode: offline.ModeNoCORS}
	if err := c.Put(ctx, req, newResponse(0, offline.TypeOpaque, "js")); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Match(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Type != offline.TypeOpaque {
		t.Errorf("type = %q, want opaque", rec.Type)
	}
}

func TestPutAllAtomic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	c, _ := s.Open(ctx, "pwa-v1")
	recs := []*offline.Record{
		{Key: "GET https://app.test/", Method: "GET", URL: "https://app.test/", StatusCode: 200, Type: offline.TypeBasic, Body: []byte("a")},
		{Key: "GET https://app.test/index.html", Method: "GET", URL: "https://app.test/index.html", StatusCode: 200, Type: offline.TypeBasic, Body: []byte("b")},
	}
	if err := c.PutAll(ctx, recs); err != nil {
		t.Fatal(err)
	}
	keys, _ := c.Keys(ctx)
	if len(keys) != 2 {
		t.Errorf("keys = %v, want 2 entries", keys)
	}

	// Deleted store rejects the batch; nothing is written.
	if _, err := s.Delete(ctx, "pwa-v1"); err != nil {
		t.Fatal(err)
	}
	if err := c.PutAll(ctx, recs); !errors.Is(err, offline.ErrStoreDeleted) {
		t.Errorf("PutAll into deleted store = %v, want ErrStoreDeleted", err)
	}
	req := &offline.Request{URL: "https://app.test/late.js"}
	if err := c.Put(ctx, req, newResponse(200, offline.TypeBasic, "late")); !errors.Is(err, offline.ErrStoreDeleted) {
		t.Errorf("Put into deleted store = %v, want ErrStoreDeleted", err)
	}
}

func TestStoresLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"v1", "v2", "v1"} {
		if _, err := s.Open(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	names, err := s.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"v1", "v2"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}

	c, _ := s.Open(ctx, "v1")
	req := &offline.Request{URL: "https://app.test/"}
	if err := c.Put(ctx, req, newResponse(200, offline.TypeBasic, "x")); err != nil {
		t.Fatal(err)
	}

	ok, err := s.Delete(ctx, "v1")
	if err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	ok, _ = s.Delete(ctx, "v1")
	if ok {
		t.Error("second delete should report false")
	}
	if has, _ := s.Has(ctx, "v1"); has {
		t.Error("v1 should not exist")
	}
	// Entries cascade with their store.
	if _, err := s.Match(ctx, req); !errors.Is(err, offline.ErrNotFound) {
		t.Errorf("match after store delete: err = %v, want ErrNotFound", err)
	}
}

func TestMatchIgnoresNonGET(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	c, _ := s.Open(ctx, "v1")
	get := &offline.Request{URL: "https://app.test/api"}
	if err := c.Put(ctx, get, newResponse(200, offline.TypeBasic, "x")); err != nil {
		t.Fatal(err)
	}
	post := &offline.Request{Method: "POST", URL: "https://app.test/api"}
	if _, err := s.Match(ctx, post); !errors.Is(err, offline.ErrNotFound) {
		t.Errorf("POST match: err = %v, want ErrNotFound", err)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNewInMemory(t *testing.T) {
	t.Parallel()
	s, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	if s.reader != s.writer {
		t.Error("in-memory store should share one pool")
	}
	c, err := s.Open(ctx, "pwa-v1")
	if err != nil {
		t.Fatal(err)
	}
	req := &offline.Request{URL: "https://app.test/"}
	if err := c.Put(ctx, req, newResponse(200, offline.TypeBasic, "<html>")); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Match(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Body) != "<html>" {
		t.Errorf("body = %q", rec.Body)
	}
}
