// Package cache provides an in-memory CacheStorage backed by otter.
package cache

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/maypok86/otter/v2"

	offline "github.com/eugener/stowaway/internal"
)

// Memory is a set of named in-memory stores. Store names are kept in
// creation order.
//
// Records written by PutAll (the precache batch) are pinned and never
// evicted. Records written by Put live in a W-TinyLFU cache bounded by
// maxEntries per store.
type Memory struct {
	maxEntries int

	mu     sync.RWMutex
	names  []string
	stores map[string]*memoryCache
}

// NewMemory creates an empty storage whose stores hold at most maxEntries
// runtime records each, on top of their pinned records.
func NewMemory(maxEntries int) (*Memory, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("create memory storage: max entries must be positive, got %d", maxEntries)
	}
	return &Memory{
		maxEntries: maxEntries,
		stores:     make(map[string]*memoryCache),
	}, nil
}

// Open returns the named store, creating it on first use.
func (m *Memory) Open(_ context.Context, name string) (offline.Cache, error) {
	m.mu.RLock()
	c, ok := m.stores[name]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.stores[name]; ok {
		return c, nil
	}
	entries, err := otter.New[string, *offline.Record](&otter.Options[string, *offline.Record]{
		MaximumSize: m.maxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache %q: %w", name, err)
	}
	c = &memoryCache{name: name, pinned: make(map[string]*offline.Record), entries: entries}
	m.stores[name] = c
	m.names = append(m.names, name)
	return c, nil
}

// Has reports whether the named store exists.
func (m *Memory) Has(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	_, ok := m.stores[name]
	m.mu.RUnlock()
	return ok, nil
}

// Keys lists store names in creation order.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.names), nil
}

// Delete drops the named store and all its entries.
func (m *Memory) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	delete(m.stores, name)
	m.names = slices.DeleteFunc(m.names, func(n string) bool { return n == name })
	c.entries.InvalidateAll()
	return true, nil
}

// Match searches every store in creation order.
func (m *Memory) Match(ctx context.Context, req *offline.Request) (*offline.Record, error) {
	m.mu.RLock()
	stores := make([]*memoryCache, 0, len(m.names))
	for _, n := range m.names {
		stores = append(stores, m.stores[n])
	}
	m.mu.RUnlock()

	for _, c := range stores {
		rec, err := c.Match(ctx, req)
		if err == nil {
			return rec, nil
		}
	}
	return nil, offline.ErrNotFound
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close drops every store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.stores {
		c.drop()
	}
	clear(m.stores)
	m.names = nil
	return nil
}

// memoryCache is one named store.
type memoryCache struct {
	name    string
	entries *otter.Cache[string, *offline.Record]

	mu      sync.RWMutex
	pinned  map[string]*offline.Record
	deleted bool
}

func (c *memoryCache) Name() string { return c.name }

// drop empties the store and rejects later writes through this handle.
func (c *memoryCache) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = true
	clear(c.pinned)
	c.entries.InvalidateAll()
}

func (c *memoryCache) Match(_ context.Context, req *offline.Request) (*offline.Record, error) {
	if !req.Matchable() {
		return nil, offline.ErrNotFound
	}
	key := req.Key()
	c.mu.RLock()
	rec, ok := c.pinned[key]
	c.mu.RUnlock()
	if ok {
		return rec, nil
	}
	if rec, ok := c.entries.GetIfPresent(key); ok {
		return rec, nil
	}
	return nil, offline.ErrNotFound
}

// Put replaces a pinned record in place; any other record goes to the
// bounded cache.
func (c *memoryCache) Put(_ context.Context, req *offline.Request, resp *offline.Response) error {
	rec, err := offline.NewRecord(req, resp)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return fmt.Errorf("cache %q: %w", c.name, offline.ErrStoreDeleted)
	}
	if _, ok := c.pinned[rec.Key]; ok {
		c.pinned[rec.Key] = rec
		return nil
	}
	c.entries.Set(rec.Key, rec)
	return nil
}

// PutAll pins every record. Records are built before the call, so the
// batch is all or nothing.
func (c *memoryCache) PutAll(_ context.Context, recs []*offline.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return fmt.Errorf("cache %q: %w", c.name, offline.ErrStoreDeleted)
	}
	for _, rec := range recs {
		c.pinned[rec.Key] = rec
		c.entries.Invalidate(rec.Key)
	}
	return nil
}

func (c *memoryCache) Delete(_ context.Context, req *offline.Request) (bool, error) {
	key := req.Key()
	c.mu.Lock()
	_, pinned := c.pinned[key]
	delete(c.pinned, key)
	c.mu.Unlock()
	_, cached := c.entries.Invalidate(key)
	return pinned || cached, nil
}

func (c *memoryCache) Keys(_ context.Context) ([]string, error) {
	c.mu.RLock()
	keys := make([]string, 0, len(c.pinned))
	for k := range c.pinned {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	for k := range c.entries.All() {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}
