// Package memcache is the in-memory board cache, used in tests and
// single-node runs. It mirrors the redis-backed cache semantics: last-write-
// wins snapshots, ranked indices, and an id-deduplicated bounded event window.
package memcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/seancelabs/seance/pkg/board"
	"github.com/seancelabs/seance/pkg/store"
)

// DefaultEventWindow bounds how many events the in-memory feed retains.
const DefaultEventWindow = 1024

// Cache implements board.Cache in process memory.
type Cache struct {
	mu        sync.RWMutex
	snapshots map[string]board.Snapshot
	events    []store.EventRecord
	seen      map[int64]bool
	window    int
	retention time.Duration
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		snapshots: make(map[string]board.Snapshot),
		seen:      make(map[int64]bool),
		window:    DefaultEventWindow,
		retention: 72 * time.Hour,
	}
}

func (c *Cache) Ping(ctx context.Context) error { return ctx.Err() }

func (c *Cache) Empty(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots) == 0, nil
}

func (c *Cache) PutSnapshot(ctx context.Context, s board.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.snapshots[s.SessionID]; ok && prev.UpdatedAt.After(s.UpdatedAt) {
		// Stale write from a concurrent reconciler pass; keep the newer one.
		return nil
	}
	c.snapshots[s.SessionID] = s
	return nil
}

func (c *Cache) ListActive(ctx context.Context, limit int) ([]board.Snapshot, error) {
	return c.list(ctx, limit, func(s board.Snapshot) bool { return s.Status == store.StatusActive })
}

func (c *Cache) ListCompleted(ctx context.Context, limit int) ([]board.Snapshot, error) {
	return c.list(ctx, limit, func(s board.Snapshot) bool { return s.Status != store.StatusActive })
}

func (c *Cache) list(ctx context.Context, limit int, keep func(board.Snapshot) bool) ([]board.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []board.Snapshot
	for _, s := range c.snapshots {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Cache) PublishEvent(ctx context.Context, e store.EventRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[e.ID] {
		return nil
	}
	c.seen[e.ID] = true
	// Keep ascending id order even when a reconciler backfills behind a
	// live publish.
	i := sort.Search(len(c.events), func(i int) bool { return c.events[i].ID >= e.ID })
	c.events = append(c.events, store.EventRecord{})
	copy(c.events[i+1:], c.events[i:])
	c.events[i] = e
	c.trimLocked(time.Now().UTC())
	return nil
}

func (c *Cache) trimLocked(now time.Time) {
	cutoff := now.Add(-c.retention)
	start := 0
	for start < len(c.events) && (len(c.events)-start > c.window || c.events[start].CreatedAt.Before(cutoff)) {
		delete(c.seen, c.events[start].ID)
		start++
	}
	c.events = c.events[start:]
}

func (c *Cache) ReadEventsAfter(ctx context.Context, afterID int64, limit int) ([]store.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 256
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := sort.Search(len(c.events), func(i int) bool { return c.events[i].ID > afterID })
	end := i + limit
	if end > len(c.events) {
		end = len(c.events)
	}
	return append([]store.EventRecord(nil), c.events[i:end]...), nil
}

func (c *Cache) LatestEventID(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.events) == 0 {
		return 0, nil
	}
	return c.events[len(c.events)-1].ID, nil
}
