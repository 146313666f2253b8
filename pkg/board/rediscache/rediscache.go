// Package rediscache implements the board cache on Redis: snapshot hash,
// active/completed sorted sets, and a stream carrying the live event feed.
// Stream entry ids reuse the durable event id ("<id>-0") so the feed cursor
// and the store cursor are the same number.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/seancelabs/seance/pkg/board"
	"github.com/seancelabs/seance/pkg/store"
)

const (
	keySnapshots = "seance:board:snapshots"
	keyActive    = "seance:board:active"
	keyCompleted = "seance:board:completed"
	keyEvents    = "seance:board:events"

	// maxStreamLen bounds the live window; the durable store covers anything
	// older, within its own retention.
	maxStreamLen = 1024
)

// Cache implements board.Cache on a Redis client.
type Cache struct {
	rdb *redis.Client
}

// New connects to Redis at addr. An empty addr yields a nil *Cache, which
// callers treat as "no cache configured".
func New(addr, password string, db int) *Cache {
	if addr == "" {
		return nil
	}
	return &Cache{rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) Close() error { return c.rdb.Close() }

func (c *Cache) Empty(ctx context.Context) (bool, error) {
	n, err := c.rdb.Exists(ctx, keySnapshots).Result()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (c *Cache) PutSnapshot(ctx context.Context, s board.Snapshot) error {
	// Last write wins by UpdatedAt. The read-then-write is not atomic, but a
	// lost race only leaves a slightly stale snapshot that the next write or
	// reconciler pass repairs.
	if prev, err := c.rdb.HGet(ctx, keySnapshots, s.SessionID).Result(); err == nil {
		var old board.Snapshot
		if json.Unmarshal([]byte(prev), &old) == nil && old.UpdatedAt.After(s.UpdatedAt) {
			return nil
		}
	} else if err != redis.Nil {
		return err
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	score := float64(s.UpdatedAt.UnixMilli())
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, keySnapshots, s.SessionID, string(raw))
	if s.Status == store.StatusActive {
		pipe.ZAdd(ctx, keyActive, redis.Z{Score: score, Member: s.SessionID})
		pipe.ZRem(ctx, keyCompleted, s.SessionID)
	} else {
		pipe.ZAdd(ctx, keyCompleted, redis.Z{Score: score, Member: s.SessionID})
		pipe.ZRem(ctx, keyActive, s.SessionID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Cache) ListActive(ctx context.Context, limit int) ([]board.Snapshot, error) {
	return c.listIndex(ctx, keyActive, limit)
}

func (c *Cache) ListCompleted(ctx context.Context, limit int) ([]board.Snapshot, error) {
	return c.listIndex(ctx, keyCompleted, limit)
}

func (c *Cache) listIndex(ctx context.Context, key string, limit int) ([]board.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := c.rdb.ZRevRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := c.rdb.HMGet(ctx, keySnapshots, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]board.Snapshot, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var s board.Snapshot
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *Cache) PublishEvent(ctx context.Context, e store.EventRecord) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: keyEvents,
		MaxLen: maxStreamLen,
		Approx: true,
		ID:     fmt.Sprintf("%d-0", e.ID),
		Values: map[string]any{"kind": e.Kind, "payload": string(raw)},
	}).Err()
	if err != nil && strings.Contains(err.Error(), "equal or smaller") {
		// Duplicate or backfill behind the stream head; already covered.
		return nil
	}
	return err
}

func (c *Cache) ReadEventsAfter(ctx context.Context, afterID int64, limit int) ([]store.EventRecord, error) {
	if limit <= 0 {
		limit = 256
	}
	start := fmt.Sprintf("%d-0", afterID+1)
	msgs, err := c.rdb.XRangeN(ctx, keyEvents, start, "+", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]store.EventRecord, 0, len(msgs))
	for _, m := range msgs {
		payload, ok := m.Values["payload"].(string)
		if !ok {
			continue
		}
		var e store.EventRecord
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *Cache) LatestEventID(ctx context.Context) (int64, error) {
	msgs, err := c.rdb.XRevRangeN(ctx, keyEvents, "+", "-", 1).Result()
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	idPart, _, _ := strings.Cut(msgs[0].ID, "-")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stream id %q: %w", msgs[0].ID, err)
	}
	return id, nil
}
