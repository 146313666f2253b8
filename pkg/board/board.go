// Package board is the live event distribution pipeline: it derives domain
// events from committed state transitions, maintains denormalized session
// snapshots and the active/completed indices, and exposes a resumable feed
// for observers. Everything here is derived data; the persistent store stays
// authoritative.
package board

import (
	"context"
	"time"

	"github.com/seancelabs/seance/pkg/store"
)

// Snapshot is the latest-known projection of one session, optimized for the
// observer board. Rebuildable from the store at any time.
type Snapshot struct {
	SessionID string     `json:"session_id"`
	ActorKind string     `json:"actor_kind"`
	Actor     string     `json:"actor"`
	Status    string     `json:"status"`
	Turn      int        `json:"turn"`
	Sanity    int        `json:"sanity"`
	Location  string     `json:"location"`
	Victory   *bool      `json:"victory,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Cache is the best-effort fast layer. Implementations must be safe to lose:
// every method may fail or return empty without affecting correctness, and
// callers treat every error as log-and-continue.
type Cache interface {
	// Ping reports whether the cache is reachable.
	Ping(ctx context.Context) error
	// Empty reports whether the cache holds no snapshots (cold start).
	Empty(ctx context.Context) (bool, error)
	// PutSnapshot upserts a session snapshot and moves the session between
	// the active and completed indices to match its status. Last write wins
	// by UpdatedAt.
	PutSnapshot(ctx context.Context, s Snapshot) error
	// ListActive returns active-session snapshots, most recently updated first.
	ListActive(ctx context.Context, limit int) ([]Snapshot, error)
	// ListCompleted returns terminal-session snapshots, most recent first.
	ListCompleted(ctx context.Context, limit int) ([]Snapshot, error)
	// PublishEvent adds an already-persisted event to the live feed.
	// Re-publishing an id already present is a no-op.
	PublishEvent(ctx context.Context, e store.EventRecord) error
	// ReadEventsAfter returns cached events with id > afterID, ascending.
	ReadEventsAfter(ctx context.Context, afterID int64, limit int) ([]store.EventRecord, error)
	// LatestEventID returns the highest cached event id, 0 when empty.
	LatestEventID(ctx context.Context) (int64, error)
}

// Feed is the minimal read surface the stream gateway needs. The durable
// event store satisfies it through StoreFeed; caches satisfy it directly.
type Feed interface {
	ReadEventsAfter(ctx context.Context, afterID int64, limit int) ([]store.EventRecord, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// StoreFeed adapts the durable event store to the Feed interface.
type StoreFeed struct {
	Events store.EventStore
}

func (f StoreFeed) ReadEventsAfter(ctx context.Context, afterID int64, limit int) ([]store.EventRecord, error) {
	return f.Events.ListEventsAfter(ctx, afterID, limit)
}

func (f StoreFeed) LatestEventID(ctx context.Context) (int64, error) {
	return f.Events.LatestEventID(ctx)
}

// MaskActor hides the middle of long actor identities so the public board
// never exposes a full wallet address or account id.
func MaskActor(actor string) string {
	r := []rune(actor)
	if len(r) <= 12 {
		return actor
	}
	return string(r[:6]) + "…" + string(r[len(r)-4:])
}
