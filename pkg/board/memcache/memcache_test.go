package memcache

import (
	"context"
	"testing"
	"time"

	"github.com/seancelabs/seance/pkg/board"
	"github.com/seancelabs/seance/pkg/store"
)

func event(id int64) store.EventRecord {
	return store.EventRecord{
		ID: id, Kind: store.EventTurnMilestone, SessionID: "s1",
		Turn: int(id), CreatedAt: time.Now().UTC(),
	}
}

func TestPublishDedupeAndOrder(t *testing.T) {
	ctx := context.Background()
	c := New()

	// Live publishes arrive, then a reconciler backfills an older id.
	for _, id := range []int64{5, 7, 5, 3} {
		if err := c.PublishEvent(ctx, event(id)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := c.ReadEventsAfter(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{3, 5, 7}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i, e := range got {
		if e.ID != want[i] {
			t.Fatalf("event[%d].ID=%d want %d", i, e.ID, want[i])
		}
	}
}

func TestReadEventsAfterCursor(t *testing.T) {
	ctx := context.Background()
	c := New()
	for id := int64(1); id <= 10; id++ {
		if err := c.PublishEvent(ctx, event(id)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := c.ReadEventsAfter(ctx, 7, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != 8 {
		t.Fatalf("after 7: got %d events starting at %d", len(got), got[0].ID)
	}

	got, err = c.ReadEventsAfter(ctx, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != 3 || got[2].ID != 5 {
		t.Fatalf("limited read got %v", got)
	}

	latest, err := c.LatestEventID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest != 10 {
		t.Fatalf("latest=%d want 10", latest)
	}
}

func TestEventWindowTrim(t *testing.T) {
	ctx := context.Background()
	c := New()
	c.window = 4
	for id := int64(1); id <= 10; id++ {
		if err := c.PublishEvent(ctx, event(id)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := c.ReadEventsAfter(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 || got[0].ID != 7 {
		t.Fatalf("window trim kept %d events starting at %d", len(got), got[0].ID)
	}
	// A trimmed id republished must not reappear out of window order.
	if err := c.PublishEvent(ctx, event(2)); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotLastWriteWins(t *testing.T) {
	ctx := context.Background()
	c := New()
	now := time.Now().UTC()

	newer := board.Snapshot{SessionID: "s1", Status: store.StatusActive, Turn: 5, UpdatedAt: now}
	older := board.Snapshot{SessionID: "s1", Status: store.StatusActive, Turn: 3, UpdatedAt: now.Add(-time.Minute)}

	if err := c.PutSnapshot(ctx, newer); err != nil {
		t.Fatal(err)
	}
	if err := c.PutSnapshot(ctx, older); err != nil {
		t.Fatal(err)
	}

	active, err := c.ListActive(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Turn != 5 {
		t.Fatalf("stale snapshot overwrote newer one: %+v", active)
	}
}

func TestListSplitsByStatus(t *testing.T) {
	ctx := context.Background()
	c := New()
	now := time.Now().UTC()

	puts := []board.Snapshot{
		{SessionID: "a", Status: store.StatusActive, UpdatedAt: now},
		{SessionID: "b", Status: store.StatusActive, UpdatedAt: now.Add(time.Second)},
		{SessionID: "c", Status: store.StatusCompleted, UpdatedAt: now},
		{SessionID: "d", Status: store.StatusFailed, UpdatedAt: now},
	}
	for _, s := range puts {
		if err := c.PutSnapshot(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	active, err := c.ListActive(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 || active[0].SessionID != "b" {
		t.Fatalf("active=%+v", active)
	}
	done, err := c.ListCompleted(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 {
		t.Fatalf("completed=%+v", done)
	}

	empty, err := c.Empty(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if empty {
		t.Fatal("cache with snapshots reported empty")
	}
}
