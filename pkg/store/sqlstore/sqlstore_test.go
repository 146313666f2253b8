package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/seancelabs/seance/pkg/game"
	"github.com/seancelabs/seance/pkg/store"
)

var memSeq int

func openMem(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	memSeq++
	dsn := fmt.Sprintf("sqlite:file:sqlstore%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", memSeq)
	st, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func newSession(id, actor string) store.SessionRecord {
	return store.SessionRecord{
		ID:        id,
		ActorID:   actor,
		ActorKind: store.ActorHuman,
		Status:    store.StatusActive,
		StartedAt: time.Now().UTC(),
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openMem(t)

	if err := st.CreateSession(ctx, newSession("s1", "actor-1")); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusActive || got.Turn != 0 {
		t.Fatalf("got %+v want fresh active session", got)
	}

	// One active session per actor.
	err = st.CreateSession(ctx, newSession("s2", "actor-1"))
	if !errors.Is(err, store.ErrActiveSessionExists) {
		t.Fatalf("err=%v want ErrActiveSessionExists", err)
	}

	active, err := st.ActiveSessionForActor(ctx, "actor-1")
	if err != nil || active.ID != "s1" {
		t.Fatalf("active=%+v err=%v", active, err)
	}

	ended, err := st.EndSession(ctx, "s1", store.StatusAbandoned, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != store.StatusAbandoned || ended.EndedAt == nil {
		t.Fatalf("ended=%+v want abandoned with end time", ended)
	}

	// A second actor session is allowed once the first is terminal.
	if err := st.CreateSession(ctx, newSession("s2", "actor-1")); err != nil {
		t.Fatal(err)
	}

	if _, err := st.ActiveSessionForActor(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestCommitTurnAtomicity(t *testing.T) {
	ctx := context.Background()
	st := openMem(t)
	if err := st.CreateSession(ctx, newSession("s1", "a")); err != nil {
		t.Fatal(err)
	}

	before := game.Initial()
	after := game.Apply(before, game.Delta{Narrative: "a door opens", SanityChange: -10})
	commit := store.TurnCommit{
		Turn: store.TurnRecord{
			SessionID: "s1",
			Turn:      1,
			Action:    store.Action{ID: "move", Text: "walk", Kind: "move"},
			Before:    before,
			After:     after,
			LatencyMS: 1200,
		},
		Status: store.StatusActive,
	}
	if err := st.CommitTurn(ctx, commit); err != nil {
		t.Fatal(err)
	}

	sess, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Turn != 1 || sess.Status != store.StatusActive {
		t.Fatalf("session=%+v want turn 1 active", sess)
	}

	last, err := st.LastTurn(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if last.Turn != 1 || last.After.Sanity != 90 {
		t.Fatalf("last=%+v want turn 1 sanity 90", last)
	}

	// Re-committing turn 1 must fail and leave nothing half-written.
	if err := st.CommitTurn(ctx, commit); err == nil {
		t.Fatal("duplicate turn commit must fail")
	}
	sess2, _ := st.GetSession(ctx, "s1")
	if sess2.Turn != 1 {
		t.Fatalf("session turn=%d mutated by failed commit", sess2.Turn)
	}

	// Skipping a turn number must fail the optimistic guard.
	bad := commit
	bad.Turn.Turn = 3
	if err := st.CommitTurn(ctx, bad); err == nil {
		t.Fatal("non-contiguous turn must be rejected")
	}
}

func TestCommitTurnTerminal(t *testing.T) {
	ctx := context.Background()
	st := openMem(t)
	if err := st.CreateSession(ctx, newSession("s1", "a")); err != nil {
		t.Fatal(err)
	}

	before := game.Initial()
	after := game.Apply(before, game.Delta{Narrative: "it ends", SanityChange: -100})
	ended := time.Now().UTC()
	victory := false
	err := st.CommitTurn(ctx, store.TurnCommit{
		Turn: store.TurnRecord{
			SessionID: "s1", Turn: 1,
			Action: store.Action{ID: "wait"},
			Before: before, After: after,
		},
		Status:  store.StatusCompleted,
		Victory: &victory,
		EndedAt: &ended,
	})
	if err != nil {
		t.Fatal(err)
	}
	sess, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !sess.Terminal() || sess.EndedAt == nil || sess.Victory == nil || *sess.Victory {
		t.Fatalf("session=%+v want completed defeat with end time", sess)
	}

	// Terminal sessions accept no further turns.
	err = st.CommitTurn(ctx, store.TurnCommit{
		Turn:   store.TurnRecord{SessionID: "s1", Turn: 2, Before: after, After: after},
		Status: store.StatusCompleted,
	})
	if err == nil {
		t.Fatal("turn against terminal session must fail")
	}
}

func TestListTurnsOrder(t *testing.T) {
	ctx := context.Background()
	st := openMem(t)
	if err := st.CreateSession(ctx, newSession("s1", "a")); err != nil {
		t.Fatal(err)
	}
	state := game.Initial()
	for i := 1; i <= 5; i++ {
		next := game.Apply(state, game.Delta{Narrative: fmt.Sprintf("turn %d", i), SanityChange: -1})
		err := st.CommitTurn(ctx, store.TurnCommit{
			Turn:   store.TurnRecord{SessionID: "s1", Turn: i, Before: state, After: next},
			Status: store.StatusActive,
		})
		if err != nil {
			t.Fatal(err)
		}
		state = next
	}
	turns, err := st.ListTurns(ctx, "s1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 3 || turns[0].Turn != 3 || turns[2].Turn != 5 {
		t.Fatalf("turns=%v want ascending window 3..5", turns)
	}
	// Prior-state chaining across the stored sequence.
	if turns[1].Before.Sanity != turns[0].After.Sanity {
		t.Fatal("before state must equal previous after state")
	}
}

func TestEventAppendAndCursor(t *testing.T) {
	ctx := context.Background()
	st := openMem(t)

	var last int64
	for i := 0; i < 5; i++ {
		e, err := st.AppendEvent(ctx, store.EventRecord{
			Kind:      store.EventTurnMilestone,
			SessionID: "s1",
			ActorKind: store.ActorHuman,
			Actor:     "anon",
			Turn:      i + 1,
			Sanity:    90,
			Location:  "hall",
			Message:   fmt.Sprintf("milestone %d", i+1),
		})
		if err != nil {
			t.Fatal(err)
		}
		if e.ID <= last {
			t.Fatalf("id=%d not strictly increasing after %d", e.ID, last)
		}
		last = e.ID
	}

	latest, err := st.LatestEventID(ctx)
	if err != nil || latest != last {
		t.Fatalf("latest=%d err=%v want %d", latest, err, last)
	}

	after, err := st.ListEventsAfter(ctx, last-3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 2 || after[0].ID != last-2 || after[1].ID != last-1 {
		t.Fatalf("after=%v want the two events following the cursor", after)
	}

	recent, err := st.ListRecentEvents(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 || recent[0].ID >= recent[1].ID {
		t.Fatalf("recent=%v want 3 ascending", recent)
	}
}

func TestEventRetentionTrim(t *testing.T) {
	ctx := context.Background()
	st := openMem(t)

	old := store.EventRecord{
		Kind: store.EventSessionStarted, SessionID: "s1", ActorKind: store.ActorHuman,
		Actor: "anon", Message: "old", Location: "hall",
		CreatedAt: time.Now().UTC().Add(-EventRetention - time.Hour),
	}
	if _, err := st.AppendEvent(ctx, old); err != nil {
		t.Fatal(err)
	}
	fresh := old
	fresh.Message = "fresh"
	fresh.CreatedAt = time.Now().UTC()
	if _, err := st.AppendEvent(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	events, err := st.ListEventsAfter(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Message != "fresh" {
		t.Fatalf("events=%v want only the fresh one after trim", events)
	}
}

func TestOpenRejectsBadDSN(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, ""); err == nil {
		t.Fatal("empty DSN must fail")
	}
	if _, err := Open(ctx, "mysql://nope"); err == nil {
		t.Fatal("unsupported scheme must fail")
	}
}
