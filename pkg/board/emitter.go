package board

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/seancelabs/seance/pkg/game"
	"github.com/seancelabs/seance/pkg/store"
)

// milestoneTurns always warrant a board event regardless of other activity.
var milestoneTurns = map[int]bool{
	1: true, 3: true, 5: true, 8: true, 10: true, 12: true, 15: true, 20: true,
}

// IsMilestone reports whether a turn number belongs to the fixed milestone set.
func IsMilestone(turn int) bool { return milestoneTurns[turn] }

// Emitter derives domain events from committed transitions and fans them out:
// durable append, snapshot upsert, index maintenance, live publish. All of it
// runs after the transactional commit and none of it may fail the turn.
type Emitter struct {
	events store.EventStore
	cache  Cache
}

// NewEmitter builds an emitter. cache may be nil; the emitter then only
// appends to the durable log.
func NewEmitter(events store.EventStore, cache Cache) *Emitter {
	return &Emitter{events: events, cache: cache}
}

// SessionStarted emits the one session-started event and seeds the snapshot.
func (e *Emitter) SessionStarted(ctx context.Context, sess store.SessionRecord, st game.State) {
	ev := store.EventRecord{
		Kind:      store.EventSessionStarted,
		SessionID: sess.ID,
		ActorKind: sess.ActorKind,
		Actor:     MaskActor(sess.ActorID),
		Turn:      0,
		Sanity:    st.Sanity,
		Location:  st.Location,
		Message:   fmt.Sprintf("%s stepped inside", MaskActor(sess.ActorID)),
	}
	e.append(ctx, ev)
	e.putSnapshot(ctx, sess, st)
}

// TurnCommitted derives all qualifying events for one committed turn in the
// deterministic order milestone, items, sanity-critical, terminal, then
// refreshes the session snapshot.
func (e *Emitter) TurnCommitted(ctx context.Context, sess store.SessionRecord, turn store.TurnRecord) {
	tr := otel.Tracer("board/emitter")
	ctx, span := tr.Start(ctx, "Emitter.TurnCommitted", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.Int("session.turn", turn.Turn),
	))
	defer span.End()

	actor := MaskActor(sess.ActorID)
	base := store.EventRecord{
		SessionID: sess.ID,
		ActorKind: sess.ActorKind,
		Actor:     actor,
		Turn:      turn.Turn,
		Sanity:    turn.After.Sanity,
		Location:  turn.After.Location,
	}

	if IsMilestone(turn.Turn) {
		ev := base
		ev.Kind = store.EventTurnMilestone
		ev.Message = fmt.Sprintf("%s reached turn %d", actor, turn.Turn)
		e.append(ctx, ev)
	}

	for _, item := range game.NewItems(turn.Before, turn.After) {
		ev := base
		ev.Kind = store.EventItemAcquired
		ev.ItemName = item.Name
		ev.Message = fmt.Sprintf("%s found %s", actor, item.Name)
		e.append(ctx, ev)
	}

	if game.CrossedCritical(turn.Before, turn.After) {
		ev := base
		ev.Kind = store.EventSanityCritical
		ev.Message = fmt.Sprintf("%s is unraveling, sanity down to %d", actor, turn.After.Sanity)
		e.append(ctx, ev)
	}

	if turn.After.GameOver {
		ev := base
		if turn.After.Victory {
			ev.Kind = store.EventVictory
			ev.Message = fmt.Sprintf("%s walked out alive on turn %d", actor, turn.Turn)
		} else {
			ev.Kind = store.EventDeath
			ev.Message = fmt.Sprintf("%s did not make it past turn %d", actor, turn.Turn)
		}
		e.append(ctx, ev)
	}

	e.putSnapshot(ctx, sess, turn.After)
}

// SessionAbandoned refreshes the snapshot after an abandonment; no event is
// derived since abandonment is not a board milestone.
func (e *Emitter) SessionAbandoned(ctx context.Context, sess store.SessionRecord, st game.State) {
	e.putSnapshot(ctx, sess, st)
}

func (e *Emitter) append(ctx context.Context, ev store.EventRecord) {
	stored, err := e.events.AppendEvent(ctx, ev)
	if err != nil {
		log.Printf("board: append %s event for session %s: %v", ev.Kind, ev.SessionID, err)
		return
	}
	if e.cache == nil {
		return
	}
	if err := e.cache.PublishEvent(ctx, stored); err != nil {
		log.Printf("board: publish event %d: %v", stored.ID, err)
	}
}

func (e *Emitter) putSnapshot(ctx context.Context, sess store.SessionRecord, st game.State) {
	if e.cache == nil {
		return
	}
	if err := e.cache.PutSnapshot(ctx, SnapshotOf(sess, st)); err != nil {
		log.Printf("board: snapshot session %s: %v", sess.ID, err)
	}
}

// SnapshotOf projects a session row plus its latest state into a Snapshot.
func SnapshotOf(sess store.SessionRecord, st game.State) Snapshot {
	return Snapshot{
		SessionID: sess.ID,
		ActorKind: sess.ActorKind,
		Actor:     MaskActor(sess.ActorID),
		Status:    sess.Status,
		Turn:      sess.Turn,
		Sanity:    st.Sanity,
		Location:  st.Location,
		Victory:   sess.Victory,
		StartedAt: sess.StartedAt,
		EndedAt:   sess.EndedAt,
		UpdatedAt: sess.UpdatedAt,
	}
}
