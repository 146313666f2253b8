package board

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/seancelabs/seance/pkg/game"
	"github.com/seancelabs/seance/pkg/store"
)

// Reconciler rebuilds snapshots, indices, and the recent-event window in the
// cache from the persistent store. It is idempotent and safe to run while
// live traffic continues: snapshot writes are last-write-wins by session
// recency and event publishes are de-duplicated by id.
type Reconciler struct {
	store store.Store
	cache Cache

	// CompletedWindow bounds how many terminal sessions are projected.
	CompletedWindow int
	// EventWindow bounds how many recent events are backfilled.
	EventWindow int
}

// NewReconciler builds a reconciler with default windows.
func NewReconciler(st store.Store, cache Cache) *Reconciler {
	return &Reconciler{store: st, cache: cache, CompletedWindow: 50, EventWindow: 100}
}

// Run projects the store into the cache. Call on cold start (cache empty)
// or after a cache flush.
func (r *Reconciler) Run(ctx context.Context) error {
	tr := otel.Tracer("board/reconciler")
	ctx, span := tr.Start(ctx, "Reconciler.Run")
	defer span.End()

	if r.cache == nil {
		return nil
	}

	active, err := r.store.ListSessionsByStatus(ctx, store.StatusActive, 0)
	if err != nil {
		return fmt.Errorf("reconcile: list active: %w", err)
	}
	if err := r.projectSessions(ctx, active); err != nil {
		return err
	}

	for _, status := range []string{store.StatusCompleted, store.StatusFailed, store.StatusAbandoned} {
		done, err := r.store.ListSessionsByStatus(ctx, status, r.CompletedWindow)
		if err != nil {
			return fmt.Errorf("reconcile: list %s: %w", status, err)
		}
		if err := r.projectSessions(ctx, done); err != nil {
			return err
		}
	}

	events, err := r.store.ListRecentEvents(ctx, r.EventWindow)
	if err != nil {
		return fmt.Errorf("reconcile: recent events: %w", err)
	}
	for _, ev := range events {
		if err := r.cache.PublishEvent(ctx, ev); err != nil {
			return fmt.Errorf("reconcile: publish event %d: %w", ev.ID, err)
		}
	}
	return nil
}

// RunIfEmpty runs only when the cache reports no data.
func (r *Reconciler) RunIfEmpty(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	empty, err := r.cache.Empty(ctx)
	if err != nil {
		return err
	}
	if !empty {
		return nil
	}
	return r.Run(ctx)
}

func (r *Reconciler) projectSessions(ctx context.Context, sessions []store.SessionRecord) error {
	for _, sess := range sessions {
		st, err := r.latestState(ctx, sess.ID)
		if err != nil {
			return err
		}
		if err := r.cache.PutSnapshot(ctx, SnapshotOf(sess, st)); err != nil {
			return fmt.Errorf("reconcile: snapshot %s: %w", sess.ID, err)
		}
	}
	return nil
}

func (r *Reconciler) latestState(ctx context.Context, sessionID string) (game.State, error) {
	last, err := r.store.LastTurn(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return game.Initial(), nil
	}
	if err != nil {
		return game.State{}, fmt.Errorf("reconcile: last turn of %s: %w", sessionID, err)
	}
	return last.After, nil
}
