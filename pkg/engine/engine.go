// Package engine is the turn resolution engine. It owns the session
// lifecycle: start/resume, serialized turn submission against the narrative
// provider, the atomic commit of accepted turns, and post-commit event
// emission to the observer board.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/seancelabs/seance/pkg/board"
	"github.com/seancelabs/seance/pkg/errmodel"
	"github.com/seancelabs/seance/pkg/game"
	"github.com/seancelabs/seance/pkg/narrative"
	"github.com/seancelabs/seance/pkg/narrative/digest"
	"github.com/seancelabs/seance/pkg/store"
)

// historyWindow bounds how many prior turns feed the digest builder. The
// token budget trims further; this only caps the store read.
const historyWindow = 50

// SessionConfig is the per-session configuration snapshot captured at start
// and stored on the session row.
type SessionConfig struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model,omitempty"`
	Balance  json.RawMessage `json:"balance,omitempty"`
}

// Resolver resolves turns for sessions. Safe for concurrent use; turns for
// the same session are serialized, turns for different sessions proceed in
// parallel.
type Resolver struct {
	store    store.Store
	provider narrative.Provider
	emitter  *board.Emitter
	digests  *digest.Builder
	cfg      SessionConfig
	timeout  time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout overrides the per-call provider timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithDigestBuilder overrides the history digest builder.
func WithDigestBuilder(b *digest.Builder) Option {
	return func(r *Resolver) {
		if b != nil {
			r.digests = b
		}
	}
}

// New builds a Resolver. emitter may be nil when no board is wired.
func New(st store.Store, p narrative.Provider, emitter *board.Emitter, cfg SessionConfig, opts ...Option) *Resolver {
	if cfg.Provider == "" && p != nil {
		cfg.Provider = p.Name()
	}
	r := &Resolver{
		store:    st,
		provider: p,
		emitter:  emitter,
		digests:  digest.New(),
		cfg:      cfg,
		timeout:  narrative.CallTimeout,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartSession starts a session for the actor, or resumes the actor's
// existing active session. At most one active session per actor exists at
// any time; a concurrent double-start resolves to the same session.
func (r *Resolver) StartSession(ctx context.Context, actorID, actorKind string) (store.SessionRecord, game.State, error) {
	tr := otel.Tracer("engine")
	ctx, span := tr.Start(ctx, "Resolver.StartSession", trace.WithAttributes(
		attribute.String("actor.kind", actorKind),
	))
	defer span.End()

	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return store.SessionRecord{}, game.State{}, errmodel.Validation("missing", "actor_id is required", nil)
	}
	switch actorKind {
	case store.ActorHuman, store.ActorAgent:
	default:
		return store.SessionRecord{}, game.State{}, errmodel.Validation("bad_actor_kind",
			fmt.Sprintf("actor_kind must be %q or %q", store.ActorHuman, store.ActorAgent), nil)
	}

	if sess, err := r.store.ActiveSessionForActor(ctx, actorID); err == nil {
		st, lerr := r.latestState(ctx, sess.ID)
		if lerr != nil {
			return store.SessionRecord{}, game.State{}, lerr
		}
		return sess, st, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.SessionRecord{}, game.State{}, errmodel.System("store", "look up active session", nil, err)
	}

	cfg, err := json.Marshal(r.cfg)
	if err != nil {
		return store.SessionRecord{}, game.State{}, errmodel.System("config", "encode session config", nil, err)
	}
	now := time.Now().UTC()
	sess := store.SessionRecord{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		ActorKind: actorKind,
		Status:    store.StatusActive,
		Config:    cfg,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			// Lost a double-start race; resume the winner.
			existing, lerr := r.store.ActiveSessionForActor(ctx, actorID)
			if lerr != nil {
				return store.SessionRecord{}, game.State{}, errmodel.System("store", "resume raced session", nil, lerr)
			}
			st, lerr := r.latestState(ctx, existing.ID)
			if lerr != nil {
				return store.SessionRecord{}, game.State{}, lerr
			}
			return existing, st, nil
		}
		return store.SessionRecord{}, game.State{}, errmodel.System("store", "create session", nil, err)
	}

	st := game.Initial()
	if r.emitter != nil {
		r.emitter.SessionStarted(ctx, sess, st)
	}
	return sess, st, nil
}

// SubmitTurn resolves one turn. Concurrent submissions for the same session
// are serialized; the loser of a commit race gets a conflict error and no
// state is changed by it.
func (r *Resolver) SubmitTurn(ctx context.Context, sessionID string, action store.Action) (store.TurnRecord, store.SessionRecord, error) {
	tr := otel.Tracer("engine")
	ctx, span := tr.Start(ctx, "Resolver.SubmitTurn", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	if strings.TrimSpace(action.Text) == "" {
		return store.TurnRecord{}, store.SessionRecord{}, errmodel.Validation("missing", "action text is required", nil)
	}

	unlock := r.lockSession(sessionID)
	defer unlock()

	sess, err := r.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.TurnRecord{}, store.SessionRecord{}, errmodel.Session("not_found", "no such session", map[string]any{"session_id": sessionID})
	}
	if err != nil {
		return store.TurnRecord{}, store.SessionRecord{}, errmodel.System("store", "load session", nil, err)
	}
	if sess.Terminal() {
		return store.TurnRecord{}, store.SessionRecord{}, errmodel.Session("terminal", "session accepts no further turns", map[string]any{"status": sess.Status})
	}

	before, history, err := r.loadHistory(ctx, sess.ID)
	if err != nil {
		return store.TurnRecord{}, store.SessionRecord{}, err
	}
	if before.GameOver {
		return store.TurnRecord{}, store.SessionRecord{}, errmodel.Session("terminal", "game is over", nil)
	}
	if action.ID != "" && !choiceOffered(before, action.ID) && action.Kind != "custom" {
		return store.TurnRecord{}, store.SessionRecord{}, errmodel.Validation("bad_choice",
			"action id does not match an offered choice", map[string]any{"action_id": action.ID})
	}

	req := narrative.Request{
		SessionID:  sess.ID,
		Turn:       sess.Turn + 1,
		ActionID:   action.ID,
		ActionText: action.Text,
		ActionKind: action.Kind,
		Digest:     r.digests.Build(history),
		Rules:      before.Rules,
		Items:      before.Inventory,
		Sanity:     before.Sanity,
		Balance:    r.cfg.Balance,
	}

	started := time.Now()
	res, err := narrative.Call(ctx, r.provider, req, r.timeout)
	latency := time.Since(started).Milliseconds()
	if err != nil {
		span.RecordError(err)
		code := "unavailable"
		if errors.Is(err, context.DeadlineExceeded) {
			code = "timeout"
		}
		return store.TurnRecord{}, store.SessionRecord{}, errmodel.Provider(code, "narrative provider failed", map[string]any{"provider": r.provider.Name()}, err)
	}

	after := game.Apply(before, res.Delta)
	turn := store.TurnRecord{
		SessionID:   sess.ID,
		Turn:        sess.Turn + 1,
		Action:      action,
		Before:      before,
		After:       after,
		RawResponse: res.Raw,
		LatencyMS:   latency,
	}

	commit := store.TurnCommit{Turn: turn, Status: store.StatusActive, Config: sess.Config}
	if after.GameOver {
		now := time.Now().UTC()
		commit.EndedAt = &now
		v := after.Victory
		commit.Victory = &v
		if after.Victory {
			commit.Status = store.StatusCompleted
		} else {
			commit.Status = store.StatusFailed
		}
	}
	if err := r.store.CommitTurn(ctx, commit); err != nil {
		return store.TurnRecord{}, store.SessionRecord{}, errmodel.New(errmodel.CategorySession, "turn_conflict",
			"turn was not committed", map[string]any{"turn": turn.Turn}, err)
	}

	sess, err = r.store.GetSession(ctx, sess.ID)
	if err != nil {
		return store.TurnRecord{}, store.SessionRecord{}, errmodel.System("store", "reload session", nil, err)
	}
	if r.emitter != nil {
		r.emitter.TurnCommitted(ctx, sess, turn)
	}
	return turn, sess, nil
}

// Abandon marks an active session abandoned. Idempotent: abandoning a
// terminal session returns it unchanged.
func (r *Resolver) Abandon(ctx context.Context, sessionID string) (store.SessionRecord, error) {
	unlock := r.lockSession(sessionID)
	defer unlock()

	sess, err := r.store.EndSession(ctx, sessionID, store.StatusAbandoned, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return store.SessionRecord{}, errmodel.Session("not_found", "no such session", map[string]any{"session_id": sessionID})
	}
	if err != nil {
		return store.SessionRecord{}, errmodel.System("store", "abandon session", nil, err)
	}
	if r.emitter != nil {
		st, lerr := r.latestState(ctx, sess.ID)
		if lerr == nil {
			r.emitter.SessionAbandoned(ctx, sess, st)
		}
	}
	return sess, nil
}

// LatestState returns the session's current state for read paths.
func (r *Resolver) LatestState(ctx context.Context, sessionID string) (game.State, error) {
	return r.latestState(ctx, sessionID)
}

func (r *Resolver) latestState(ctx context.Context, sessionID string) (game.State, error) {
	last, err := r.store.LastTurn(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return game.Initial(), nil
	}
	if err != nil {
		return game.State{}, errmodel.System("store", "load last turn", nil, err)
	}
	return last.After, nil
}

func (r *Resolver) loadHistory(ctx context.Context, sessionID string) (game.State, []digest.Entry, error) {
	turns, err := r.store.ListTurns(ctx, sessionID, historyWindow)
	if err != nil {
		return game.State{}, nil, errmodel.System("store", "load turn history", nil, err)
	}
	if len(turns) == 0 {
		return game.Initial(), nil, nil
	}
	entries := make([]digest.Entry, len(turns))
	for i, t := range turns {
		entries[i] = digest.Entry{Turn: t.Turn, Action: t.Action.Text, Narrative: t.After.Narrative}
	}
	return turns[len(turns)-1].After, entries, nil
}

func (r *Resolver) lockSession(id string) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func choiceOffered(st game.State, actionID string) bool {
	for _, c := range st.Choices {
		if c.ID == actionID {
			return true
		}
	}
	return false
}
