// Package store defines the persistence contracts for sessions, turns, and
// board events. The persistent store is the system of record; every cached or
// projected value must be reconstructable from it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seancelabs/seance/pkg/game"
)

// Session lifecycle statuses. Transitions only ever leave StatusActive.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// Actor kinds.
const (
	ActorHuman = "human"
	ActorAgent = "agent"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrActiveSessionExists indicates the actor already has an active session.
	ErrActiveSessionExists = errors.New("active session exists")
)

// SessionRecord is the durable row for one playthrough.
type SessionRecord struct {
	ID        string
	ActorID   string
	ActorKind string
	Status    string
	Turn      int
	Victory   *bool
	Config    json.RawMessage
	StartedAt time.Time
	EndedAt   *time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the session can accept no further turns.
func (s SessionRecord) Terminal() bool { return s.Status != StatusActive }

// Action is the player's chosen action for a turn.
type Action struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Kind string `json:"kind"`
}

// TurnRecord is the append-only record of one accepted turn.
// Before must equal the previous turn's After (or the initial state for turn 1).
type TurnRecord struct {
	SessionID   string
	Turn        int
	Action      Action
	Before      game.State
	After       game.State
	RawResponse json.RawMessage
	LatencyMS   int64
	CreatedAt   time.Time
}

// Board event kinds.
const (
	EventSessionStarted = "session-started"
	EventTurnMilestone  = "turn-milestone"
	EventItemAcquired   = "item-acquired"
	EventSanityCritical = "sanity-critical"
	EventVictory        = "victory"
	EventDeath          = "death"
)

// EventRecord is one immutable board event. ID is assigned by the store on
// append, strictly increasing across all sessions, and is the only valid
// resumption cursor. CreatedAt is informational.
type EventRecord struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id"`
	ActorKind string    `json:"actor_kind"`
	Actor     string    `json:"actor"`
	Turn      int       `json:"turn"`
	Sanity    int       `json:"sanity"`
	Location  string    `json:"location"`
	Message   string    `json:"message"`
	ItemName  string    `json:"item_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TurnCommit couples a new turn record with the session mutation that must
// land in the same transaction.
type TurnCommit struct {
	Turn    TurnRecord
	Status  string
	Victory *bool
	EndedAt *time.Time
	Config  json.RawMessage
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	// ActiveSessionForActor returns the actor's single active session, or
	// ErrNotFound when the actor has none.
	ActiveSessionForActor(ctx context.Context, actorID string) (SessionRecord, error)
	// ListSessionsByStatus returns sessions in the given status ordered by
	// update recency, newest first.
	ListSessionsByStatus(ctx context.Context, status string, limit int) ([]SessionRecord, error)
	// EndSession marks an active session terminal without writing a turn
	// (abandonment). It is a no-op returning the record when already terminal.
	EndSession(ctx context.Context, id, status string, endedAt time.Time) (SessionRecord, error)
}

// TurnStore persists turn records.
type TurnStore interface {
	// CommitTurn writes the turn and the session-row mutation atomically.
	CommitTurn(ctx context.Context, c TurnCommit) error
	// LastTurn returns the highest-numbered turn, or ErrNotFound before turn 1.
	LastTurn(ctx context.Context, sessionID string) (TurnRecord, error)
	// ListTurns returns the most recent turns in ascending turn order.
	ListTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
}

// EventStore persists the global append-only board event log.
type EventStore interface {
	// AppendEvent assigns the next global id and returns the stored record.
	AppendEvent(ctx context.Context, e EventRecord) (EventRecord, error)
	// ListEventsAfter returns events with id strictly greater than afterID,
	// ascending, up to limit.
	ListEventsAfter(ctx context.Context, afterID int64, limit int) ([]EventRecord, error)
	// ListRecentEvents returns the newest events, ascending by id.
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
	// LatestEventID returns the current maximum id, 0 when the log is empty.
	LatestEventID(ctx context.Context) (int64, error)
}

// Store aggregates the persistence contracts.
type Store interface {
	SessionStore
	TurnStore
	EventStore
}
