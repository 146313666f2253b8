// Package httpapi is the HTTP surface: session lifecycle, turn submission,
// the observer board snapshot query, and the SSE live stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/seancelabs/seance/pkg/board"
	"github.com/seancelabs/seance/pkg/engine"
	"github.com/seancelabs/seance/pkg/errmodel"
	"github.com/seancelabs/seance/pkg/game"
	"github.com/seancelabs/seance/pkg/store"
)

// Server wires the turn resolution engine, the persistent store, and the
// board cache behind HTTP handlers.
type Server struct {
	resolver *engine.Resolver
	store    store.Store
	cache    board.Cache

	// BoardLimit bounds each index in the board response.
	BoardLimit int
}

// NewServer builds a Server. cache may be nil; board and stream reads then
// fall back to the persistent store.
func NewServer(r *engine.Resolver, st store.Store, cache board.Cache) *Server {
	return &Server{resolver: r, store: st, cache: cache, BoardLimit: 50}
}

// Handler returns the routed, trace-instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleStartSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/turns", s.handleSubmitTurn)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleAbandonSession)
	mux.HandleFunc("GET /v1/board", s.handleBoard)
	mux.HandleFunc("GET /v1/board/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return otelhttp.NewHandler(mux, "httpapi")
}

type startSessionRequest struct {
	ActorID   string `json:"actor_id"`
	ActorKind string `json:"actor_kind"`
}

type sessionView struct {
	ID        string     `json:"id"`
	ActorKind string     `json:"actor_kind"`
	Status    string     `json:"status"`
	Turn      int        `json:"turn"`
	Victory   *bool      `json:"victory,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type sessionResponse struct {
	Session sessionView `json:"session"`
	State   game.State  `json:"state"`
}

func viewOf(sess store.SessionRecord) sessionView {
	return sessionView{
		ID:        sess.ID,
		ActorKind: sess.ActorKind,
		Status:    sess.Status,
		Turn:      sess.Turn,
		Victory:   sess.Victory,
		StartedAt: sess.StartedAt,
		EndedAt:   sess.EndedAt,
	}
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_json", "request body is not valid JSON", nil))
		return
	}
	if req.ActorKind == "" {
		req.ActorKind = store.ActorHuman
	}
	sess, st, err := s.resolver.StartSession(r.Context(), req.ActorID, req.ActorKind)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: viewOf(sess), State: st})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		errmodel.WriteHTTP(w, r, errmodel.Session("not_found", "no such session", map[string]any{"session_id": id}))
		return
	}
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.System("store", "load session", nil, err))
		return
	}
	st, err := s.resolver.LatestState(r.Context(), id)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: viewOf(sess), State: st})
}

type submitTurnRequest struct {
	ActionID   string `json:"action_id"`
	ActionText string `json:"action_text"`
	ActionKind string `json:"action_kind"`
}

type turnResponse struct {
	Session sessionView `json:"session"`
	Turn    int         `json:"turn"`
	State   game.State  `json:"state"`
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req submitTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_json", "request body is not valid JSON", nil))
		return
	}
	action := store.Action{ID: req.ActionID, Text: req.ActionText, Kind: req.ActionKind}
	turn, sess, err := s.resolver.SubmitTurn(r.Context(), r.PathValue("id"), action)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{Session: viewOf(sess), Turn: turn.Turn, State: turn.After})
}

func (s *Server) handleAbandonSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolver.Abandon(r.Context(), r.PathValue("id"))
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": viewOf(sess)})
}

type boardResponse struct {
	Active    []board.Snapshot `json:"active"`
	Completed []board.Snapshot `json:"completed"`
	AsOf      time.Time        `json:"as_of"`
	Source    string           `json:"source"`
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.cache != nil {
		active, errA := s.cache.ListActive(ctx, s.BoardLimit)
		completed, errC := s.cache.ListCompleted(ctx, s.BoardLimit)
		if errA == nil && errC == nil {
			writeJSON(w, http.StatusOK, boardResponse{
				Active:    emptyIfNil(active),
				Completed: emptyIfNil(completed),
				AsOf:      time.Now().UTC(),
				Source:    "cache",
			})
			return
		}
		log.Printf("httpapi: board cache read failed, falling back to store: %v %v", errA, errC)
	}

	active, err := s.boardFromStore(ctx, []string{store.StatusActive})
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	completed, err := s.boardFromStore(ctx, []string{store.StatusCompleted, store.StatusFailed, store.StatusAbandoned})
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, boardResponse{
		Active:    emptyIfNil(active),
		Completed: emptyIfNil(completed),
		AsOf:      time.Now().UTC(),
		Source:    "store",
	})
}

// boardFromStore projects sessions straight from the system of record, the
// same derivation the reconciler uses to rebuild the cache.
func (s *Server) boardFromStore(ctx context.Context, statuses []string) ([]board.Snapshot, error) {
	var out []board.Snapshot
	for _, status := range statuses {
		sessions, err := s.store.ListSessionsByStatus(ctx, status, s.BoardLimit)
		if err != nil {
			return nil, errmodel.System("store", "list sessions", map[string]any{"status": status}, err)
		}
		for _, sess := range sessions {
			st, err := s.latestState(ctx, sess.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, board.SnapshotOf(sess, st))
		}
	}
	return out, nil
}

func (s *Server) latestState(ctx context.Context, sessionID string) (game.State, error) {
	last, err := s.store.LastTurn(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return game.Initial(), nil
	}
	if err != nil {
		return game.State{}, errmodel.System("store", "load last turn", nil, err)
	}
	return last.After, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func emptyIfNil(s []board.Snapshot) []board.Snapshot {
	if s == nil {
		return []board.Snapshot{}
	}
	return s
}
