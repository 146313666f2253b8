package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seancelabs/seance/pkg/game"
	"github.com/seancelabs/seance/pkg/store"
)

const turnColumns = "session_id, turn, action, before_state, after_state, raw_response, latency_ms, created_at"

// CommitTurn writes the turn record and the session-row mutation in one
// transaction. The session update is guarded on the previous turn number so a
// lost race surfaces as a conflict instead of a gap or duplicate.
func (s *Store) CommitTurn(ctx context.Context, c store.TurnCommit) error {
	t := c.Turn
	if t.SessionID == "" || t.Turn < 1 {
		return errors.New("turn commit requires a session id and a positive turn number")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	action, err := json.Marshal(t.Action)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	before, err := json.Marshal(t.Before)
	if err != nil {
		return fmt.Errorf("encode before state: %w", err)
	}
	after, err := json.Marshal(t.After)
	if err != nil {
		return fmt.Errorf("encode after state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO turns (`+turnColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		t.SessionID, t.Turn, string(action), string(before), string(after),
		nullJSON(t.RawResponse), t.LatencyMS, toMillis(t.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.q(
		`UPDATE sessions SET turn = ?, status = ?, victory = ?, config = ?, ended_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND turn = ?`),
		t.Turn, c.Status, boolToNull(c.Victory), nullJSON(c.Config),
		timeToNull(c.EndedAt), toMillis(t.CreatedAt),
		t.SessionID, store.StatusActive, t.Turn-1,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("commit turn %d for session %s: session not active at turn %d",
			t.Turn, t.SessionID, t.Turn-1)
	}
	return tx.Commit()
}

// LastTurn returns the highest-numbered turn for the session.
func (s *Store) LastTurn(ctx context.Context, sessionID string) (store.TurnRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+turnColumns+` FROM turns WHERE session_id = ? ORDER BY turn DESC LIMIT 1`),
		sessionID)
	return scanTurn(row)
}

// ListTurns returns up to limit most recent turns in ascending turn order.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]store.TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+turnColumns+` FROM (
			SELECT `+turnColumns+` FROM turns WHERE session_id = ? ORDER BY turn DESC LIMIT ?
		) recent ORDER BY turn ASC`),
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()
	var out []store.TurnRecord
	for rows.Next() {
		rec, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanTurn(r rowScanner) (store.TurnRecord, error) {
	var (
		rec       store.TurnRecord
		action    string
		before    string
		after     string
		raw       sql.NullString
		createdAt int64
	)
	err := r.Scan(&rec.SessionID, &rec.Turn, &action, &before, &after, &raw, &rec.LatencyMS, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.TurnRecord{}, store.ErrNotFound
		}
		return store.TurnRecord{}, fmt.Errorf("scan turn: %w", err)
	}
	if err := json.Unmarshal([]byte(action), &rec.Action); err != nil {
		return store.TurnRecord{}, fmt.Errorf("decode action: %w", err)
	}
	rec.Before = game.State{}
	if err := json.Unmarshal([]byte(before), &rec.Before); err != nil {
		return store.TurnRecord{}, fmt.Errorf("decode before state: %w", err)
	}
	if err := json.Unmarshal([]byte(after), &rec.After); err != nil {
		return store.TurnRecord{}, fmt.Errorf("decode after state: %w", err)
	}
	if raw.Valid && raw.String != "" {
		rec.RawResponse = json.RawMessage(raw.String)
	}
	rec.CreatedAt = fromMillis(createdAt)
	return rec, nil
}
