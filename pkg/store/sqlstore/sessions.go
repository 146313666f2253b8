package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seancelabs/seance/pkg/store"
)

const sessionColumns = "id, actor_id, actor_kind, status, turn, victory, config, started_at, ended_at, updated_at"

// CreateSession inserts a new session row. The partial unique index on
// (actor_id) WHERE status='active' enforces one active session per actor.
func (s *Store) CreateSession(ctx context.Context, rec store.SessionRecord) error {
	if rec.ID == "" || rec.ActorID == "" {
		return errors.New("session id and actor id are required")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.StartedAt
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.ActorID, rec.ActorKind, rec.Status, rec.Turn,
		boolToNull(rec.Victory), nullJSON(rec.Config),
		toMillis(rec.StartedAt), timeToNull(rec.EndedAt), toMillis(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrActiveSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (store.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	return scanSession(row)
}

// ActiveSessionForActor returns the actor's single active session.
func (s *Store) ActiveSessionForActor(ctx context.Context, actorID string) (store.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+sessionColumns+` FROM sessions WHERE actor_id = ? AND status = ?`),
		actorID, store.StatusActive)
	return scanSession(row)
}

// ListSessionsByStatus returns sessions in a status, newest activity first.
func (s *Store) ListSessionsByStatus(ctx context.Context, status string, limit int) ([]store.SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY updated_at DESC LIMIT ?`),
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []store.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// EndSession marks an active session terminal without a turn write.
func (s *Store) EndSession(ctx context.Context, id, status string, endedAt time.Time) (store.SessionRecord, error) {
	if status == store.StatusActive {
		return store.SessionRecord{}, errors.New("end status must be terminal")
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE sessions SET status = ?, ended_at = ?, updated_at = ? WHERE id = ? AND status = ?`),
		status, toMillis(endedAt), toMillis(endedAt), id, store.StatusActive)
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already terminal or missing; report what is actually there.
		rec, err := s.GetSession(ctx, id)
		if err != nil {
			return store.SessionRecord{}, err
		}
		return rec, nil
	}
	return s.GetSession(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (store.SessionRecord, error) {
	var (
		rec       store.SessionRecord
		victory   sql.NullInt64
		config    sql.NullString
		startedAt int64
		endedAt   sql.NullInt64
		updatedAt int64
	)
	err := r.Scan(&rec.ID, &rec.ActorID, &rec.ActorKind, &rec.Status, &rec.Turn,
		&victory, &config, &startedAt, &endedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.SessionRecord{}, store.ErrNotFound
		}
		return store.SessionRecord{}, fmt.Errorf("scan session: %w", err)
	}
	if victory.Valid {
		v := victory.Int64 != 0
		rec.Victory = &v
	}
	if config.Valid && config.String != "" {
		rec.Config = json.RawMessage(config.String)
	}
	rec.StartedAt = fromMillis(startedAt)
	if endedAt.Valid {
		t := fromMillis(endedAt.Int64)
		rec.EndedAt = &t
	}
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func boolToNull(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return int64(1)
	}
	return int64(0)
}

func timeToNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// isUniqueViolation detects unique-index conflicts for both backends without
// importing driver error types here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
