package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seancelabs/seance/pkg/store"
)

const eventColumns = "id, kind, session_id, actor_kind, actor, turn, sanity, location, message, item_name, created_at"

// AppendEvent stores a board event with the next strictly increasing global
// id and opportunistically trims events beyond the retention window.
func (s *Store) AppendEvent(ctx context.Context, e store.EventRecord) (store.EventRecord, error) {
	if e.Kind == "" || e.SessionID == "" {
		return store.EventRecord{}, errors.New("event kind and session id are required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	// Column precision is milliseconds; echo what a later read will see.
	e.CreatedAt = fromMillis(toMillis(e.CreatedAt))

	var id int64
	if s.dialect == dialectPostgres {
		err := s.db.QueryRowContext(ctx, s.q(
			`INSERT INTO board_events (kind, session_id, actor_kind, actor, turn, sanity, location, message, item_name, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			e.Kind, e.SessionID, e.ActorKind, e.Actor, e.Turn, e.Sanity,
			e.Location, e.Message, e.ItemName, toMillis(e.CreatedAt),
		).Scan(&id)
		if err != nil {
			return store.EventRecord{}, fmt.Errorf("append event: %w", err)
		}
	} else {
		res, err := s.db.ExecContext(ctx, s.q(
			`INSERT INTO board_events (kind, session_id, actor_kind, actor, turn, sanity, location, message, item_name, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			e.Kind, e.SessionID, e.ActorKind, e.Actor, e.Turn, e.Sanity,
			e.Location, e.Message, e.ItemName, toMillis(e.CreatedAt),
		)
		if err != nil {
			return store.EventRecord{}, fmt.Errorf("append event: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return store.EventRecord{}, fmt.Errorf("append event id: %w", err)
		}
	}
	e.ID = id

	cutoff := toMillis(e.CreatedAt.Add(-EventRetention))
	if _, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM board_events WHERE created_at < ?`), cutoff); err != nil {
		// Trim failures never fail the append.
		return e, nil
	}
	return e, nil
}

// ListEventsAfter returns events with id > afterID in ascending id order.
func (s *Store) ListEventsAfter(ctx context.Context, afterID int64, limit int) ([]store.EventRecord, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+eventColumns+` FROM board_events WHERE id > ? ORDER BY id ASC LIMIT ?`),
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListRecentEvents returns the newest events, ascending by id.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]store.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+eventColumns+` FROM (
			SELECT `+eventColumns+` FROM board_events ORDER BY id DESC LIMIT ?
		) recent ORDER BY id ASC`), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// LatestEventID returns the maximum assigned event id, 0 for an empty log.
func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM board_events`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

func collectEvents(rows *sql.Rows) ([]store.EventRecord, error) {
	var out []store.EventRecord
	for rows.Next() {
		var (
			rec       store.EventRecord
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.SessionID, &rec.ActorKind, &rec.Actor,
			&rec.Turn, &rec.Sanity, &rec.Location, &rec.Message, &rec.ItemName, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.CreatedAt = fromMillis(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
