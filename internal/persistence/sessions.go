package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	SessionStatusActive = "active"
	SessionStatusClosed = "closed"
)

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	ID           string    `json:"id"`
	Bundle       string    `json:"bundle"`
	Behaviors    []string  `json:"behaviors"`
	Cwd          string    `json:"cwd"`
	TurnCount    int       `json:"turn_count"`
	ShowThinking bool      `json:"show_thinking"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SaveSession upserts a session row, bumping updated_at.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("session record without id")
	}
	if rec.Status == "" {
		rec.Status = SessionStatusActive
	}
	behaviors, err := json.Marshal(rec.Behaviors)
	if err != nil {
		return fmt.Errorf("marshal behaviors: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, bundle, behaviors, cwd, turn_count, show_thinking, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				bundle = excluded.bundle,
				behaviors = excluded.behaviors,
				cwd = excluded.cwd,
				turn_count = excluded.turn_count,
				show_thinking = excluded.show_thinking,
				status = excluded.status,
				updated_at = CURRENT_TIMESTAMP;
		`, rec.ID, rec.Bundle, string(behaviors), rec.Cwd, rec.TurnCount, rec.ShowThinking, rec.Status)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

// GetSession returns the record for id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	var behaviors string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bundle, behaviors, cwd, turn_count, show_thinking, status, created_at, updated_at
		FROM sessions
		WHERE id = ?;
	`, id).Scan(&rec.ID, &rec.Bundle, &behaviors, &rec.Cwd, &rec.TurnCount, &rec.ShowThinking, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("select session: %w", err)
	}
	if err := json.Unmarshal([]byte(behaviors), &rec.Behaviors); err != nil {
		return SessionRecord{}, fmt.Errorf("unmarshal behaviors: %w", err)
	}
	return rec, nil
}

// ListSessions returns recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bundle, behaviors, cwd, turn_count, show_thinking, status, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var behaviors string
		if err := rows.Scan(&rec.ID, &rec.Bundle, &behaviors, &rec.Cwd, &rec.TurnCount, &rec.ShowThinking, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(behaviors), &rec.Behaviors); err != nil {
			return nil, fmt.Errorf("unmarshal behaviors: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session and, via FK cascade, its messages and
// artifacts.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete session rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// PruneSessionsBefore deletes closed sessions not updated since cutoff and
// returns how many were removed.
func (s *Store) PruneSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM sessions
			WHERE status = ? AND updated_at < ?;
		`, SessionStatusClosed, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("prune sessions: %w", err)
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune rows affected: %w", err)
		}
		return nil
	})
	return pruned, err
}
