package persistence

import (
	"context"
	"fmt"
	"time"
)

// Artifact records one file change a tool made during a turn: the operation
// class, the full before/after content, and the unified diff.
type Artifact struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	Tool      string    `json:"tool"`
	Operation string    `json:"operation"`
	Before    string    `json:"before"`
	After     string    `json:"after"`
	Diff      string    `json:"diff"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveArtifact stores a file change and returns its id.
func (s *Store) SaveArtifact(ctx context.Context, a Artifact) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO artifacts (session_id, path, tool, operation, before_content, after_content, diff, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, a.SessionID, a.Path, a.Tool, a.Operation, a.Before, a.After, a.Diff)
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("artifact last insert id: %w", err)
		}
		return nil
	})
	return id, err
}

// ListArtifacts returns a session's artifacts in insertion order.
func (s *Store) ListArtifacts(ctx context.Context, sessionID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, path, tool, operation, before_content, after_content, diff, created_at
		FROM artifacts
		WHERE session_id = ?
		ORDER BY id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Path, &a.Tool, &a.Operation, &a.Before, &a.After, &a.Diff, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("artifact rows: %w", err)
	}
	return out, nil
}
