package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SetLayout upserts a user's dashboard layout JSON.
func (s *Store) SetLayout(ctx context.Context, userID, layout string) error {
	if userID == "" {
		return fmt.Errorf("user_id must be non-empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dashboard_layouts (user_id, layout, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET layout = excluded.layout, updated_at = excluded.updated_at`,
		userID, layout, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set layout: %w", err)
	}
	return nil
}

// Layout returns the stored dashboard layout for a user. A user who never
// saved one gets an empty widget list rather than an error.
func (s *Store) Layout(ctx context.Context, userID string) (string, error) {
	var layout string
	err := s.db.QueryRowContext(ctx,
		`SELECT layout FROM dashboard_layouts WHERE user_id = ?`, userID,
	).Scan(&layout)
	if err == sql.ErrNoRows {
		return `{"widgets":[]}`, nil
	}
	if err != nil {
		return "", fmt.Errorf("get layout: %w", err)
	}
	return layout, nil
}
