package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Heartbeat tick status tags.
const (
	TickStatusOK             = "ok"
	TickStatusEscalated      = "escalated"
	TickStatusError          = "error"
	TickStatusBudgetExceeded = "budget_exceeded"
)

// TickRecord is one heartbeat ledger entry.
type TickRecord struct {
	ID              string
	UserID          string
	Status          string
	Escalated       bool
	TriageTokensIn  int
	TriageTokensOut int
	ActionTokensIn  int
	ActionTokensOut int
	CostUSD         float64
	Summary         string
	CreatedAt       time.Time
}

// RecordTick appends a heartbeat ledger entry. The id is assigned if empty.
func (s *Store) RecordTick(ctx context.Context, rec TickRecord) error {
	if rec.UserID == "" {
		return fmt.Errorf("user_id must be non-empty")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO heartbeat_log
			(id, user_id, status, escalated, triage_tokens_in, triage_tokens_out,
			 action_tokens_in, action_tokens_out, cost_usd, summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Status, boolToInt(rec.Escalated),
		rec.TriageTokensIn, rec.TriageTokensOut,
		rec.ActionTokensIn, rec.ActionTokensOut,
		rec.CostUSD, rec.Summary, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record tick: %w", err)
	}
	return nil
}

// DailyCost sums the heartbeat cost for a user since UTC midnight of the
// given instant. The day boundary is a single fixed time zone (UTC);
// cross-timezone users see UTC resets. Known limitation.
func (s *Store) DailyCost(ctx context.Context, userID string, now time.Time) (float64, error) {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM heartbeat_log
		 WHERE user_id = ? AND created_at >= ?`,
		userID, dayStart.Format(time.RFC3339Nano),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("daily cost: %w", err)
	}
	return total, nil
}

// RecentTicks returns the newest ledger entries for a user, newest first.
func (s *Store) RecentTicks(ctx context.Context, userID string, limit int) ([]TickRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, status, escalated, triage_tokens_in, triage_tokens_out,
			action_tokens_in, action_tokens_out, cost_usd, COALESCE(summary, ''), created_at
		 FROM heartbeat_log WHERE user_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent ticks: %w", err)
	}
	defer rows.Close()

	var out []TickRecord
	for rows.Next() {
		var rec TickRecord
		var escalated int
		var createdAt string
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.Status, &escalated,
			&rec.TriageTokensIn, &rec.TriageTokensOut,
			&rec.ActionTokensIn, &rec.ActionTokensOut,
			&rec.CostUSD, &rec.Summary, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		rec.Escalated = escalated != 0
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
