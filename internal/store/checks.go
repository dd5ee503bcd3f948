package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"upwatch/internal/model"
	"upwatch/internal/runner"
)

// DuePage returns up to limit enabled checks due at now, ordered by
// (next_check_at, id), resuming strictly after the keyset cursor.
func (s *Store) DuePage(ctx context.Context, now int64, after runner.Cursor, limit int) ([]model.Check, error) {
	var out []model.Check
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM checks
		WHERE enabled = 1
		  AND next_check_at <= ?
		  AND (next_check_at > ? OR (next_check_at = ? AND id > ?))
		ORDER BY next_check_at, id
		LIMIT ?`,
		now, after.NextCheckAt, after.NextCheckAt, after.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due page: %w", err)
	}
	return out, nil
}

// GetCheck fetches one check by id.
func (s *Store) GetCheck(ctx context.Context, id string) (model.Check, error) {
	var c model.Check
	err := s.db.GetContext(ctx, &c, `SELECT * FROM checks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("check %q not found", id)
	}
	return c, err
}

// UpsertCheck registers or replaces a check definition.
func (s *Store) UpsertCheck(ctx context.Context, c model.Check) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO checks (
			id, url, enabled, frequency_minutes, next_check_at, status,
			last_status_code, detailed_status, last_error, last_checked_at,
			response_time_ms, consecutive_fails, consecutive_oks,
			pending_down_alert, pending_down_since, pending_up_alert,
			pending_up_since, immediate_recheck, disabled_reason, ssl_expires_at
		) VALUES (
			:id, :url, :enabled, :frequency_minutes, :next_check_at, :status,
			:last_status_code, :detailed_status, :last_error, :last_checked_at,
			:response_time_ms, :consecutive_fails, :consecutive_oks,
			:pending_down_alert, :pending_down_since, :pending_up_alert,
			:pending_up_since, :immediate_recheck, :disabled_reason, :ssl_expires_at
		)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			enabled = excluded.enabled,
			frequency_minutes = excluded.frequency_minutes,
			next_check_at = excluded.next_check_at,
			immediate_recheck = excluded.immediate_recheck`,
		c,
	)
	return err
}

// FlushStatus applies buffered partial updates in one transaction.
// Only fields actually set on each update are written.
func (s *Store) FlushStatus(ctx context.Context, updates map[string]model.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("flush status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for id, u := range updates {
		set, args := updateClause(u)
		if len(set) == 0 {
			continue
		}
		args = append(args, id)
		q := fmt.Sprintf(`UPDATE checks SET %s WHERE id = ?`, strings.Join(set, ", "))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("flush status %q: %w", id, err)
		}
	}
	return tx.Commit()
}

func updateClause(u model.StatusUpdate) (set []string, args []any) {
	add := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}
	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.LastStatusCode != nil {
		add("last_status_code", *u.LastStatusCode)
	}
	if u.DetailedStatus != nil {
		add("detailed_status", *u.DetailedStatus)
	}
	if u.LastError != nil {
		add("last_error", *u.LastError)
	}
	if u.LastCheckedAt != nil {
		add("last_checked_at", *u.LastCheckedAt)
	}
	if u.NextCheckAt != nil {
		add("next_check_at", *u.NextCheckAt)
	}
	if u.ResponseTimeMS != nil {
		add("response_time_ms", *u.ResponseTimeMS)
	}
	if u.ConsecutiveFails != nil {
		add("consecutive_fails", *u.ConsecutiveFails)
	}
	if u.ConsecutiveOKs != nil {
		add("consecutive_oks", *u.ConsecutiveOKs)
	}
	if u.PendingDownAlert != nil {
		add("pending_down_alert", *u.PendingDownAlert)
	}
	if u.PendingDownSince != nil {
		add("pending_down_since", *u.PendingDownSince)
	}
	if u.PendingUpAlert != nil {
		add("pending_up_alert", *u.PendingUpAlert)
	}
	if u.PendingUpSince != nil {
		add("pending_up_since", *u.PendingUpSince)
	}
	if u.Enabled != nil {
		add("enabled", *u.Enabled)
	}
	if u.DisabledReason != nil {
		add("disabled_reason", *u.DisabledReason)
	}
	if u.SSLExpiresAt != nil {
		add("ssl_expires_at", *u.SSLExpiresAt)
	}
	return set, args
}
