package store

import (
	"context"

	"upwatch/internal/model"
)

// InsertHistory appends one evaluation record.
func (s *Store) InsertHistory(ctx context.Context, rec model.HistoryRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO check_history (check_id, at, status, status_code, response_time_ms, detailed_status, error)
		VALUES (:check_id, :at, :status, :status_code, :response_time_ms, :detailed_status, :error)`,
		rec,
	)
	return err
}

// FlushHistory is a no-op for sqlite: inserts are durable immediately.
// The contract exists for buffered analytics backends.
func (s *Store) FlushHistory(context.Context) error { return nil }

// RecentHistory returns the latest records for one check, newest first.
func (s *Store) RecentHistory(ctx context.Context, checkID string, limit int) ([]model.HistoryRecord, error) {
	var out []model.HistoryRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT check_id, at, status, status_code, response_time_ms, detailed_status, error
		FROM check_history WHERE check_id = ?
		ORDER BY at DESC LIMIT ?`,
		checkID, limit,
	)
	return out, err
}
