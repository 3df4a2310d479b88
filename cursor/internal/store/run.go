package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hazyhaar/chanarchive/dbopen"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// Run is one extraction run log row.
type Run struct {
	ID              string `json:"id"`
	ChannelID       string `json:"channel_id"`
	Source          string `json:"source"`
	Status          string `json:"status"`
	StartedAt       int64  `json:"started_at"`
	EndedAt         *int64 `json:"ended_at,omitempty"`
	WatermarkBefore *int64 `json:"watermark_before,omitempty"`
	LastMessageID   *int64 `json:"last_message_id,omitempty"`
	LastMessageAt   *int64 `json:"last_message_at,omitempty"`
	Written         int    `json:"written"`
	Skipped         int    `json:"skipped"`
	Rejected        int    `json:"rejected"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// InsertRun records a run. Used with RunRunning at start, or directly with
// a terminal status for runs that never got going.
func (s *Store) InsertRun(ctx context.Context, r *Run) error {
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO extraction_runs (id, channel_id, source, status, started_at, ended_at,
			watermark_before, last_message_id, last_message_at, written, skipped, rejected, error_message)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.ChannelID, r.Source, r.Status, r.StartedAt, nullInt(r.EndedAt),
		nullInt(r.WatermarkBefore), nullInt(r.LastMessageID), nullInt(r.LastMessageAt),
		r.Written, r.Skipped, r.Rejected, r.ErrorMessage,
	)
	return err
}

// UpdateRunProgress stores intermediate counters of a running run.
func (s *Store) UpdateRunProgress(ctx context.Context, r *Run) error {
	_, err := dbopen.Exec(ctx, s.DB, `
		UPDATE extraction_runs
		SET last_message_id = ?, last_message_at = ?, written = ?, skipped = ?, rejected = ?
		WHERE id = ? AND status = 'running'`,
		nullInt(r.LastMessageID), nullInt(r.LastMessageAt), r.Written, r.Skipped, r.Rejected, r.ID,
	)
	return err
}

// FinishRun closes a run with its terminal status and final counters.
func (s *Store) FinishRun(ctx context.Context, r *Run) error {
	_, err := dbopen.Exec(ctx, s.DB, `
		UPDATE extraction_runs
		SET status = ?, ended_at = ?, last_message_id = ?, last_message_at = ?,
		    written = ?, skipped = ?, rejected = ?, error_message = ?
		WHERE id = ?`,
		r.Status, nullInt(r.EndedAt), nullInt(r.LastMessageID), nullInt(r.LastMessageAt),
		r.Written, r.Skipped, r.Rejected, r.ErrorMessage, r.ID,
	)
	return err
}

// GetRun retrieves a run by ID. Returns nil, nil when absent.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	runs, err := s.queryRuns(ctx, `WHERE id = ?`, id)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// ListRuns returns the most recent runs of a channel, newest first.
func (s *Store) ListRuns(ctx context.Context, channelID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRuns(ctx, `WHERE channel_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`, channelID, limit)
}

func (s *Store) queryRuns(ctx context.Context, tail string, args ...any) ([]*Run, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, channel_id, source, status, started_at, ended_at, watermark_before,
		       last_message_id, last_message_at, written, skipped, rejected, error_message
		FROM extraction_runs `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r := &Run{}
		var ended, before, lastID, lastAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.Source, &r.Status, &r.StartedAt, &ended, &before,
			&lastID, &lastAt, &r.Written, &r.Skipped, &r.Rejected, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.EndedAt = intPtr(ended)
		r.WatermarkBefore = intPtr(before)
		r.LastMessageID = intPtr(lastID)
		r.LastMessageAt = intPtr(lastAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}
