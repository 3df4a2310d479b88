package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hazyhaar/chanarchive/dbopen"
)

// Channel is an archived message channel.
type Channel struct {
	ID               string `json:"id"`
	DisplayName      string `json:"display_name,omitempty"`
	Platform         string `json:"platform,omitempty"`
	LastBackfilledAt *int64 `json:"last_backfilled_at,omitempty"`
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}

// UpsertChannel creates the channel or refreshes its metadata. Empty
// display_name and platform never overwrite known values.
func (s *Store) UpsertChannel(ctx context.Context, c *Channel) error {
	now := time.Now().UnixMilli()
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO channels (id, display_name, platform, created_at, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE channels.display_name END,
			platform     = CASE WHEN excluded.platform != '' THEN excluded.platform ELSE channels.platform END,
			updated_at   = excluded.updated_at`,
		c.ID, c.DisplayName, c.Platform, now, now,
	)
	return err
}

// TouchBackfilled sets last_backfilled_at for a completed run.
func (s *Store) TouchBackfilled(ctx context.Context, id string, at time.Time) error {
	ms := at.UnixMilli()
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE channels SET last_backfilled_at = ?, updated_at = ? WHERE id = ?`,
		ms, ms, id)
	return err
}

// GetChannel retrieves a channel by ID. Returns nil, nil when absent.
func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	c := &Channel{}
	var backfilled sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, display_name, platform, last_backfilled_at, created_at, updated_at
		FROM channels WHERE id = ?`, id).Scan(
		&c.ID, &c.DisplayName, &c.Platform, &backfilled, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastBackfilledAt = intPtr(backfilled)
	return c, nil
}

// ListChannels returns all channels ordered by ID.
func (s *Store) ListChannels(ctx context.Context) ([]*Channel, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, display_name, platform, last_backfilled_at, created_at, updated_at
		FROM channels ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		c := &Channel{}
		var backfilled sql.NullInt64
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.Platform, &backfilled, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.LastBackfilledAt = intPtr(backfilled)
		out = append(out, c)
	}
	return out, rows.Err()
}
