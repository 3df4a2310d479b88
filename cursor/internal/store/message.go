package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/chanarchive/dbopen"
)

// Message is one stored channel message. Timestamps are unix milliseconds.
type Message struct {
	ChannelID  string  `json:"channel_id"`
	MessageID  int64   `json:"message_id"`
	AuthorID   string  `json:"author_id,omitempty"`
	AuthorName string  `json:"author_name,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	EditedAt   *int64  `json:"edited_at,omitempty"`
	Body       *string `json:"body,omitempty"`
	ReplyTo    *int64  `json:"reply_to,omitempty"`
	HasMedia   bool    `json:"has_media"`
	MediaJSON  string  `json:"media_json,omitempty"`
	RawPath    string  `json:"raw_path,omitempty"`
	Processed  bool    `json:"processed"`
	IngestedAt int64   `json:"ingested_at"`
}

// Stats summarises a channel's stored messages.
type Stats struct {
	ChannelID       string `json:"channel_id"`
	Messages        int64  `json:"messages"`
	Unprocessed     int64  `json:"unprocessed"`
	DistinctAuthors int64  `json:"distinct_authors"`
	FirstMessageAt  *int64 `json:"first_message_at,omitempty"`
	LastMessageAt   *int64 `json:"last_message_at,omitempty"`
	MaxMessageID    *int64 `json:"max_message_id,omitempty"`
}

// ListOptions selects messages for downstream consumers.
type ListOptions struct {
	After           int64
	Limit           int
	UnprocessedOnly bool
}

// MaxMessageID returns the highest stored message id for a channel, or nil
// when the channel has no messages.
func (s *Store) MaxMessageID(ctx context.Context, channelID string) (*int64, error) {
	var max sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT MAX(message_id) FROM messages WHERE channel_id = ?`, channelID).Scan(&max)
	if err != nil {
		return nil, err
	}
	return intPtr(max), nil
}

// InsertMessage writes m unless (channel_id, message_id) already exists.
// It reports whether a row was inserted. The write is its own autocommit
// statement, retried on SQLITE_BUSY.
func (s *Store) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	res, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO messages (channel_id, message_id, author_id, author_name, created_at,
			edited_at, body, reply_to, has_media, media_json, raw_path, ingested_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(channel_id, message_id) DO NOTHING`,
		m.ChannelID, m.MessageID, m.AuthorID, m.AuthorName, m.CreatedAt,
		nullInt(m.EditedAt), m.Body, nullInt(m.ReplyTo), boolInt(m.HasMedia),
		m.MediaJSON, m.RawPath, m.IngestedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetMessage returns one message or nil, nil.
func (s *Store) GetMessage(ctx context.Context, channelID string, messageID int64) (*Message, error) {
	msgs, err := s.queryMessages(ctx, `WHERE channel_id = ? AND message_id = ?`, channelID, messageID)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// ListMessages returns messages with id > opts.After in id order.
func (s *Store) ListMessages(ctx context.Context, channelID string, opts ListOptions) ([]*Message, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	where := `WHERE channel_id = ? AND message_id > ?`
	if opts.UnprocessedOnly {
		where += ` AND processed = 0`
	}
	return s.queryMessages(ctx, where+` ORDER BY message_id LIMIT ?`, channelID, opts.After, opts.Limit)
}

// MarkProcessed flags messages as consumed downstream and returns how many
// rows changed.
func (s *Store) MarkProcessed(ctx context.Context, channelID string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		total = 0
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE messages SET processed = 1 WHERE channel_id = ? AND message_id = ? AND processed = 0`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			res, err := stmt.ExecContext(ctx, channelID, id)
			if err != nil {
				return fmt.Errorf("mark %d: %w", id, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

// ChannelStats computes message counts and bounds for a channel.
func (s *Store) ChannelStats(ctx context.Context, channelID string) (*Stats, error) {
	st := &Stats{ChannelID: channelID}
	var first, last, maxID sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN processed = 0 THEN 1 ELSE 0 END), 0),
		       COUNT(DISTINCT NULLIF(author_id, '')),
		       MIN(created_at), MAX(created_at), MAX(message_id)
		FROM messages WHERE channel_id = ?`, channelID).Scan(
		&st.Messages, &st.Unprocessed, &st.DistinctAuthors, &first, &last, &maxID,
	)
	if err != nil {
		return nil, err
	}
	st.FirstMessageAt = intPtr(first)
	st.LastMessageAt = intPtr(last)
	st.MaxMessageID = intPtr(maxID)
	return st, nil
}

func (s *Store) queryMessages(ctx context.Context, tail string, args ...any) ([]*Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT channel_id, message_id, author_id, author_name, created_at, edited_at,
		       body, reply_to, has_media, media_json, raw_path, processed, ingested_at
		FROM messages `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var edited, reply sql.NullInt64
		var body sql.NullString
		var hasMedia, processed int
		if err := rows.Scan(&m.ChannelID, &m.MessageID, &m.AuthorID, &m.AuthorName, &m.CreatedAt,
			&edited, &body, &reply, &hasMedia, &m.MediaJSON, &m.RawPath, &processed, &m.IngestedAt); err != nil {
			return nil, err
		}
		m.EditedAt = intPtr(edited)
		m.ReplyTo = intPtr(reply)
		if body.Valid {
			b := body.String
			m.Body = &b
		}
		m.HasMedia = hasMedia == 1
		m.Processed = processed == 1
		out = append(out, m)
	}
	return out, rows.Err()
}
