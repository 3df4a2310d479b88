package cursor

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is one message as produced by a Source.
type Record struct {
	MessageID   int64           `json:"message_id"`
	ChannelID   string          `json:"channel_id"`
	AuthorID    string          `json:"author_id,omitempty"`
	AuthorName  string          `json:"author_name,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	EditedAt    *time.Time      `json:"edited_at,omitempty"`
	Body        *string         `json:"body,omitempty"`
	ReplyTo     *int64          `json:"reply_to,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Attachment describes a media item attached to a message.
type Attachment struct {
	ID          string `json:"id,omitempty"`
	Filename    string `json:"filename,omitempty"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Validate checks the two fields every guarantee of the cursor depends on.
func (r *Record) Validate() error {
	if r.MessageID <= 0 {
		return fmt.Errorf("%w: message id %d", ErrInvalidRecord, r.MessageID)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: message %d has no timestamp", ErrInvalidRecord, r.MessageID)
	}
	return nil
}

// StringPtr is a convenience for building records with a body.
func StringPtr(s string) *string { return &s }
