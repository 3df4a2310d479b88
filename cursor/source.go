package cursor

import (
	"context"
	"time"
)

// Query is what the cursor asks of a source when opening it. After is the
// channel's watermark; a source may use it to avoid fetching known messages
// but the cursor discards id <= After regardless.
type Query struct {
	After     *int64
	From, To  time.Time
	SkipMedia bool
}

// Source produces messages for a channel.
type Source interface {
	// Name identifies the source in logs and the run log ("discord", "replay", ...).
	Name() string
	// Open starts a read. An error means the source is unavailable and
	// fails the run before anything is written.
	Open(ctx context.Context, channelID string, q Query) (Iterator, error)
}

// Iterator is a pull-based message stream.
//
// Next returns io.EOF when the stream is exhausted, a *RecordError for a
// problem confined to one record, and any other error for a broken stream.
type Iterator interface {
	Next(ctx context.Context) (*Record, error)
	Close() error
}

// Order is the id order an iterator yields records in.
type Order int

const (
	OldestFirst Order = iota
	NewestFirst
)

// Ordered is implemented by iterators that know their order. Iterators
// without it are assumed OldestFirst. NewestFirst iterators must be finite:
// the cursor drains and sorts them before writing anything.
type Ordered interface {
	Order() Order
}

// ChannelInfo is channel metadata a source learned while opening.
type ChannelInfo struct {
	DisplayName string
	Platform    string
}

// Describer is implemented by iterators that can name their channel.
type Describer interface {
	Describe() ChannelInfo
}
