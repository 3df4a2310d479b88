// Package discordapi reads channel history through the Discord REST API
// (discordgo). Pages are requested with after=<watermark> and reversed, so
// records come out oldest-first.
package discordapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hazyhaar/chanarchive/cursor"
)

// discordEpoch is the Discord snowflake epoch in unix milliseconds.
const discordEpoch = 1420070400000

// API is the subset of *discordgo.Session the source needs.
type API interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// Options configures a Source.
type Options struct {
	PageSize int // 1..100, default 100
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.PageSize <= 0 || o.PageSize > 100 {
		o.PageSize = 100
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Source is a cursor.Source over the Discord REST API.
type Source struct {
	api  API
	opts Options
}

// New wraps an API client, typically a *discordgo.Session.
func New(api API, opts Options) *Source {
	opts.defaults()
	return &Source{api: api, opts: opts}
}

// NewSession creates a discordgo session from a token. Bot tokens get the
// "Bot " prefix discordgo expects.
func NewSession(token string, bot bool) (*discordgo.Session, error) {
	if bot {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("discordapi: new session: %w", err)
	}
	return s, nil
}

func (s *Source) Name() string { return "discord" }

// Open resolves the channel. Any error (unknown channel, missing access,
// bad token) means the source is unavailable.
func (s *Source) Open(ctx context.Context, channelID string, q cursor.Query) (cursor.Iterator, error) {
	ch, err := s.api.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discordapi: resolve channel %s: %w", channelID, err)
	}

	var after int64
	switch {
	case q.After != nil:
		after = *q.After
	case !q.From.IsZero():
		if sf := SnowflakeFromTime(startOfDay(q.From)); sf > 0 {
			after = sf - 1
		}
	}

	it := &iterator{
		src:       s,
		channelID: channelID,
		name:      ch.Name,
		after:     after,
		skipMedia: q.SkipMedia,
	}
	if !q.To.IsZero() {
		it.until = startOfDay(q.To).AddDate(0, 0, 1)
	}
	s.opts.Logger.Debug("discordapi: channel resolved", "channel_id", channelID, "name", ch.Name, "after", after)
	return it, nil
}

type iterator struct {
	src       *Source
	channelID string
	name      string
	after     int64
	until     time.Time
	skipMedia bool

	page []*discordgo.Message
	done bool
}

func (it *iterator) Next(ctx context.Context) (*cursor.Record, error) {
	for len(it.page) == 0 {
		if it.done {
			return nil, io.EOF
		}
		if err := it.fetch(ctx); err != nil {
			return nil, err
		}
	}

	m := it.page[0]
	it.page = it.page[1:]

	rec, err := toRecord(m, it.channelID, it.skipMedia)
	if err != nil {
		return nil, err
	}
	if !it.until.IsZero() && !rec.CreatedAt.Before(it.until) {
		// Oldest-first: everything after this is past the range too.
		it.page, it.done = nil, true
		return nil, io.EOF
	}
	return rec, nil
}

func (it *iterator) fetch(ctx context.Context) error {
	msgs, err := it.src.api.ChannelMessages(it.channelID, it.src.opts.PageSize, "",
		strconv.FormatInt(it.after, 10), "", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discordapi: fetch after %d: %w", it.after, err)
	}
	if len(msgs) == 0 {
		it.done = true
		return nil
	}

	// Discord returns newest first within a page.
	sort.SliceStable(msgs, func(i, j int) bool { return snowflakeLess(msgs[i].ID, msgs[j].ID) })
	prev := it.after
	for _, m := range msgs {
		if id, err := strconv.ParseInt(m.ID, 10, 64); err == nil && id > it.after {
			it.after = id
		}
	}
	if len(msgs) < it.src.opts.PageSize || it.after == prev {
		it.done = true
	}
	it.page = msgs
	return nil
}

func (it *iterator) Close() error { return nil }

func (it *iterator) Describe() cursor.ChannelInfo {
	return cursor.ChannelInfo{DisplayName: it.name, Platform: "discord"}
}

func toRecord(m *discordgo.Message, channelID string, skipMedia bool) (*cursor.Record, error) {
	id, err := strconv.ParseInt(m.ID, 10, 64)
	if err != nil {
		return nil, &cursor.RecordError{Err: fmt.Errorf("snowflake %q: %w", m.ID, err)}
	}

	rec := &cursor.Record{
		MessageID: id,
		ChannelID: channelID,
		CreatedAt: m.Timestamp.UTC(),
		EditedAt:  m.EditedTimestamp,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = SnowflakeTime(id)
	}
	if m.Author != nil {
		rec.AuthorID = m.Author.ID
		rec.AuthorName = m.Author.Username
		if m.Author.GlobalName != "" {
			rec.AuthorName = m.Author.GlobalName
		}
	}
	if m.Content != "" {
		rec.Body = cursor.StringPtr(m.Content)
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		if ref, err := strconv.ParseInt(m.MessageReference.MessageID, 10, 64); err == nil {
			rec.ReplyTo = &ref
		}
	}
	if !skipMedia {
		for _, a := range m.Attachments {
			rec.Attachments = append(rec.Attachments, cursor.Attachment{
				ID:          a.ID,
				Filename:    a.Filename,
				URL:         a.URL,
				ContentType: a.ContentType,
				Size:        int64(a.Size),
			})
		}
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, &cursor.RecordError{MessageID: id, Err: fmt.Errorf("marshal raw: %w", err)}
	}
	rec.Raw = raw
	return rec, nil
}

// SnowflakeTime decodes the creation time embedded in a Discord id.
func SnowflakeTime(id int64) time.Time {
	return time.UnixMilli((id >> 22) + discordEpoch).UTC()
}

// SnowflakeFromTime returns the smallest snowflake created at t.
func SnowflakeFromTime(t time.Time) int64 {
	ms := t.UnixMilli() - discordEpoch
	if ms < 0 {
		return 0
	}
	return ms << 22
}

func snowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
