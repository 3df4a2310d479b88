// Package telegram reads channel history over MTProto (gotd). History is
// paged newest-first with min_id set to the watermark; the iterator reports
// NewestFirst and the cursor puts records back in id order.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"github.com/hazyhaar/chanarchive/cursor"
)

// HistoryAPI is the part of *tg.Client the source uses.
type HistoryAPI interface {
	MessagesGetHistory(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
}

// Resolver maps a public username to an input peer. peer.DefaultResolver
// satisfies it.
type Resolver interface {
	ResolveDomain(ctx context.Context, domain string) (tg.InputPeerClass, error)
}

// Options configures a Source.
type Options struct {
	PageSize int // default 100
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

// Source is a cursor.Source over Telegram history. Channel ids are public
// usernames ("durov" or "@durov").
type Source struct {
	api      HistoryAPI
	resolver Resolver
	opts     Options
}

// New creates a Source.
func New(api HistoryAPI, resolver Resolver, opts Options) *Source {
	opts.defaults()
	return &Source{api: api, resolver: resolver, opts: opts}
}

func (s *Source) Name() string { return "telegram" }

// Open resolves the username. Unknown or private channels are unavailable.
func (s *Source) Open(ctx context.Context, channelID string, q cursor.Query) (cursor.Iterator, error) {
	p, err := s.resolver.ResolveDomain(ctx, strings.TrimPrefix(channelID, "@"))
	if err != nil {
		return nil, fmt.Errorf("telegram: resolve %s: %w", channelID, err)
	}
	it := &iterator{src: s, channelID: channelID, peer: p, q: q}
	if q.After != nil {
		it.minID = int(*q.After)
	}
	s.opts.Logger.Debug("telegram: peer resolved", "channel_id", channelID, "min_id", it.minID)
	return it, nil
}

type iterator struct {
	src       *Source
	channelID string
	peer      tg.InputPeerClass
	q         cursor.Query
	minID     int
	offsetID  int
	title     string

	page []*cursor.Record
	errs []error
	done bool
}

func (it *iterator) Order() cursor.Order { return cursor.NewestFirst }

func (it *iterator) Describe() cursor.ChannelInfo {
	return cursor.ChannelInfo{DisplayName: it.title, Platform: "telegram"}
}

func (it *iterator) Close() error { return nil }

func (it *iterator) Next(ctx context.Context) (*cursor.Record, error) {
	for len(it.page) == 0 && len(it.errs) == 0 {
		if it.done {
			return nil, io.EOF
		}
		if err := it.fetch(ctx); err != nil {
			return nil, err
		}
	}
	if len(it.errs) > 0 {
		err := it.errs[0]
		it.errs = it.errs[1:]
		return nil, err
	}
	r := it.page[0]
	it.page = it.page[1:]
	return r, nil
}

func (it *iterator) fetch(ctx context.Context) error {
	resp, err := it.src.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     it.peer,
		OffsetID: it.offsetID,
		Limit:    it.src.opts.PageSize,
		MinID:    it.minID,
	})
	if err != nil {
		return fmt.Errorf("telegram: get history offset %d: %w", it.offsetID, err)
	}

	var (
		msgs  []tg.MessageClass
		users []tg.UserClass
		chats []tg.ChatClass
	)
	switch r := resp.(type) {
	case *tg.MessagesMessages:
		msgs, users, chats = r.Messages, r.Users, r.Chats
	case *tg.MessagesMessagesSlice:
		msgs, users, chats = r.Messages, r.Users, r.Chats
	case *tg.MessagesChannelMessages:
		msgs, users, chats = r.Messages, r.Users, r.Chats
	default:
		return fmt.Errorf("telegram: unexpected history response %T", resp)
	}
	if len(msgs) == 0 {
		it.done = true
		return nil
	}

	names := senderNames(users, chats)
	if it.title == "" {
		it.title = channelTitle(it.peer, chats)
	}

	lowest := 0
	for _, mc := range msgs {
		id := mc.GetID()
		if lowest == 0 || id < lowest {
			lowest = id
		}
		m, ok := mc.(*tg.Message)
		if !ok {
			continue // service and empty messages
		}
		rec, err := toRecord(m, it.channelID, names, it.q.SkipMedia)
		if err != nil {
			it.errs = append(it.errs, err)
			continue
		}
		// Newest-first: once below the range, everything else is too.
		if !it.q.From.IsZero() && rec.CreatedAt.Before(startOfDay(it.q.From)) {
			it.done = true
			break
		}
		it.page = append(it.page, rec)
	}

	if lowest <= it.minID+1 || len(msgs) < it.src.opts.PageSize {
		it.done = true
	}
	it.offsetID = lowest
	return nil
}

func toRecord(m *tg.Message, channelID string, names map[string]string, skipMedia bool) (*cursor.Record, error) {
	if m.Date == 0 {
		return nil, &cursor.RecordError{MessageID: int64(m.ID), Err: fmt.Errorf("message without date")}
	}
	rec := &cursor.Record{
		MessageID: int64(m.ID),
		ChannelID: channelID,
		CreatedAt: time.Unix(int64(m.Date), 0).UTC(),
	}
	if ed, ok := m.GetEditDate(); ok && ed > 0 {
		t := time.Unix(int64(ed), 0).UTC()
		rec.EditedAt = &t
	}
	if m.Message != "" {
		rec.Body = cursor.StringPtr(m.Message)
	}

	if from, ok := m.GetFromID(); ok {
		rec.AuthorID = peerKey(from)
	} else {
		// Channel posts are authored by the channel itself.
		rec.AuthorID = peerKey(m.PeerID)
	}
	rec.AuthorName = names[rec.AuthorID]
	if sig, ok := m.GetPostAuthor(); ok && sig != "" {
		rec.AuthorName = sig
	}

	if rh, ok := m.GetReplyTo(); ok {
		if h, ok := rh.(*tg.MessageReplyHeader); ok {
			if rid, ok := h.GetReplyToMsgID(); ok {
				v := int64(rid)
				rec.ReplyTo = &v
			}
		}
	}

	if media, ok := m.GetMedia(); ok && !skipMedia {
		if a, ok := attachment(media); ok {
			rec.Attachments = []cursor.Attachment{a}
		}
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, &cursor.RecordError{MessageID: rec.MessageID, Err: fmt.Errorf("marshal raw: %w", err)}
	}
	rec.Raw = raw
	return rec, nil
}

func attachment(media tg.MessageMediaClass) (cursor.Attachment, bool) {
	switch md := media.(type) {
	case *tg.MessageMediaPhoto:
		if p, ok := md.GetPhoto(); ok {
			if photo, ok := p.(*tg.Photo); ok {
				return cursor.Attachment{ID: strconv.FormatInt(photo.ID, 10), ContentType: "image/jpeg"}, true
			}
		}
	case *tg.MessageMediaDocument:
		if d, ok := md.GetDocument(); ok {
			if doc, ok := d.(*tg.Document); ok {
				a := cursor.Attachment{ID: strconv.FormatInt(doc.ID, 10), ContentType: doc.MimeType, Size: int64(doc.Size)}
				for _, attr := range doc.Attributes {
					if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
						a.Filename = fn.FileName
					}
				}
				return a, true
			}
		}
	case *tg.MessageMediaWebPage:
		if w, ok := md.Webpage.(*tg.WebPage); ok {
			return cursor.Attachment{URL: w.URL, ContentType: "text/html"}, true
		}
	}
	return cursor.Attachment{}, false
}

// peerKey renders a peer as "user:<id>", "chat:<id>" or "channel:<id>".
func peerKey(p tg.PeerClass) string {
	switch v := p.(type) {
	case *tg.PeerUser:
		return "user:" + strconv.FormatInt(v.UserID, 10)
	case *tg.PeerChat:
		return "chat:" + strconv.FormatInt(v.ChatID, 10)
	case *tg.PeerChannel:
		return "channel:" + strconv.FormatInt(v.ChannelID, 10)
	}
	return ""
}

func senderNames(users []tg.UserClass, chats []tg.ChatClass) map[string]string {
	names := make(map[string]string, len(users)+len(chats))
	for _, uc := range users {
		u, ok := uc.(*tg.User)
		if !ok {
			continue
		}
		name := u.Username
		if name == "" {
			name = strings.TrimSpace(u.FirstName + " " + u.LastName)
		}
		names["user:"+strconv.FormatInt(u.ID, 10)] = name
	}
	for _, cc := range chats {
		switch c := cc.(type) {
		case *tg.Channel:
			names["channel:"+strconv.FormatInt(c.ID, 10)] = c.Title
		case *tg.Chat:
			names["chat:"+strconv.FormatInt(c.ID, 10)] = c.Title
		}
	}
	return names
}

func channelTitle(p tg.InputPeerClass, chats []tg.ChatClass) string {
	var id int64
	switch v := p.(type) {
	case *tg.InputPeerChannel:
		id = v.ChannelID
	case *tg.InputPeerChat:
		id = v.ChatID
	default:
		return ""
	}
	for _, cc := range chats {
		switch c := cc.(type) {
		case *tg.Channel:
			if c.ID == id {
				return c.Title
			}
		case *tg.Chat:
			if c.ID == id {
				return c.Title
			}
		}
	}
	return ""
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
