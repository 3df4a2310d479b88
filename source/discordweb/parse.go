package discordweb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/bwmarrin/discordgo"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/hazyhaar/chanarchive/cursor"
)

const (
	itemPrefix    = "chat-messages-"
	contentPrefix = "message-content-"
	replyPrefix   = "message-reply-context-"
)

var (
	avatarRe = regexp.MustCompile(`/avatars/(\d+)/`)

	sanitizer = bluemonday.UGCPolicy()
	mdConv    = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
)

// Page is what one HTML snapshot yielded for a channel.
type Page struct {
	Records []*cursor.Record
	Errors  []*cursor.RecordError
}

// rawMessage is the archived form of a scraped message.
type rawMessage struct {
	ID       string `json:"id"`
	Author   string `json:"author,omitempty"`
	AuthorID string `json:"author_id,omitempty"`
	Datetime string `json:"datetime,omitempty"`
	HTML     string `json:"html,omitempty"`
}

// ParseHTML extracts the messages of channelID from a Discord web client
// snapshot. Message list items carry id="chat-messages-<channel>-<message>".
// Grouped follow-up messages have no author header and inherit the author
// of the previous message.
func ParseHTML(r io.Reader, channelID string) (*Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("discordweb: parse html: %w", err)
	}

	page := &Page{}
	var author, authorID string
	prefix := itemPrefix + channelID + "-"

	walk(doc, func(n *html.Node) bool {
		id := attr(n, "id")
		if n.Type != html.ElementNode || !strings.HasPrefix(id, prefix) {
			return true
		}
		rec, err := parseItem(n, strings.TrimPrefix(id, prefix), channelID, &author, &authorID)
		if err != nil {
			page.Errors = append(page.Errors, err)
		} else {
			page.Records = append(page.Records, rec)
		}
		return false
	})
	return page, nil
}

func parseItem(li *html.Node, rawID, channelID string, author, authorID *string) (*cursor.Record, *cursor.RecordError) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, &cursor.RecordError{Err: fmt.Errorf("message id %q: %w", rawID, err)}
	}

	rec := &cursor.Record{MessageID: id, ChannelID: channelID}
	raw := rawMessage{ID: rawID}

	var content *html.Node
	walk(li, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		nid := attr(n, "id")
		switch {
		case strings.HasPrefix(nid, replyPrefix):
			// The quoted message carries its own message-content id.
			if ref := findIDPrefix(n, contentPrefix); ref != "" {
				if v, err := strconv.ParseInt(ref, 10, 64); err == nil {
					rec.ReplyTo = &v
				}
			}
			return false
		case nid == contentPrefix+rawID:
			content = n
			return false
		case n.Data == "time" && raw.Datetime == "":
			raw.Datetime = attr(n, "datetime")
		case n.Data == "span" && strings.Contains(attr(n, "class"), "username"):
			name := attr(n, "data-text")
			if name == "" {
				name = textOf(n)
			}
			if name = strings.TrimPrefix(strings.TrimSpace(name), "@"); name != "" {
				*author = name
			}
		case n.Data == "img" && strings.Contains(attr(n, "class"), "avatar"):
			if m := avatarRe.FindStringSubmatch(attr(n, "src")); m != nil {
				*authorID = m[1]
			}
		case n.Data == "a":
			if a, ok := attachment(attr(n, "href")); ok {
				rec.Attachments = appendUnique(rec.Attachments, a)
			}
		}
		return true
	})

	rec.AuthorName, rec.AuthorID = *author, *authorID
	raw.Author, raw.AuthorID = *author, *authorID

	if raw.Datetime != "" {
		t, err := time.Parse(time.RFC3339Nano, raw.Datetime)
		if err != nil {
			return nil, &cursor.RecordError{MessageID: id, Err: fmt.Errorf("datetime %q: %w", raw.Datetime, err)}
		}
		rec.CreatedAt = t.UTC()
	} else if t, err := discordgo.SnowflakeTimestamp(rawID); err == nil {
		rec.CreatedAt = t.UTC()
	}

	if content != nil {
		inner := sanitizer.Sanitize(innerHTML(content))
		raw.HTML = inner
		body, err := mdConv.ConvertString(inner, converter.WithDomain("https://discord.com"))
		if err != nil {
			body = textOf(content)
		}
		if body = strings.TrimSpace(body); body != "" {
			rec.Body = &body
		}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, &cursor.RecordError{MessageID: id, Err: err}
	}
	rec.Raw = data
	return rec, nil
}

// attachment recognises Discord CDN attachment links.
func attachment(href string) (cursor.Attachment, bool) {
	u, err := url.Parse(href)
	if err != nil || (!strings.HasSuffix(u.Host, "discordapp.com") && !strings.HasSuffix(u.Host, "discordapp.net")) {
		return cursor.Attachment{}, false
	}
	if !strings.HasPrefix(u.Path, "/attachments/") {
		return cursor.Attachment{}, false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	a := cursor.Attachment{URL: u.Scheme + "://" + u.Host + u.Path, Filename: path.Base(u.Path)}
	if len(parts) >= 3 {
		a.ID = parts[2]
	}
	return a, true
}

func appendUnique(list []cursor.Attachment, a cursor.Attachment) []cursor.Attachment {
	for _, x := range list {
		if x.URL == a.URL {
			return list
		}
	}
	return append(list, a)
}

// walk visits n and its descendants depth first; fn returns false to skip
// a node's children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findIDPrefix(n *html.Node, prefix string) string {
	var found string
	walk(n, func(c *html.Node) bool {
		if found != "" {
			return false
		}
		if id := attr(c, "id"); strings.HasPrefix(id, prefix) {
			found = strings.TrimPrefix(id, prefix)
			return false
		}
		return true
	})
	return found
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
		return true
	})
	return strings.TrimSpace(sb.String())
}

func innerHTML(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&buf, c)
	}
	return buf.String()
}
