package discordweb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/chanarchive/cursor"
)

// Tab is an open channel view in a browser.
type Tab interface {
	// Snapshot returns the current document as HTML.
	Snapshot(ctx context.Context) (string, error)
	// ScrollUp loads older history.
	ScrollUp(ctx context.Context) error
	Close() error
}

// Opener opens a channel URL in a browser tab.
type Opener func(ctx context.Context, url string) (Tab, error)

// BrowserConfig configures BrowserSource.
type BrowserConfig struct {
	// BaseURL of the web client. Default: https://discord.com/channels.
	BaseURL string `yaml:"base_url"`
	// GuildID is the server the channels belong to ("@me" for DMs).
	GuildID string `yaml:"guild_id"`
	// RemoteURL is the DevTools WebSocket of a running, logged-in Chrome.
	// Empty launches a local headless Chrome with UserDataDir.
	RemoteURL   string `yaml:"remote_url"`
	UserDataDir string `yaml:"user_data_dir"`
	// ScrollPasses bounds how far back one run reads. Default: 20.
	// A run that cannot reach the watermark within it fails.
	ScrollPasses int           `yaml:"scroll_passes"`
	ScrollDelay  time.Duration `yaml:"scroll_delay"`
	LoadTimeout  time.Duration `yaml:"load_timeout"`
	// SnapshotDir, when set, keeps every snapshot for FileSource replay.
	SnapshotDir string `yaml:"snapshot_dir"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *BrowserConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://discord.com/channels"
	}
	if c.GuildID == "" {
		c.GuildID = "@me"
	}
	if c.ScrollPasses <= 0 {
		c.ScrollPasses = 20
	}
	if c.ScrollDelay <= 0 {
		c.ScrollDelay = 1500 * time.Millisecond
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// BrowserSource reads a channel from the live web client. Each pass
// snapshots the DOM and scrolls up; passes stop at the watermark or when a
// pass brings nothing new. Running out of ScrollPasses first fails the run
// with ErrHistoryNotCovered and writes nothing.
type BrowserSource struct {
	cfg  BrowserConfig
	open Opener
}

// NewBrowserSource creates a source driving Chrome through go-rod.
func NewBrowserSource(cfg BrowserConfig) *BrowserSource {
	cfg.defaults()
	return &BrowserSource{cfg: cfg, open: rodOpener(&cfg)}
}

// NewBrowserSourceWithOpener is NewBrowserSource with a custom tab opener.
func NewBrowserSourceWithOpener(cfg BrowserConfig, open Opener) *BrowserSource {
	cfg.defaults()
	return &BrowserSource{cfg: cfg, open: open}
}

func (s *BrowserSource) Name() string { return "discord-web" }

// Open loads the channel page. A page without any message list item (not
// logged in, no access, wrong id) is an unavailable source.
func (s *BrowserSource) Open(ctx context.Context, channelID string, q cursor.Query) (cursor.Iterator, error) {
	u := strings.TrimRight(s.cfg.BaseURL, "/") + "/" + s.cfg.GuildID + "/" + channelID
	tab, err := s.open(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("discordweb: open %s: %w", u, err)
	}

	first, err := s.snapshot(ctx, tab, channelID, 0)
	if err != nil {
		tab.Close()
		return nil, err
	}
	if len(first.Records) == 0 && len(first.Errors) == 0 {
		tab.Close()
		return nil, fmt.Errorf("discordweb: no messages of channel %s on %s", channelID, u)
	}

	return &browserIterator{src: s, tab: tab, channelID: channelID, q: q, pages: []*Page{first}}, nil
}

func (s *BrowserSource) snapshot(ctx context.Context, tab Tab, channelID string, pass int) (*Page, error) {
	doc, err := tab.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("discordweb: snapshot: %w", err)
	}
	if s.cfg.SnapshotDir != "" {
		s.keep(channelID, pass, doc)
	}
	return ParseHTML(strings.NewReader(doc), channelID)
}

func (s *BrowserSource) keep(channelID string, pass int, doc string) {
	dir := filepath.Join(s.cfg.SnapshotDir, channelID)
	name := fmt.Sprintf("%s_%03d.html", time.Now().UTC().Format("20060102T150405"), pass)
	if err := os.MkdirAll(dir, 0o755); err == nil {
		err = os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644)
		if err == nil {
			return
		}
	}
	s.cfg.Logger.Warn("discordweb: keep snapshot failed", "channel_id", channelID, "pass", pass)
}

type browserIterator struct {
	src       *BrowserSource
	tab       Tab
	channelID string
	q         cursor.Query
	pages     []*Page
	inner     *recordIterator
}

func (it *browserIterator) Next(ctx context.Context) (*cursor.Record, error) {
	if it.inner == nil {
		if err := it.collect(ctx); err != nil {
			return nil, err
		}
	}
	return it.inner.Next(ctx)
}

// ErrHistoryNotCovered is returned when scrolling stopped before the oldest
// loaded message reached the watermark (or the start of history). Writing
// the newer messages would move the watermark over the gap for good.
var ErrHistoryNotCovered = errors.New("discordweb: history not covered")

// collect scrolls back until history is covered, then freezes the merged
// result. Everything is gathered before the first record is yielded so
// records come out oldest-first.
func (it *browserIterator) collect(ctx context.Context) error {
	log := it.src.cfg.Logger.With("channel_id", it.channelID)
	seen := len(it.pages[0].Records)
	top := false
	for pass := 1; pass <= it.src.cfg.ScrollPasses && !it.reachedStop(); pass++ {
		if err := it.tab.ScrollUp(ctx); err != nil {
			return fmt.Errorf("discordweb: scroll pass %d: %w", pass, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(it.src.cfg.ScrollDelay):
		}
		p, err := it.src.snapshot(ctx, it.tab, it.channelID, pass)
		if err != nil {
			return err
		}
		it.pages = append(it.pages, p)

		recs, _ := merge(it.pages...)
		log.Debug("discordweb: scroll pass", "pass", pass, "messages", len(recs))
		if len(recs) == seen {
			top = true
			break
		}
		seen = len(recs)
	}
	recs, errs := merge(it.pages...)
	if !it.reachedStop() && (it.q.After != nil || !top) {
		var oldest int64
		if len(recs) > 0 {
			oldest = recs[0].MessageID
		}
		if it.q.After != nil {
			return fmt.Errorf("%w: oldest loaded %d, watermark %d after %d passes",
				ErrHistoryNotCovered, oldest, *it.q.After, it.src.cfg.ScrollPasses)
		}
		return fmt.Errorf("%w: oldest loaded %d after %d passes", ErrHistoryNotCovered, oldest, it.src.cfg.ScrollPasses)
	}
	it.inner = newRecordIterator(recs, errs, it.q)
	return nil
}

// reachedStop reports whether the oldest loaded message is already at or
// below the watermark or before the date range.
func (it *browserIterator) reachedStop() bool {
	recs, _ := merge(it.pages...)
	if len(recs) == 0 {
		return false
	}
	oldest := recs[0]
	if it.q.After != nil && oldest.MessageID <= *it.q.After {
		return true
	}
	return !it.q.From.IsZero() && oldest.CreatedAt.Before(it.q.From)
}

func (it *browserIterator) Close() error { return it.tab.Close() }

func (it *browserIterator) Describe() cursor.ChannelInfo {
	return cursor.ChannelInfo{Platform: "discord"}
}

// --- go-rod ---

func rodOpener(cfg *BrowserConfig) Opener {
	return func(ctx context.Context, u string) (Tab, error) {
		var l *launcher.Launcher
		ws := cfg.RemoteURL
		if ws == "" {
			l = launcher.New().Headless(true)
			if cfg.UserDataDir != "" {
				l = l.UserDataDir(cfg.UserDataDir)
			}
			var err error
			if ws, err = l.Launch(); err != nil {
				return nil, fmt.Errorf("launch chrome: %w", err)
			}
		}

		b := rod.New().ControlURL(ws)
		if err := b.Connect(); err != nil {
			cleanupLauncher(l)
			return nil, fmt.Errorf("connect: %w", err)
		}

		page, err := b.Page(proto.TargetCreateTarget{URL: ""})
		if err != nil {
			closeBrowser(b, l, cfg.RemoteURL != "")
			return nil, fmt.Errorf("create tab: %w", err)
		}

		navCtx, cancel := context.WithTimeout(ctx, cfg.LoadTimeout)
		defer cancel()
		if err := page.Context(navCtx).Navigate(u); err != nil {
			page.Close()
			closeBrowser(b, l, cfg.RemoteURL != "")
			return nil, fmt.Errorf("navigate: %w", err)
		}
		if err := page.Context(navCtx).WaitLoad(); err != nil {
			cfg.Logger.Warn("discordweb: wait load timeout", "url", u, "error", err)
		}
		// The message list renders after the client boots.
		if _, err := page.Context(navCtx).Element(`li[id^="chat-messages-"]`); err != nil {
			cfg.Logger.Warn("discordweb: message list not found", "url", u, "error", err)
		}

		return &rodTab{page: page, browser: b, launcher: l, remote: cfg.RemoteURL != ""}, nil
	}
}

type rodTab struct {
	page     *rod.Page
	browser  *rod.Browser
	launcher *launcher.Launcher
	remote   bool
}

func (t *rodTab) Snapshot(ctx context.Context) (string, error) {
	res, err := t.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// ScrollUp scrolls the message scroller to its top, which makes the client
// fetch the previous batch.
func (t *rodTab) ScrollUp(ctx context.Context) error {
	_, err := t.page.Context(ctx).Eval(`() => {
		const item = document.querySelector('li[id^="chat-messages-"]');
		let el = item;
		while (el && el.scrollHeight <= el.clientHeight) { el = el.parentElement; }
		if (el) { el.scrollTop = 0; }
		return !!el;
	}`)
	return err
}

func (t *rodTab) Close() error {
	err := t.page.Close()
	closeBrowser(t.browser, t.launcher, t.remote)
	return err
}

func closeBrowser(b *rod.Browser, l *launcher.Launcher, remote bool) {
	// A remote Chrome belongs to the user; only our own tab is closed.
	if !remote {
		b.Close()
	}
	cleanupLauncher(l)
}

func cleanupLauncher(l *launcher.Launcher) {
	if l != nil {
		l.Cleanup()
	}
}
