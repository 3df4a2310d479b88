// Command chanarchive archives Discord and Telegram channels into SQLite,
// resuming each channel after the highest message id already stored.
//
// Usage:
//
//	chanarchive -channel 42 -source discord -from 2025-01-01   # one run
//	chanarchive -status [-channel 42]                           # JSON status
//	chanarchive -config chanarchive.yaml -daemon                # scheduler + HTTP API
//	chanarchive -mcp                                            # MCP over stdio
//
// Exit status is 0 when the run completed or partially completed, 1 when
// it failed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/chanarchive/api"
	"github.com/hazyhaar/chanarchive/cursor"
	"github.com/hazyhaar/chanarchive/rawstore"
	"github.com/hazyhaar/chanarchive/schedule"
)

const version = "0.3.0"

type options struct {
	channel    string
	source     string
	from, to   string
	noMedia    bool
	limit      int
	onError    string
	configPath string
	dbPath     string
	rawDir     string
	daemon     bool
	status     bool
	mcp        bool
}

func main() {
	var o options
	flag.StringVar(&o.channel, "channel", "", "channel id (Discord snowflake or Telegram username)")
	flag.StringVar(&o.source, "source", "discord", "source: discord, discord-web, discord-html, telegram, replay")
	flag.StringVar(&o.from, "from", "", "first day to keep, YYYY-MM-DD (inclusive)")
	flag.StringVar(&o.to, "to", "", "last day to keep, YYYY-MM-DD (inclusive)")
	flag.BoolVar(&o.noMedia, "no-media", false, "do not record attachments")
	flag.IntVar(&o.limit, "limit", 0, "stop after N new messages (0 = no limit)")
	flag.StringVar(&o.onError, "on-error", "", "record error policy: skip or stop")
	flag.StringVar(&o.configPath, "config", "", "path to YAML config file")
	flag.StringVar(&o.dbPath, "db", "", "SQLite database path (overrides config)")
	flag.StringVar(&o.rawDir, "raw-dir", "", "raw JSON archive directory (overrides config)")
	flag.BoolVar(&o.daemon, "daemon", false, "run scheduled jobs and the HTTP status API")
	flag.BoolVar(&o.status, "status", false, "print channel status as JSON and exit")
	flag.BoolVar(&o.mcp, "mcp", false, "serve MCP tools over stdio")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, logger, o)
	if err != nil {
		logger.Error("chanarchive: fatal", "error", err)
	}
	stop()
	os.Exit(code)
}

func run(ctx context.Context, logger *slog.Logger, o options) (int, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return 1, err
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.rawDir != "" {
		cfg.RawDir = o.rawDir
	}
	if o.onError != "" {
		p, err := cursor.ParseErrorPolicy(o.onError)
		if err != nil {
			return 1, err
		}
		cfg.ErrorPolicy = p
	}

	svc, err := cursor.Open(&cfg.Config, logger, cursor.WithArchive(rawstore.NewWriter(cfg.RawDir)))
	if err != nil {
		return 1, err
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(ctx)
	srcs := newSources(ctx, cfg, logger)
	defer srcs.wait()
	defer cancel()

	switch {
	case o.mcp:
		return exitCode(runMCP(ctx, svc))
	case o.status:
		return exitCode(runStatus(ctx, svc, o.channel))
	case o.daemon:
		return exitCode(runDaemon(ctx, logger, cfg, svc, srcs))
	}

	if o.channel == "" {
		flag.Usage()
		return 2, errors.New("-channel is required")
	}
	f, err := filters(cfg, o)
	if err != nil {
		return 1, err
	}
	src, err := srcs.get(o.source)
	if err != nil {
		return 1, err
	}
	if _, err := svc.ResumeOrStart(ctx, o.channel); err != nil {
		return 1, err
	}

	res, err := svc.Ingest(ctx, o.channel, src, f)
	if res != nil {
		printJSON(res)
	}
	if res == nil || !res.Status.Succeeded() {
		return 1, err
	}
	if err != nil {
		logger.Warn("chanarchive: run stopped early", "status", res.Status, "error", err)
	}
	return 0, nil
}

// filters starts from the configured defaults; flags override them.
func filters(cfg *appConfig, o options) (cursor.Filters, error) {
	fc := cfg.Defaults
	if o.from != "" {
		fc.From = o.from
	}
	if o.to != "" {
		fc.To = o.to
	}
	if o.noMedia {
		fc.SkipMedia = true
	}
	if o.limit > 0 {
		fc.Limit = o.limit
	}
	return fc.Filters()
}

func runStatus(ctx context.Context, svc *cursor.Service, channel string) error {
	if channel != "" {
		st, err := svc.Status(ctx, channel)
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("channel %s not found", channel)
		}
		printJSON(st)
		return nil
	}
	chs, err := svc.Channels(ctx)
	if err != nil {
		return err
	}
	out := make([]*cursor.ChannelStatus, 0, len(chs))
	for _, ch := range chs {
		st, err := svc.Status(ctx, ch.ID)
		if err != nil {
			return err
		}
		if st != nil {
			out = append(out, st)
		}
	}
	printJSON(out)
	return nil
}

func runMCP(ctx context.Context, svc *cursor.Service) error {
	srv := mcp.NewServer(&mcp.Implementation{Name: "chanarchive", Version: version}, nil)
	svc.RegisterMCP(srv)
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

func runDaemon(ctx context.Context, logger *slog.Logger, cfg *appConfig, svc *cursor.Service, srcs *sources) error {
	sched := schedule.New(svc, srcs.get, logger)
	for _, job := range cfg.Jobs {
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(svc, sched, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("chanarchive: http listening", "addr", cfg.HTTPAddr, "jobs", len(cfg.Jobs))
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	logger.Info("chanarchive: shutting down")
	return srv.Shutdown(shutdownCtx)
}

func exitCode(err error) (int, error) {
	if err != nil {
		return 1, err
	}
	return 0, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
