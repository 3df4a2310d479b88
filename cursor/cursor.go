// Package cursor is the incremental ingestion cursor: for a channel it
// computes the watermark (highest stored message id), pulls newer messages
// from a Source and writes each one exactly once.
//
// Every message is its own autocommit insert keyed on (channel_id,
// message_id) with ON CONFLICT DO NOTHING. A run interrupted at any point
// leaves the watermark equal to what is durably stored, and the next run
// resumes after it. Duplicates are skipped, never errors.
//
// Usage:
//
//	svc, err := cursor.Open(cfg, logger, cursor.WithArchive(raw))
//	defer svc.Close()
//	res, err := svc.Ingest(ctx, "42", src, cursor.Filters{})
package cursor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/chanarchive/cursor/internal/store"
	"github.com/hazyhaar/chanarchive/idgen"
)

// Archiver stores the raw form of newly written records.
type Archiver interface {
	// Path returns where rec will be archived; stored in messages.raw_path.
	Path(rec *Record) string
	// Archive writes rec. Called only after the message row is committed.
	Archive(ctx context.Context, rec *Record) error
}

// Service runs ingests against one archive database.
type Service struct {
	store   *store.Store
	config  *Config
	logger  *slog.Logger
	archive Archiver
	newID   idgen.Generator
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithArchive sets the raw archive hook.
func WithArchive(a Archiver) Option { return func(s *Service) { s.archive = a } }

// WithIDGenerator overrides run id generation.
func WithIDGenerator(g idgen.Generator) Option { return func(s *Service) { s.newID = g } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Open opens the database at cfg.DBPath and returns a Service owning it.
func Open(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("cursor: open store: %w", err)
	}
	return newService(st, cfg, logger, opts...), nil
}

// New wraps an already opened database. The schema is applied if missing.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(store.Schema); err != nil {
		return nil, fmt.Errorf("cursor: apply schema: %w", err)
	}
	return newService(&store.Store{DB: db}, cfg, logger, opts...), nil
}

func newService(st *store.Store, cfg *Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  st,
		config: cfg,
		logger: logger,
		newID:  idgen.Prefixed("run_", idgen.UUIDv7()),
		now:    time.Now,
		locks:  make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close closes the database.
func (s *Service) Close() error {
	return s.store.Close()
}

// DB returns the underlying database handle.
func (s *Service) DB() *sql.DB {
	return s.store.DB
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return *s.config
}

// Watermark returns the highest stored message id of the channel, or nil.
func (s *Service) Watermark(ctx context.Context, channelID string) (*int64, error) {
	wm, err := s.store.MaxMessageID(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("cursor: watermark %s: %w", channelID, err)
	}
	return wm, nil
}

// ResumeOrStart is Watermark with the resume decision logged, for callers
// that announce what they are about to do.
func (s *Service) ResumeOrStart(ctx context.Context, channelID string) (*int64, error) {
	wm, err := s.Watermark(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if wm == nil {
		s.logger.Info("cursor: starting fresh", "channel_id", channelID)
	} else {
		s.logger.Info("cursor: resuming after message", "channel_id", channelID, "message_id", *wm)
	}
	return wm, nil
}

// Ingest pulls new messages for channelID from src and writes each one
// once. The returned Result is never nil and always carries the counters
// and watermarks, including when an error is returned alongside it.
func (s *Service) Ingest(ctx context.Context, channelID string, src Source, f Filters) (*Result, error) {
	res := &Result{
		RunID:     s.newID(),
		ChannelID: channelID,
		Source:    src.Name(),
		Status:    StatusRunning,
		StartedAt: s.now(),
	}
	if channelID == "" {
		return s.abort(res, errors.New("cursor: empty channel id"))
	}
	if err := f.validate(); err != nil {
		return s.abort(res, err)
	}

	unlock, err := s.lock(ctx, channelID)
	if err != nil {
		return s.abort(res, fmt.Errorf("cursor: wait for channel %s: %w", channelID, err))
	}
	defer unlock()

	log := s.logger.With("channel_id", channelID, "source", res.Source, "run_id", res.RunID)

	wm, err := s.ResumeOrStart(ctx, channelID)
	if err != nil {
		return s.abort(res, err)
	}
	res.WatermarkBefore = wm
	res.WatermarkAfter = wm

	it, err := src.Open(ctx, channelID, Query{After: wm, From: f.From, To: f.To, SkipMedia: f.SkipMedia})
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, res.Source, err)
		s.recordFailedRun(ctx, res, err)
		return res, err
	}
	defer it.Close()

	// Describers own the channel metadata; an empty field keeps the stored value.
	info := ChannelInfo{Platform: res.Source}
	if d, ok := it.(Describer); ok {
		info = d.Describe()
	}
	if err := s.store.UpsertChannel(ctx, &store.Channel{ID: channelID, DisplayName: info.DisplayName, Platform: info.Platform}); err != nil {
		err = fmt.Errorf("cursor: upsert channel: %w", err)
		s.recordFailedRun(ctx, res, err)
		return res, err
	}

	run := &store.Run{
		ID:              res.RunID,
		ChannelID:       channelID,
		Source:          res.Source,
		Status:          store.RunRunning,
		StartedAt:       res.StartedAt.UnixMilli(),
		WatermarkBefore: wm,
	}
	if err := s.store.InsertRun(ctx, run); err != nil {
		return s.abort(res, fmt.Errorf("cursor: start run: %w", err))
	}
	log.Info("cursor: run started")

	it, err = normalize(ctx, it)
	if err != nil {
		return s.finish(ctx, log, res, run, fmt.Errorf("cursor: drain newest-first source: %w", err))
	}

	fatal := s.consume(ctx, log, it, channelID, wm, f, res, run)
	return s.finish(ctx, log, res, run, fatal)
}

// consume is the per-record loop. It returns the error that stopped the
// run, or nil when the source was exhausted or the limit reached.
// Ids must not decrease within a run: a record below the highest id
// already stored is rejected rather than written behind the watermark.
func (s *Service) consume(ctx context.Context, log *slog.Logger, it Iterator, channelID string, wm *int64, f Filters, res *Result, run *store.Run) error {
	var last int64
	for {
		if f.Limit > 0 && res.Written >= f.Limit {
			log.Info("cursor: limit reached", "limit", f.Limit)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err == nil {
			if rec.ChannelID == "" {
				rec.ChannelID = channelID
			}
			switch {
			case rec.ChannelID != channelID:
				err = &RecordError{MessageID: rec.MessageID, Err: fmt.Errorf("belongs to channel %s", rec.ChannelID)}
			case last > 0 && rec.MessageID < last:
				err = &RecordError{MessageID: rec.MessageID, Err: fmt.Errorf("%w: after %d", ErrOutOfOrder, last)}
			default:
				if verr := rec.Validate(); verr != nil {
					err = &RecordError{MessageID: rec.MessageID, Err: verr}
				}
			}
		}
		if err != nil {
			var re *RecordError
			if !errors.As(err, &re) {
				return fmt.Errorf("cursor: source: %w", err)
			}
			res.Rejected++
			log.Warn("cursor: record rejected", "error", err, "policy", s.config.ErrorPolicy)
			if s.config.ErrorPolicy == StopAndReport {
				return fmt.Errorf("%w: %w", ErrStopped, err)
			}
			continue
		}

		if (wm != nil && rec.MessageID <= *wm) || !f.Contains(rec.CreatedAt) {
			res.Skipped++
			continue
		}

		written, err := s.write(ctx, rec, f.SkipMedia)
		if err != nil {
			return fmt.Errorf("cursor: write message %d: %w", rec.MessageID, err)
		}
		last = max(last, rec.MessageID)
		if !written {
			res.Skipped++
			continue
		}

		res.Written++
		id, at := rec.MessageID, rec.CreatedAt.UnixMilli()
		if run.LastMessageID == nil || id > *run.LastMessageID {
			run.LastMessageID, run.LastMessageAt = &id, &at
		}
		if s.archive != nil {
			if err := s.archive.Archive(ctx, rec); err != nil {
				log.Warn("cursor: raw archive failed", "message_id", id, "error", err)
			}
		}
		if res.Written%s.config.ProgressEvery == 0 {
			s.progress(ctx, log, res, run)
		}
	}
}

func (s *Service) write(ctx context.Context, rec *Record, skipMedia bool) (bool, error) {
	m := &store.Message{
		ChannelID:  rec.ChannelID,
		MessageID:  rec.MessageID,
		AuthorID:   rec.AuthorID,
		AuthorName: rec.AuthorName,
		CreatedAt:  rec.CreatedAt.UnixMilli(),
		Body:       rec.Body,
		ReplyTo:    rec.ReplyTo,
		HasMedia:   len(rec.Attachments) > 0,
		IngestedAt: s.now().UnixMilli(),
	}
	if rec.EditedAt != nil {
		ms := rec.EditedAt.UnixMilli()
		m.EditedAt = &ms
	}
	if m.HasMedia && !skipMedia {
		data, err := json.Marshal(rec.Attachments)
		if err != nil {
			return false, err
		}
		m.MediaJSON = string(data)
	}
	if s.archive != nil {
		m.RawPath = s.archive.Path(rec)
	}
	return s.store.InsertMessage(ctx, m)
}

func (s *Service) progress(ctx context.Context, log *slog.Logger, res *Result, run *store.Run) {
	run.Written, run.Skipped, run.Rejected = res.Written, res.Skipped, res.Rejected
	if err := s.store.UpdateRunProgress(ctx, run); err != nil {
		log.Warn("cursor: progress update failed", "error", err)
		return
	}
	log.Debug("cursor: progress", "written", res.Written, "skipped", res.Skipped)
}

// finish closes the run. Bookkeeping uses a context detached from
// cancellation so that a cancelled run is still recorded.
func (s *Service) finish(ctx context.Context, log *slog.Logger, res *Result, run *store.Run, fatal error) (*Result, error) {
	bg := context.WithoutCancel(ctx)
	res.EndedAt = s.now()

	if fatal == nil {
		if err := s.store.TouchBackfilled(bg, res.ChannelID, res.EndedAt); err != nil {
			fatal = fmt.Errorf("cursor: update last_backfilled_at: %w", err)
		}
	}

	switch {
	case fatal == nil:
		res.Status = StatusCompleted
	case res.Written > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusFailed
	}
	if fatal != nil {
		res.Err = fatal.Error()
	}

	if wm, err := s.store.MaxMessageID(bg, res.ChannelID); err == nil {
		res.WatermarkAfter = wm
	} else if run.LastMessageID != nil {
		res.WatermarkAfter = run.LastMessageID
	}

	ended := res.EndedAt.UnixMilli()
	run.Status = string(res.Status)
	run.EndedAt = &ended
	run.Written, run.Skipped, run.Rejected = res.Written, res.Skipped, res.Rejected
	run.ErrorMessage = res.Err
	if err := s.store.FinishRun(bg, run); err != nil {
		log.Error("cursor: close run failed", "error", err)
	}

	attrs := []any{"status", res.Status, "written", res.Written, "skipped", res.Skipped, "rejected", res.Rejected}
	if res.WatermarkAfter != nil {
		attrs = append(attrs, "watermark", *res.WatermarkAfter)
	}
	if fatal != nil {
		log.Error("cursor: run stopped", append(attrs, "error", fatal)...)
	} else {
		log.Info("cursor: run completed", attrs...)
	}
	return res, fatal
}

// recordFailedRun logs a run that failed before any message could be read.
func (s *Service) recordFailedRun(ctx context.Context, res *Result, err error) {
	res.Status = StatusFailed
	res.EndedAt = s.now()
	res.Err = err.Error()
	ended := res.EndedAt.UnixMilli()
	run := &store.Run{
		ID:              res.RunID,
		ChannelID:       res.ChannelID,
		Source:          res.Source,
		Status:          store.RunFailed,
		StartedAt:       res.StartedAt.UnixMilli(),
		EndedAt:         &ended,
		WatermarkBefore: res.WatermarkBefore,
		ErrorMessage:    res.Err,
	}
	if ierr := s.store.InsertRun(context.WithoutCancel(ctx), run); ierr != nil {
		s.logger.Error("cursor: log failed run", "channel_id", res.ChannelID, "error", ierr)
	}
	s.logger.Error("cursor: run failed", "channel_id", res.ChannelID, "source", res.Source, "error", err)
}

// abort fails a run without touching the run log.
func (s *Service) abort(res *Result, err error) (*Result, error) {
	res.Status = StatusFailed
	res.EndedAt = s.now()
	res.Err = err.Error()
	return res, err
}

// lock serialises runs of the same channel inside this process. It only
// avoids redundant work; the unique key is what prevents duplicates.
func (s *Service) lock(ctx context.Context, channelID string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[channelID]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[channelID] = l
	}
	s.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
