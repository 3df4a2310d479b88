// Package schedule runs recurring ingest jobs on cron specs. Each job is
// wrapped with SkipIfStillRunning so a slow backfill never overlaps itself;
// jobs for different channels run concurrently.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hazyhaar/chanarchive/cursor"
)

// Job is one recurring ingest.
type Job struct {
	Channel    string `yaml:"channel" json:"channel"`
	Source     string `yaml:"source" json:"source"`
	Spec       string `yaml:"spec" json:"spec"` // "@hourly", "*/15 * * * *"
	From       string `yaml:"from" json:"from,omitempty"`
	To         string `yaml:"to" json:"to,omitempty"`
	NoMedia    bool   `yaml:"no_media" json:"no_media,omitempty"`
	Limit      int    `yaml:"limit" json:"limit,omitempty"`
	RunAtStart bool   `yaml:"run_at_start" json:"run_at_start,omitempty"`
}

// Filters converts the job's filter fields.
func (j Job) Filters() (cursor.Filters, error) {
	from, err := cursor.ParseDate(j.From)
	if err != nil {
		return cursor.Filters{}, err
	}
	to, err := cursor.ParseDate(j.To)
	if err != nil {
		return cursor.Filters{}, err
	}
	return cursor.Filters{From: from, To: to, SkipMedia: j.NoMedia, Limit: j.Limit}, nil
}

func (j Job) key() string { return j.Channel + "|" + j.Source + "|" + j.Spec }

// Ingester is the cursor operation a tick calls. *cursor.Service satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, channelID string, src cursor.Source, f cursor.Filters) (*cursor.Result, error)
}

// SourceFunc resolves a configured source name.
type SourceFunc func(name string) (cursor.Source, error)

// Entry is a scheduled job with its cron timing and last outcome.
type Entry struct {
	Job  Job            `json:"job"`
	Next time.Time      `json:"next"`
	Prev time.Time      `json:"prev,omitempty"`
	Last *cursor.Result `json:"last,omitempty"`
}

// Scheduler owns the cron instance.
type Scheduler struct {
	cron    *cron.Cron
	ingest  Ingester
	sources SourceFunc
	logger  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    map[cron.EntryID]Job
	last    map[string]*cursor.Result
	atStart []cron.EntryID
	wg      sync.WaitGroup
}

// New creates a Scheduler. Nothing runs until Start.
func New(ing Ingester, sources SourceFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ingest:  ing,
		sources: sources,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[cron.EntryID]Job),
		last:    make(map[string]*cursor.Result),
	}
}

// Add validates and registers a job.
func (s *Scheduler) Add(job Job) error {
	if job.Channel == "" {
		return errors.New("schedule: job without channel")
	}
	if _, err := job.Filters(); err != nil {
		return fmt.Errorf("schedule: job %s: %w", job.Channel, err)
	}
	if _, err := s.sources(job.Source); err != nil {
		return fmt.Errorf("schedule: job %s: %w", job.Channel, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.cron.AddJob(job.Spec, cron.FuncJob(func() { s.tick(job) }))
	if err != nil {
		return fmt.Errorf("schedule: job %s: spec %q: %w", job.Channel, job.Spec, err)
	}
	s.jobs[id] = job
	if job.RunAtStart {
		s.atStart = append(s.atStart, id)
	}
	s.logger.Info("schedule: job added", "channel_id", job.Channel, "source", job.Source, "spec", job.Spec)
	return nil
}

// Start begins firing jobs and launches the run-at-start ones.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	ids := s.atStart
	s.atStart = nil
	s.mu.Unlock()
	for _, id := range ids {
		// Through the entry's wrapped job so SkipIfStillRunning covers it.
		job := s.cron.Entry(id).WrappedJob
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			job.Run()
		}()
	}
}

// Stop cancels in-flight ingests and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// Entries lists scheduled jobs ordered by channel.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.cron.Entries() {
		job, ok := s.jobs[e.ID]
		if !ok {
			continue
		}
		out = append(out, Entry{Job: job, Next: e.Next, Prev: e.Prev, Last: s.last[job.key()]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job.Channel < out[j].Job.Channel })
	return out
}

func (s *Scheduler) tick(job Job) {
	res, err := s.Run(s.ctx, job)
	if res != nil {
		s.mu.Lock()
		s.last[job.key()] = res
		s.mu.Unlock()
	}
	if err != nil {
		s.logger.Warn("schedule: run failed", "channel_id", job.Channel, "source", job.Source, "error", err)
	}
}

// Run executes one job immediately.
func (s *Scheduler) Run(ctx context.Context, job Job) (*cursor.Result, error) {
	f, err := job.Filters()
	if err != nil {
		return nil, err
	}
	src, err := s.sources(job.Source)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := s.ingest.Ingest(ctx, job.Channel, src, f)
	if res != nil {
		s.logger.Info("schedule: run done",
			"channel_id", job.Channel,
			"status", res.Status,
			"written", res.Written,
			"skipped", res.Skipped,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return res, err
}

// cronLogger routes cron's own logging to slog. Cron's info lines fire
// on every tick, so they go to debug.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.logger.Debug("schedule: cron "+msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.logger.Error("schedule: cron "+msg, append(kv, "error", err)...)
}
