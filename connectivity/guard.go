// Package connectivity guards sources against transient and persistent
// unavailability: Open is retried with exponential backoff, and a circuit
// breaker per source makes scheduled runs fail fast once a source keeps
// refusing (revoked token, banned account) instead of hammering it.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/chanarchive/cursor"
)

// ErrCircuitOpen is returned by a guarded source while its breaker is open.
type ErrCircuitOpen struct {
	Source string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Source)
}

// GuardOptions configures Guard.
type GuardOptions struct {
	MaxRetries int           `yaml:"max_retries"` // default 2
	Backoff    time.Duration `yaml:"backoff"`     // first wait, doubled each attempt; default 2s
	// Breaker is shared across calls; nil creates one with defaults.
	Breaker *CircuitBreaker `yaml:"-"`
	Logger  *slog.Logger    `yaml:"-"`
}

func (o *GuardOptions) defaults() {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.Backoff <= 0 {
		o.Backoff = 2 * time.Second
	}
	if o.Breaker == nil {
		o.Breaker = NewCircuitBreaker()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Guarded wraps a cursor.Source.
type Guarded struct {
	inner cursor.Source
	opts  GuardOptions
}

// Guard wraps src. Set MaxRetries to -1 to disable retries.
func Guard(src cursor.Source, opts GuardOptions) *Guarded {
	opts.defaults()
	return &Guarded{inner: src, opts: opts}
}

func (g *Guarded) Name() string { return g.inner.Name() }

// Breaker exposes the breaker for status reporting.
func (g *Guarded) Breaker() *CircuitBreaker { return g.opts.Breaker }

// Open retries the inner Open. Only Open is guarded: once a stream is
// running, its errors belong to the cursor's partial-run handling.
// Failures caused by ctx cancellation are not counted by the breaker.
func (g *Guarded) Open(ctx context.Context, channelID string, q cursor.Query) (cursor.Iterator, error) {
	if !g.opts.Breaker.Allow() {
		return nil, &ErrCircuitOpen{Source: g.inner.Name()}
	}
	var lastErr error
	for attempt := 0; attempt <= g.opts.MaxRetries; attempt++ {
		it, err := g.inner.Open(ctx, channelID, q)
		if err == nil {
			g.opts.Breaker.RecordSuccess()
			return it, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < g.opts.MaxRetries {
			wait := g.opts.Backoff * (1 << uint(attempt))
			g.opts.Logger.WarnContext(ctx, "connectivity: retrying open",
				"source", g.inner.Name(),
				"channel_id", channelID,
				"attempt", attempt+1,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(wait):
			}
		}
	}
	// A cancelled caller says nothing about the source's health.
	if ctx.Err() == nil && !errors.Is(lastErr, context.Canceled) {
		g.opts.Breaker.RecordFailure()
	}
	return nil, lastErr
}
