package connectivity

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/chanarchive/cursor"
	"github.com/hazyhaar/chanarchive/dbopen"
)

type flakySource struct {
	failures int
	calls    int
}

func (f *flakySource) Name() string { return "flaky" }

func (f *flakySource) Open(context.Context, string, cursor.Query) (cursor.Iterator, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset")
	}
	return emptyIter{}, nil
}

type emptyIter struct{}

func (emptyIter) Next(context.Context) (*cursor.Record, error) { return nil, io.EOF }
func (emptyIter) Close() error                                 { return nil }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestGuard_RetriesOpen(t *testing.T) {
	// WHAT: A transient open failure is retried and succeeds.
	src := &flakySource{failures: 2}
	g := Guard(src, GuardOptions{MaxRetries: 2, Backoff: time.Millisecond})
	if _, err := g.Open(context.Background(), "42", cursor.Query{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if src.calls != 3 {
		t.Fatalf("calls: got %d, want 3", src.calls)
	}
	if g.Breaker().State() != BreakerClosed {
		t.Fatal("breaker should stay closed")
	}
}

func TestGuard_NoRetry(t *testing.T) {
	src := &flakySource{failures: 1}
	g := Guard(src, GuardOptions{MaxRetries: -1})
	if _, err := g.Open(context.Background(), "42", cursor.Query{}); err == nil {
		t.Fatal("expected error")
	}
	if src.calls != 1 {
		t.Fatalf("calls: got %d", src.calls)
	}
}

func TestGuard_BreakerFailsFast(t *testing.T) {
	// WHAT: After repeated failed opens the source is not called until the
	// reset timeout passes; a successful trial open closes the breaker.
	// WHY: A revoked token must not be retried on every cron tick.
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(WithBreakerThreshold(2), WithBreakerResetTimeout(time.Minute), WithBreakerClock(clock.now))
	src := &flakySource{failures: 2}
	g := Guard(src, GuardOptions{MaxRetries: -1, Breaker: cb})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := g.Open(ctx, "42", cursor.Query{}); err == nil {
			t.Fatal("expected failure")
		}
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("state: %v", cb.State())
	}
	_, err := g.Open(ctx, "42", cursor.Query{})
	var open *ErrCircuitOpen
	if !errors.As(err, &open) || src.calls != 2 {
		t.Fatalf("fail fast: %v, calls %d", err, src.calls)
	}

	clock.advance(time.Minute)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state: %v", cb.State())
	}
	if _, err := g.Open(ctx, "42", cursor.Query{}); err != nil {
		t.Fatalf("trial open: %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("state: %v", cb.State())
	}
}

func TestGuard_CancelledOpenNotCounted(t *testing.T) {
	// WHAT: An open that fails because the caller was cancelled leaves the
	// breaker closed.
	// WHY: A SIGTERM during a run must not lock the source out after restart.
	cb := NewCircuitBreaker(WithBreakerThreshold(1))
	src := &flakySource{failures: 10}
	g := Guard(src, GuardOptions{MaxRetries: 3, Backoff: time.Millisecond, Breaker: cb})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := g.Open(ctx, "42", cursor.Query{}); err == nil {
		t.Fatal("expected failure")
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("state: got %v, want closed", cb.State())
	}
	if src.calls != 1 {
		t.Fatalf("calls: got %d, want 1 (no retry once cancelled)", src.calls)
	}

	// Same failure without cancellation trips it.
	if _, err := g.Open(context.Background(), "42", cursor.Query{}); err == nil {
		t.Fatal("expected failure")
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("state: got %v, want open", cb.State())
	}
}

func TestGuard_IngestUnavailable(t *testing.T) {
	// WHAT: Through the cursor an open circuit is a source-unavailable run.
	cb := NewCircuitBreaker(WithBreakerThreshold(1))
	cb.RecordFailure()
	g := Guard(&flakySource{}, GuardOptions{Breaker: cb})
	svc, err := cursor.New(dbopen.OpenMemory(t), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.Ingest(context.Background(), "42", g, cursor.Filters{})
	var open *ErrCircuitOpen
	if !errors.Is(err, cursor.ErrSourceUnavailable) || !errors.As(err, &open) || res.Status != cursor.StatusFailed {
		t.Fatalf("got %+v, %v", res, err)
	}
}
