package cursor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/chanarchive/dbopen"
	"github.com/hazyhaar/chanarchive/idgen"
)

var fixedNow = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func testService(t *testing.T, cfg *Config, opts ...Option) *Service {
	t.Helper()
	db := dbopen.OpenMemory(t)
	opts = append([]Option{
		WithIDGenerator(idgen.Sequence("run_")),
		WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	svc, err := New(db, cfg, nil, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func rec(id int64, at time.Time) *Record {
	return &Record{MessageID: id, AuthorID: "u1", AuthorName: "alice", CreatedAt: at, Body: StringPtr("msg")}
}

func day(d int) time.Time {
	return time.Date(2025, 1, d, 12, 0, 0, 0, time.UTC)
}

// step is one thing a fake iterator yields: a record or an error.
type step struct {
	rec *Record
	err error
}

func recs(rs ...*Record) []step {
	out := make([]step, len(rs))
	for i, r := range rs {
		out[i] = step{rec: r}
	}
	return out
}

// sliceSource replays the same steps on every Open and ignores the After
// hint, like a source replayed from the start.
type sliceSource struct {
	name    string
	steps   []step
	openErr error
	order   Order
	info    ChannelInfo
	opened  []Query
	onNext  func(i int)
}

func (s *sliceSource) Name() string {
	if s.name == "" {
		return "slice"
	}
	return s.name
}

func (s *sliceSource) Open(_ context.Context, _ string, q Query) (Iterator, error) {
	s.opened = append(s.opened, q)
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &sliceIter{src: s}, nil
}

type sliceIter struct {
	src    *sliceSource
	pos    int
	closed bool
}

func (it *sliceIter) Next(_ context.Context) (*Record, error) {
	if it.pos >= len(it.src.steps) {
		return nil, io.EOF
	}
	st := it.src.steps[it.pos]
	if it.src.onNext != nil {
		it.src.onNext(it.pos)
	}
	it.pos++
	if st.rec != nil {
		cp := *st.rec
		return &cp, st.err
	}
	return nil, st.err
}

func (it *sliceIter) Close() error {
	it.closed = true
	return nil
}

func (it *sliceIter) Order() Order { return it.src.order }

func (it *sliceIter) Describe() ChannelInfo { return it.src.info }

var errStream = errors.New("connection reset")

// recordingArchive remembers archived ids in call order.
type recordingArchive struct {
	ids []int64
	err error
}

func (a *recordingArchive) Path(r *Record) string {
	return "raw/" + r.ChannelID
}

func (a *recordingArchive) Archive(_ context.Context, r *Record) error {
	a.ids = append(a.ids, r.MessageID)
	return a.err
}

func countRows(t *testing.T, svc *Service, channelID string) int {
	t.Helper()
	var n int
	if err := svc.DB().QueryRow(`SELECT COUNT(*) FROM messages WHERE channel_id = ?`, channelID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func wantCounts(t *testing.T, res *Result, written, skipped, rejected int) {
	t.Helper()
	if res.Written != written || res.Skipped != skipped || res.Rejected != rejected {
		t.Fatalf("counts: got written=%d skipped=%d rejected=%d, want %d/%d/%d",
			res.Written, res.Skipped, res.Rejected, written, skipped, rejected)
	}
}

func wantWatermark(t *testing.T, got *int64, want int64) {
	t.Helper()
	if got == nil {
		t.Fatalf("watermark: got nil, want %d", want)
	}
	if *got != want {
		t.Fatalf("watermark: got %d, want %d", *got, want)
	}
}
