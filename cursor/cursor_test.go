package cursor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestIngest_Scenario(t *testing.T) {
	// WHAT: Channel 42, ids 101..103, ingested then replayed.
	// WHY: The replay must be a pure no-op reported as skipped.
	svc := testService(t, nil)
	ctx := context.Background()
	june := func(d int) time.Time { return time.Date(2025, 6, d, 9, 0, 0, 0, time.UTC) }
	src := &sliceSource{steps: recs(rec(101, june(1)), rec(102, june(2)), rec(103, june(3)))}

	res, err := svc.Ingest(ctx, "42", src, Filters{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	wantCounts(t, res, 3, 0, 0)
	wantWatermark(t, res.WatermarkAfter, 103)
	if res.WatermarkBefore != nil {
		t.Fatalf("watermark before: got %d, want nil", *res.WatermarkBefore)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status: got %s", res.Status)
	}

	res, err = svc.Ingest(ctx, "42", src, Filters{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	wantCounts(t, res, 0, 3, 0)
	wantWatermark(t, res.WatermarkBefore, 103)
	wantWatermark(t, res.WatermarkAfter, 103)

	if got := src.opened[1].After; got == nil || *got != 103 {
		t.Fatalf("second open After: got %v, want 103", got)
	}
	if n := countRows(t, svc, "42"); n != 3 {
		t.Fatalf("rows: got %d, want 3", n)
	}
}

func TestIngest_DuplicateWithinRun(t *testing.T) {
	svc := testService(t, nil)
	src := &sliceSource{steps: recs(rec(1, day(1)), rec(1, day(1)), rec(2, day(2)))}

	res, err := svc.Ingest(context.Background(), "c", src, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	wantCounts(t, res, 2, 1, 0)
	if n := countRows(t, svc, "c"); n != 2 {
		t.Fatalf("rows: got %d, want 2", n)
	}
}

func TestIngest_ResumeAfterCrash(t *testing.T) {
	// WHAT: A stream breaking after 3 writes leaves 3 rows; the rerun writes 4,5.
	// WHY: Per-record commits make every record boundary a resume point.
	svc := testService(t, nil)
	ctx := context.Background()
	all := []*Record{rec(1, day(1)), rec(2, day(2)), rec(3, day(3)), rec(4, day(4)), rec(5, day(5))}

	crashing := &sliceSource{steps: append(recs(all[:3]...), step{err: errStream})}
	res, err := svc.Ingest(ctx, "c", crashing, Filters{})
	if !errors.Is(err, errStream) {
		t.Fatalf("err: got %v, want stream error", err)
	}
	if res.Status != StatusPartial {
		t.Fatalf("status: got %s, want partial", res.Status)
	}
	wantCounts(t, res, 3, 0, 0)
	wantWatermark(t, res.WatermarkAfter, 3)

	res, err = svc.Ingest(ctx, "c", &sliceSource{steps: recs(all...)}, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	wantCounts(t, res, 2, 3, 0)
	wantWatermark(t, res.WatermarkAfter, 5)
}

func TestIngest_DateFilterInclusive(t *testing.T) {
	svc := testService(t, nil)
	var steps []step
	for d := 1; d <= 10; d++ {
		steps = append(steps, step{rec: rec(int64(d), day(d))})
	}
	// Edges of the range: first and last instant of the bounding days.
	steps = append(steps,
		step{rec: rec(11, time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC))},
		step{rec: rec(12, time.Date(2025, 1, 7, 23, 59, 59, 0, time.UTC))},
		step{rec: rec(13, time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC))},
	)
	from, _ := ParseDate("2025-01-03")
	to, _ := ParseDate("2025-01-07")

	res, err := svc.Ingest(context.Background(), "c", &sliceSource{steps: steps}, Filters{From: from, To: to})
	if err != nil {
		t.Fatal(err)
	}
	wantCounts(t, res, 7, 6, 0)

	msgs, err := svc.Messages(context.Background(), "c", ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{3, 4, 5, 6, 7, 11, 12}
	if len(msgs) != len(want) {
		t.Fatalf("messages: got %d, want %d", len(msgs), len(want))
	}
	for i, m := range msgs {
		if m.MessageID != want[i] {
			t.Fatalf("message[%d]: got %d, want %d", i, m.MessageID, want[i])
		}
	}
}

func TestIngest_EmptySource(t *testing.T) {
	svc := testService(t, nil)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, "c", &sliceSource{info: ChannelInfo{DisplayName: "general", Platform: "discord"}}, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	wantCounts(t, res, 0, 0, 0)
	if res.Status != StatusCompleted || res.WatermarkAfter != nil {
		t.Fatalf("result: %+v", res)
	}

	st, err := svc.Status(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.LastBackfilledAt == nil || *st.LastBackfilledAt != fixedNow.UnixMilli() {
		t.Fatalf("last_backfilled_at not set: %+v", st)
	}
	if st.DisplayName != "general" || st.Platform != "discord" {
		t.Fatalf("channel info: %+v", st.Channel)
	}
}

func TestIngest_MonotonicWatermark(t *testing.T) {
	svc := testService(t, nil)
	ctx := context.Background()
	batches := [][]step{
		recs(rec(5, day(1)), rec(6, day(1))),
		recs(rec(2, day(1))),
		{{rec: rec(7, day(2))}, {err: errStream}},
		recs(rec(3, day(1)), rec(9, day(3))),
		nil,
	}
	var prev int64
	for i, b := range batches {
		_, _ = svc.Ingest(ctx, "c", &sliceSource{steps: b}, Filters{})
		wm, err := svc.Watermark(ctx, "c")
		if err != nil {
			t.Fatal(err)
		}
		if wm == nil || *wm < prev {
			t.Fatalf("batch %d: watermark went from %d to %v", i, prev, wm)
		}
		prev = *wm
	}
	if prev != 9 {
		t.Fatalf("final watermark: got %d, want 9", prev)
	}
}

func TestIngest_SkipAndContinue(t *testing.T) {
	svc := testService(t, nil)
	steps := []step{
		{rec: rec(1, day(1))},
		{err: &RecordError{MessageID: 2, Err: errors.New("unparsable")}},
		{rec: &Record{MessageID: 3}}, // no timestamp
		{rec: rec(4, day(4))},
	}
	res, err := svc.Ingest(context.Background(), "c", &sliceSource{steps: steps}, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status: got %s", res.Status)
	}
	wantCounts(t, res, 2, 0, 2)
	wantWatermark(t, res.WatermarkAfter, 4)
}

func TestIngest_StopAndReport(t *testing.T) {
	// WHAT: Under stop policy a bad record halts the run as partial.
	// WHY: Records already written are kept and the next run resumes after them.
	svc := testService(t, &Config{ErrorPolicy: StopAndReport})
	ctx := context.Background()
	steps := []step{
		{rec: rec(1, day(1))},
		{rec: rec(2, day(2))},
		{err: &RecordError{MessageID: 3, Err: errors.New("bad json")}},
		{rec: rec(4, day(4))},
	}
	res, err := svc.Ingest(ctx, "c", &sliceSource{steps: steps}, Filters{})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err: got %v, want ErrStopped", err)
	}
	var re *RecordError
	if !errors.As(err, &re) || re.MessageID != 3 {
		t.Fatalf("record error not carried: %v", err)
	}
	if res.Status != StatusPartial {
		t.Fatalf("status: got %s", res.Status)
	}
	wantCounts(t, res, 2, 0, 1)
	wantWatermark(t, res.WatermarkAfter, 2)

	runs, err := svc.Runs(ctx, "c", 1)
	if err != nil {
		t.Fatal(err)
	}
	if runs[0].Status != "partial" || runs[0].ErrorMessage == "" || runs[0].Written != 2 {
		t.Fatalf("run log: %+v", runs[0])
	}
}

func TestIngest_StopAndReport_FirstRecord(t *testing.T) {
	svc := testService(t, &Config{ErrorPolicy: StopAndReport})
	steps := []step{{rec: &Record{MessageID: -1, CreatedAt: day(1)}}}
	res, err := svc.Ingest(context.Background(), "c", &sliceSource{steps: steps}, Filters{})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("err: got %v, want ErrInvalidRecord", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status: got %s, want failed", res.Status)
	}
}

func TestIngest_SourceUnavailable(t *testing.T) {
	svc := testService(t, nil)
	ctx := context.Background()
	cause := errors.New("401 unauthorized")

	res, err := svc.Ingest(ctx, "c", &sliceSource{openErr: cause}, Filters{})
	if !errors.Is(err, ErrSourceUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("err: got %v", err)
	}
	if res == nil || res.Status != StatusFailed || res.Written != 0 {
		t.Fatalf("result: %+v", res)
	}

	ch, err := svc.Status(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if ch != nil {
		t.Fatalf("channel created for unavailable source: %+v", ch)
	}
	runs, err := svc.Runs(ctx, "c", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "failed" || runs[0].EndedAt == nil {
		t.Fatalf("runs: %+v", runs)
	}
}

func TestIngest_StreamErrorBeforeWrites(t *testing.T) {
	svc := testService(t, nil)
	res, err := svc.Ingest(context.Background(), "c", &sliceSource{steps: []step{{err: errStream}}}, Filters{})
	if !errors.Is(err, errStream) {
		t.Fatalf("err: got %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status: got %s, want failed", res.Status)
	}
	st, _ := svc.Status(context.Background(), "c")
	if st.LastBackfilledAt != nil {
		t.Fatal("last_backfilled_at set on a failed run")
	}
}

func TestIngest_NewestFirstNormalized(t *testing.T) {
	// WHAT: A newest-first source is written oldest-first.
	// WHY: Writing 3 before 1 would let a crash leave watermark 3 with 1 missing.
	arch := &recordingArchive{}
	svc := testService(t, nil, WithArchive(arch))
	src := &sliceSource{
		order: NewestFirst,
		steps: []step{
			{rec: rec(3, day(3))},
			{err: &RecordError{Err: errors.New("service message")}},
			{rec: rec(2, day(2))},
			{rec: rec(1, day(1))},
		},
	}
	res, err := svc.Ingest(context.Background(), "c", src, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	wantCounts(t, res, 3, 0, 1)
	if len(arch.ids) != 3 || arch.ids[0] != 1 || arch.ids[1] != 2 || arch.ids[2] != 3 {
		t.Fatalf("write order: got %v, want [1 2 3]", arch.ids)
	}
}

func TestIngest_OutOfOrderRejected(t *testing.T) {
	// WHAT: An id below one already written in the run is rejected, not stored.
	// WHY: Storing 2 after 3 would hide a gap behind the watermark on a crash.
	arch := &recordingArchive{}
	svc := testService(t, nil, WithArchive(arch))
	src := &sliceSource{steps: recs(rec(1, day(1)), rec(3, day(3)), rec(2, day(2)), rec(4, day(4)))}

	res, err := svc.Ingest(context.Background(), "c", src, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	wantCounts(t, res, 3, 0, 1)
	wantWatermark(t, res.WatermarkAfter, 4)
	if len(arch.ids) != 3 || arch.ids[0] != 1 || arch.ids[1] != 3 || arch.ids[2] != 4 {
		t.Fatalf("written: got %v, want [1 3 4]", arch.ids)
	}
}

func TestIngest_OutOfOrderAfterRecordError(t *testing.T) {
	svc := testService(t, &Config{ErrorPolicy: StopAndReport})
	ctx := context.Background()
	steps := []step{
		{rec: rec(1, day(1))},
		{rec: rec(3, day(3))},
		{err: &RecordError{MessageID: 5, Err: errors.New("bad json")}},
		{rec: rec(2, day(2))},
	}
	res, err := svc.Ingest(ctx, "c", &sliceSource{steps: steps}, Filters{})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err: got %v, want ErrStopped", err)
	}
	wantCounts(t, res, 2, 0, 1)

	// Skip policy carries on past the bad record but still refuses 2.
	svc = testService(t, nil)
	res, err = svc.Ingest(ctx, "c", &sliceSource{steps: steps}, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	wantCounts(t, res, 2, 0, 2)
	msgs, err := svc.Messages(ctx, "c", ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if m.MessageID == 2 {
			t.Fatal("out-of-order message 2 was stored")
		}
	}
}

func TestIngest_OutOfOrderStops(t *testing.T) {
	svc := testService(t, &Config{ErrorPolicy: StopAndReport})
	src := &sliceSource{steps: recs(rec(1, day(1)), rec(3, day(3)), rec(2, day(2)))}
	res, err := svc.Ingest(context.Background(), "c", src, Filters{})
	if !errors.Is(err, ErrStopped) || !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err: got %v, want ErrStopped wrapping ErrOutOfOrder", err)
	}
	if res.Status != StatusPartial {
		t.Fatalf("status: got %s, want partial", res.Status)
	}
	if n := countRows(t, svc, "c"); n != 2 {
		t.Fatalf("rows: got %d, want 2", n)
	}
}

func TestIngest_NewestFirstBrokenDrainWritesNothing(t *testing.T) {
	svc := testService(t, nil)
	src := &sliceSource{
		order: NewestFirst,
		steps: []step{{rec: rec(9, day(9))}, {rec: rec(8, day(8))}, {err: errStream}},
	}
	res, err := svc.Ingest(context.Background(), "c", src, Filters{})
	if !errors.Is(err, errStream) {
		t.Fatalf("err: got %v", err)
	}
	if res.Status != StatusFailed || res.Written != 0 {
		t.Fatalf("result: %+v", res)
	}
	if n := countRows(t, svc, "c"); n != 0 {
		t.Fatalf("rows: got %d, want 0", n)
	}
}

func TestIngest_Limit(t *testing.T) {
	svc := testService(t, nil)
	ctx := context.Background()
	src := &sliceSource{steps: recs(rec(1, day(1)), rec(2, day(2)), rec(3, day(3)), rec(4, day(4)), rec(5, day(5)))}

	res, err := svc.Ingest(ctx, "c", src, Filters{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status: got %s", res.Status)
	}
	wantCounts(t, res, 2, 0, 0)
	wantWatermark(t, res.WatermarkAfter, 2)

	res, err = svc.Ingest(ctx, "c", src, Filters{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	wantCounts(t, res, 2, 2, 0)
	wantWatermark(t, res.WatermarkAfter, 4)
}

func TestIngest_Cancellation(t *testing.T) {
	svc := testService(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &sliceSource{
		steps:  recs(rec(1, day(1)), rec(2, day(2)), rec(3, day(3))),
		onNext: func(i int) {
			if i == 1 {
				cancel()
			}
		},
	}

	res, err := svc.Ingest(ctx, "c", src, Filters{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err: got %v, want context.Canceled", err)
	}
	if res.Status != StatusPartial {
		t.Fatalf("status: got %s, want partial", res.Status)
	}
	if n := countRows(t, svc, "c"); n != res.Written {
		t.Fatalf("rows %d != written %d", n, res.Written)
	}
	runs, err := svc.Runs(context.Background(), "c", 1)
	if err != nil {
		t.Fatal(err)
	}
	if runs[0].Status != "partial" {
		t.Fatalf("run status: got %s", runs[0].Status)
	}
}

func TestIngest_ConcurrentSameChannel(t *testing.T) {
	// WHAT: Overlapping runs of one channel store each message once.
	// WHY: A manual rerun can overlap a scheduled one.
	svc := testService(t, nil)
	other := testService(t, nil)
	other.store = svc.store // second service, separate locks, same database

	var steps []step
	for i := int64(1); i <= 20; i++ {
		steps = append(steps, step{rec: rec(i, day(1))})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	written := 0
	for i := range 4 {
		wg.Add(1)
		s := svc
		if i%2 == 1 {
			s = other
		}
		go func() {
			defer wg.Done()
			res, err := s.Ingest(context.Background(), "c", &sliceSource{steps: steps}, Filters{})
			if err != nil {
				t.Errorf("ingest: %v", err)
				return
			}
			mu.Lock()
			written += res.Written
			mu.Unlock()
		}()
	}
	wg.Wait()

	if written != 20 {
		t.Fatalf("total written: got %d, want 20", written)
	}
	if n := countRows(t, svc, "c"); n != 20 {
		t.Fatalf("rows: got %d, want 20", n)
	}
}

func TestIngest_LockWaitCancelled(t *testing.T) {
	svc := testService(t, nil)
	unlock, err := svc.lock(context.Background(), "c")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := svc.Ingest(ctx, "c", &sliceSource{}, Filters{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err: got %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status: got %s", res.Status)
	}
}

func TestIngest_ArchiveAndMedia(t *testing.T) {
	arch := &recordingArchive{err: errors.New("disk full")}
	svc := testService(t, nil, WithArchive(arch))
	ctx := context.Background()

	r := rec(1, day(1))
	r.Attachments = []Attachment{{ID: "a1", Filename: "cat.png", Size: 10}}
	r2 := rec(2, day(2))
	r2.Attachments = r.Attachments

	res, err := svc.Ingest(ctx, "c", &sliceSource{steps: recs(r)}, Filters{})
	if err != nil {
		t.Fatalf("archive errors must not fail the run: %v", err)
	}
	wantCounts(t, res, 1, 0, 0)
	if _, err := svc.Ingest(ctx, "c", &sliceSource{steps: recs(r2)}, Filters{SkipMedia: true}); err != nil {
		t.Fatal(err)
	}

	msgs, err := svc.Messages(ctx, "c", ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !msgs[0].HasMedia || msgs[0].MediaJSON == "" || msgs[0].RawPath != "raw/c" {
		t.Fatalf("message 1: %+v", msgs[0])
	}
	if !msgs[1].HasMedia || msgs[1].MediaJSON != "" {
		t.Fatalf("message 2 with skip media: %+v", msgs[1])
	}
}

func TestIngest_ForeignChannelRejected(t *testing.T) {
	svc := testService(t, nil)
	r := rec(1, day(1))
	r.ChannelID = "other"
	res, err := svc.Ingest(context.Background(), "c", &sliceSource{steps: recs(r)}, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	wantCounts(t, res, 0, 0, 1)
}

func TestIngest_BadFilters(t *testing.T) {
	svc := testService(t, nil)
	_, err := svc.Ingest(context.Background(), "c", &sliceSource{}, Filters{From: day(5), To: day(1)})
	if err == nil {
		t.Fatal("expected error for reversed range")
	}
	_, err = svc.Ingest(context.Background(), "", &sliceSource{}, Filters{})
	if err == nil {
		t.Fatal("expected error for empty channel id")
	}
}

func TestIngest_ProgressRecorded(t *testing.T) {
	svc := testService(t, &Config{ProgressEvery: 1})
	src := &sliceSource{steps: recs(rec(1, day(1)), rec(2, day(2)))}
	var seen []int
	src.onNext = func(i int) {
		if i == 1 {
			runs, err := svc.Runs(context.Background(), "c", 1)
			if err == nil && len(runs) == 1 {
				seen = append(seen, runs[0].Written)
			}
		}
	}
	if _, err := svc.Ingest(context.Background(), "c", src, Filters{}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != 1 {
		t.Fatalf("progress before second record: %v", seen)
	}
}

func TestResumeOrStart(t *testing.T) {
	svc := testService(t, nil)
	ctx := context.Background()
	wm, err := svc.ResumeOrStart(ctx, "c")
	if err != nil || wm != nil {
		t.Fatalf("fresh: got %v, %v", wm, err)
	}
	if _, err := svc.Ingest(ctx, "c", &sliceSource{steps: recs(rec(7, day(1)))}, Filters{}); err != nil {
		t.Fatal(err)
	}
	wm, err = svc.ResumeOrStart(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	wantWatermark(t, wm, 7)
}
