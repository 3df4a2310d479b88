package cursor

import (
	"context"
	"errors"
	"io"
	"sort"
)

type item struct {
	rec *Record
	err error
}

// sliceIterator replays drained items in order.
type sliceIterator struct {
	items []item
	pos   int
	inner Iterator
}

func (it *sliceIterator) Next(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.items) {
		return nil, io.EOF
	}
	i := it.items[it.pos]
	it.pos++
	return i.rec, i.err
}

func (it *sliceIterator) Close() error {
	if it.inner != nil {
		return it.inner.Close()
	}
	return nil
}

func (it *sliceIterator) Describe() ChannelInfo {
	if d, ok := it.inner.(Describer); ok {
		return d.Describe()
	}
	return ChannelInfo{}
}

// normalize drains a NewestFirst iterator and returns one yielding the same
// records oldest-first. Record errors are kept and surface first. A stream
// error while draining aborts: writing the newest part of an incomplete
// range would move the watermark past messages never seen.
func normalize(ctx context.Context, it Iterator) (Iterator, error) {
	o, ok := it.(Ordered)
	if !ok || o.Order() != NewestFirst {
		return it, nil
	}

	var recs []*Record
	var bad []item
	for {
		rec, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var re *RecordError
			if errors.As(err, &re) {
				bad = append(bad, item{err: err})
				continue
			}
			return nil, err
		}
		recs = append(recs, rec)
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].MessageID < recs[j].MessageID })

	items := bad
	for _, r := range recs {
		items = append(items, item{rec: r})
	}
	return &sliceIterator{items: items, inner: it}, nil
}
