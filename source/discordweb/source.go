// Package discordweb reads Discord channel history from the web client's
// DOM: saved HTML snapshots (FileSource) or live pages driven by a headless
// browser (BrowserSource).
package discordweb

import (
	"context"
	"io"
	"sort"

	"github.com/hazyhaar/chanarchive/cursor"
)

// merge folds pages into one id-ordered record list. A later snapshot
// replaces an earlier version of the same message (edits).
func merge(pages ...*Page) ([]*cursor.Record, []*cursor.RecordError) {
	byID := make(map[int64]*cursor.Record)
	var errs []*cursor.RecordError
	for _, p := range pages {
		for _, r := range p.Records {
			byID[r.MessageID] = r
		}
		errs = append(errs, p.Errors...)
	}
	out := make([]*cursor.Record, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, errs
}

// recordIterator yields record errors first, then records oldest-first,
// dropping what the query already excludes.
type recordIterator struct {
	recs  []*cursor.Record
	errs  []*cursor.RecordError
	q     cursor.Query
	info  cursor.ChannelInfo
	close func() error
}

func newRecordIterator(recs []*cursor.Record, errs []*cursor.RecordError, q cursor.Query) *recordIterator {
	it := &recordIterator{errs: errs, q: q, info: cursor.ChannelInfo{Platform: "discord"}}
	for _, r := range recs {
		if q.After != nil && r.MessageID <= *q.After {
			continue
		}
		if q.SkipMedia {
			r.Attachments = nil
		}
		it.recs = append(it.recs, r)
	}
	return it
}

func (it *recordIterator) Next(ctx context.Context) (*cursor.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(it.errs) > 0 {
		e := it.errs[0]
		it.errs = it.errs[1:]
		return nil, e
	}
	if len(it.recs) == 0 {
		return nil, io.EOF
	}
	r := it.recs[0]
	it.recs = it.recs[1:]
	return r, nil
}

func (it *recordIterator) Close() error {
	if it.close != nil {
		return it.close()
	}
	return nil
}

func (it *recordIterator) Describe() cursor.ChannelInfo { return it.info }
