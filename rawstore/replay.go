package rawstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hazyhaar/chanarchive/cursor"
)

// Source replays an archive directory in message id order.
type Source struct {
	dir string
}

// NewSource creates a replay source over dir.
func NewSource(dir string) *Source {
	return &Source{dir: dir}
}

func (s *Source) Name() string { return "replay" }

// Open lists the channel's archived files. A missing channel directory
// makes the source unavailable.
func (s *Source) Open(_ context.Context, channelID string, q cursor.Query) (cursor.Iterator, error) {
	chDir := filepath.Join(s.dir, channelDir(channelID))
	entries, err := os.ReadDir(chDir)
	if err != nil {
		return nil, fmt.Errorf("rawstore: read %s: %w", chDir, err)
	}

	var files []replayFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "message_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "message_"), ".json"), 10, 64)
		if err != nil {
			continue
		}
		if q.After != nil && id <= *q.After {
			continue
		}
		files = append(files, replayFile{id: id, path: filepath.Join(chDir, name)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].id < files[j].id })

	return &iterator{channelID: channelID, files: files}, nil
}

type replayFile struct {
	id   int64
	path string
}

type iterator struct {
	channelID string
	files     []replayFile
	pos       int
}

func (it *iterator) Next(ctx context.Context) (*cursor.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.files) {
		return nil, io.EOF
	}
	f := it.files[it.pos]
	it.pos++

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, &cursor.RecordError{MessageID: f.id, Err: err}
	}
	var rec cursor.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &cursor.RecordError{MessageID: f.id, Err: fmt.Errorf("decode %s: %w", filepath.Base(f.path), err)}
	}
	if rec.MessageID != f.id {
		return nil, &cursor.RecordError{MessageID: f.id, Err: fmt.Errorf("file holds message %d", rec.MessageID)}
	}
	if rec.ChannelID == "" {
		rec.ChannelID = it.channelID
	}
	return &rec, nil
}

func (it *iterator) Close() error { return nil }

// Describe reports nothing: a replay must not overwrite the metadata the
// original source stored.
func (it *iterator) Describe() cursor.ChannelInfo { return cursor.ChannelInfo{} }
