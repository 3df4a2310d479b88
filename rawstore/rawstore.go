// Package rawstore keeps the raw form of every ingested message on disk as
// <dir>/<channel_id>/message_<id>.json and replays such a tree as a source.
//
// Files are written atomically (write .tmp then rename) so a replay never
// sees a half-written message.
package rawstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/chanarchive/cursor"
)

// Writer archives records under a root directory. It implements
// cursor.Archiver.
type Writer struct {
	dir string
}

// NewWriter creates a Writer rooted at dir. Directories are created on
// first write.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Path returns the file a record is archived to.
func (w *Writer) Path(rec *cursor.Record) string {
	return messagePath(w.dir, rec.ChannelID, rec.MessageID)
}

// Archive writes rec as indented JSON.
func (w *Writer) Archive(_ context.Context, rec *cursor.Record) error {
	target := w.Path(rec)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("rawstore: mkdir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("rawstore: marshal %d: %w", rec.MessageID, err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("rawstore: write tmp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rawstore: rename: %w", err)
	}
	return nil
}

func messagePath(dir, channelID string, id int64) string {
	return filepath.Join(dir, channelDir(channelID), fmt.Sprintf("message_%d.json", id))
}

// channelDir keeps channel ids usable as a single path element.
func channelDir(channelID string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(channelID)
}
