package discordweb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hazyhaar/chanarchive/cursor"
)

// FileSource replays saved Discord web pages (e.g. "Save page as" or
// BrowserSource snapshots). Pattern is a filepath.Glob pattern.
type FileSource struct {
	pattern string
}

// NewFileSource creates a FileSource over the files matching pattern.
func NewFileSource(pattern string) *FileSource {
	return &FileSource{pattern: pattern}
}

func (s *FileSource) Name() string { return "discord-html" }

// Open parses every matching file. No match, or an unreadable file, makes
// the source unavailable.
func (s *FileSource) Open(_ context.Context, channelID string, q cursor.Query) (cursor.Iterator, error) {
	files, err := filepath.Glob(s.pattern)
	if err != nil {
		return nil, fmt.Errorf("discordweb: glob %q: %w", s.pattern, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("discordweb: no files match %q", s.pattern)
	}
	sort.Strings(files)

	var pages []*Page
	for _, f := range files {
		fh, err := os.Open(f)
		if err != nil {
			return nil, fmt.Errorf("discordweb: %w", err)
		}
		p, err := ParseHTML(fh, channelID)
		fh.Close()
		if err != nil {
			return nil, fmt.Errorf("discordweb: %s: %w", f, err)
		}
		pages = append(pages, p)
	}

	recs, errs := merge(pages...)
	return newRecordIterator(recs, errs, q), nil
}
