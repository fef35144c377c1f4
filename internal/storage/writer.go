package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Journal keeps one markdown file per day with a line per finished episode.
type Journal struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

func NewJournal(dir string) *Journal {
	return &Journal{dir: dir, now: time.Now}
}

func (j *Journal) Append(ep Episode) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", j.dir, err)
	}

	path := j.PathFor(ep.StartedAt)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintln(f, FormatEntry(ep)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

// PathFor is the journal file for the local day of t.
func (j *Journal) PathFor(t time.Time) string {
	return filepath.Join(j.dir, t.Local().Format("2006-01-02")+".md")
}

func (j *Journal) CurrentPath() string {
	return j.PathFor(j.now())
}

// FormatEntry renders ep as a markdown list item.
func FormatEntry(ep Episode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- **%s** [%s, %s]", ep.StartedAt.Local().Format("15:04:05"), ep.Kind, ep.Reason)

	transcript := strings.TrimSpace(ep.Transcript)
	if transcript == "" {
		transcript = "_(nothing heard)_"
	}
	b.WriteString(" ")
	b.WriteString(transcript)

	if len(ep.Expected) > 0 {
		mark := "✗"
		if ep.Accepted {
			mark = "✓"
		}
		fmt.Fprintf(&b, " %s expected: %s", mark, strings.Join(ep.Expected, " / "))
	}
	return b.String()
}
