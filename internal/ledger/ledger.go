// Package ledger implements the append-only record of handled episodes.
//
// The ledger file is line-oriented UTF-8 text with one record per line:
//
//	<episode_id> <unix_timestamp> "<title>"
//
// Only the first whitespace-delimited token is significant when loading, so
// trailing fields may grow without breaking older readers. The file is never
// rewritten in place; records are only ever appended.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/bryan-buckman/castkeep/internal/model"
)

var (
	// ErrIsDirectory is returned when the ledger path points at a directory.
	ErrIsDirectory = errors.New("ledger path is a directory")
	// ErrInvalidID is returned for empty episode ids or ids containing whitespace.
	ErrInvalidID = errors.New("invalid episode id")
)

// Ledger is the in-memory view of a ledger file plus the single writer that
// appends to it. Safe for concurrent use.
type Ledger struct {
	path string
	now  func() time.Time

	mu       sync.RWMutex
	ids      map[string]struct{}
	inflight map[string]struct{}

	// writeMu serialises appends to the file.
	writeMu sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Load reads the ledger at path. A missing file yields an empty ledger.
func Load(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		path:     path,
		now:      time.Now,
		ids:      make(map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	f, err := open(path)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return l, nil
	}
	defer f.Close()

	err = scanLines(f, func(line string) {
		fields := strings.Fields(line)
		if len(fields) > 0 {
			l.ids[fields[0]] = struct{}{}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	return l, nil
}

// Path returns the file backing the ledger.
func (l *Ledger) Path() string {
	return l.path
}

// Len returns the number of recorded ids.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}

// Contains reports whether id has been recorded.
func (l *Ledger) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[id]
	return ok
}

// Claim reserves id for the caller. It returns false if id is already
// recorded or another caller holds a reservation for it. A successful claim
// must be followed by Commit or Release.
func (l *Ledger) Claim(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[id]; ok {
		return false
	}
	if _, ok := l.inflight[id]; ok {
		return false
	}
	l.inflight[id] = struct{}{}
	return true
}

// Release drops a reservation taken with Claim without recording anything.
func (l *Ledger) Release(id string) {
	l.mu.Lock()
	delete(l.inflight, id)
	l.mu.Unlock()
}

// Commit durably appends a record for a claimed id. The id becomes visible to
// Contains only once the append has succeeded. The reservation is dropped
// whether or not the append succeeds.
func (l *Ledger) Commit(id, title string) error {
	l.writeMu.Lock()
	err := Append(l.path, model.LedgerEntry{
		EpisodeID:  id,
		RecordedAt: l.now(),
		Title:      title,
	})
	l.writeMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, id)
	if err != nil {
		return err
	}
	l.ids[id] = struct{}{}
	return nil
}

// Record claims and commits id in one step. It returns false without error
// if id was already recorded or is in flight elsewhere.
func (l *Ledger) Record(id, title string) (bool, error) {
	if !l.Claim(id) {
		return false, nil
	}
	if err := l.Commit(id, title); err != nil {
		return false, err
	}
	return true, nil
}

// Append writes one entry to the ledger file at path, creating the file and
// its parent directories as needed.
func Append(path string, e model.LedgerEntry) error {
	if e.EpisodeID == "" || strings.IndexFunc(e.EpisodeID, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%q: %w", e.EpisodeID, ErrInvalidID)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	torn, err := missingNewline(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("inspect ledger: %w", err)
	}

	var b strings.Builder
	if torn {
		// A previous write was cut short; start on a fresh line.
		b.WriteByte('\n')
	}
	b.WriteString(formatEntry(e))

	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	return f.Close()
}

// Entries reads every record in the ledger at path. Lines whose timestamp
// cannot be parsed keep a zero RecordedAt. A missing file yields no entries.
func Entries(path string) ([]model.LedgerEntry, error) {
	f, err := open(path)
	if err != nil || f == nil {
		return nil, err
	}
	defer f.Close()

	var entries []model.LedgerEntry
	err = scanLines(f, func(line string) {
		if e, ok := parseEntry(line); ok {
			entries = append(entries, e)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	return entries, nil
}

func formatEntry(e model.LedgerEntry) string {
	title := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, e.Title)
	return fmt.Sprintf("%s %d \"%s\"\n", e.EpisodeID, e.RecordedAt.Unix(), title)
}

func parseEntry(line string) (model.LedgerEntry, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return model.LedgerEntry{}, false
	}
	id, rest, _ := strings.Cut(line, " ")
	e := model.LedgerEntry{EpisodeID: id}

	rest = strings.TrimLeft(rest, " \t")
	ts, title, _ := strings.Cut(rest, " ")
	if secs, err := strconv.ParseInt(ts, 10, 64); err == nil {
		e.RecordedAt = time.Unix(secs, 0)
	}
	// Titles are not escaped, so only the outermost quotes are delimiters.
	title = strings.TrimSpace(title)
	if len(title) >= 2 && strings.HasPrefix(title, `"`) && strings.HasSuffix(title, `"`) {
		title = title[1 : len(title)-1]
	}
	e.Title = title
	return e, true
}

// open returns a nil file without error when path does not exist.
func open(path string) (*os.File, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("stat ledger: %w", err)
	case info.IsDir():
		return nil, fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return f, nil
}

func scanLines(r io.Reader, fn func(line string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			fn(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func missingNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, info.Size()-1); err != nil {
		return false, err
	}
	return buf[0] != '\n', nil
}

// Prepare checks that path can hold a ledger file, creating its parent
// directories. It returns ErrIsDirectory if path is a directory.
func Prepare(path string) error {
	if path == "" {
		return errors.New("ledger path is empty")
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	return nil
}
