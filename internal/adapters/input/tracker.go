// Package input adapts raw log files into domain ban events: a poll-based
// position tracker with crash-resumable cursors, the fail2ban line parser,
// and a live follower for interactive use.
package input

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// trackerSchemaVersion tags the persisted cursor state.
const trackerSchemaVersion = 1

// ErrTrackerSchemaTooNew mirrors the store's fatal schema policy for the
// tracker's own persisted state.
var ErrTrackerSchemaTooNew = errors.New("input: tracker state version newer than supported")

// Cursor is the read position for one log source.
type Cursor struct {
	Inode   uint64    `json:"inode"`
	Offset  int64     `json:"offset"`
	ModTime time.Time `json:"mod_time"`

	// Done marks an archived (rotated, typically gzip-compressed) source
	// that has been consumed in full; later polls skip it entirely.
	Done bool `json:"done,omitempty"`

	// Partial buffers a trailing line fragment that had no terminating
	// newline at read time. It is prefixed to the next poll's data.
	Partial string `json:"partial,omitempty"`
}

type trackerState struct {
	Version int                `json:"version"`
	Cursors map[string]*Cursor `json:"cursors"`
}

// PositionTracker polls log sources incrementally, detecting rotation and
// truncation, and persists its cursors so re-tailing after a restart never
// re-emits or skips lines.
type PositionTracker struct {
	statePath string
	mu        sync.Mutex
	state     trackerState
	dirty     bool
}

// NewPositionTracker loads persisted cursor state from statePath, starting
// empty when the file does not exist yet.
func NewPositionTracker(statePath string) (*PositionTracker, error) {
	state, err := readTrackerState(statePath)
	if err != nil {
		return nil, err
	}
	return &PositionTracker{statePath: statePath, state: state}, nil
}

// readTrackerState loads the persisted cursors, returning an empty state
// when the file does not exist yet.
func readTrackerState(statePath string) (trackerState, error) {
	empty := trackerState{
		Version: trackerSchemaVersion,
		Cursors: make(map[string]*Cursor),
	}

	raw, err := os.ReadFile(statePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return empty, nil
	case err != nil:
		return empty, fmt.Errorf("input: read tracker state %s: %w", statePath, err)
	}

	var state trackerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return empty, fmt.Errorf("input: corrupt tracker state %s: %w", statePath, err)
	}
	if state.Version > trackerSchemaVersion {
		return empty, fmt.Errorf("%w: file version %d, supported up to %d",
			ErrTrackerSchemaTooNew, state.Version, trackerSchemaVersion)
	}
	if state.Cursors == nil {
		state.Cursors = make(map[string]*Cursor)
	}
	state.Version = trackerSchemaVersion
	return state, nil
}

// Reset discards cursor advances that have not been saved yet, restoring
// the last persisted state. The engine rewinds this way when a store
// commit fails, so the next poll re-reads the same lines instead of
// dropping them for the rest of the process lifetime.
func (t *PositionTracker) Reset() error {
	state, err := readTrackerState(t.statePath)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.state = state
	t.dirty = false
	t.mu.Unlock()
	return nil
}

// Poll reads the new complete lines appended to path since the last poll.
//
// Rotation (inode change) and truncation (size below the stored offset)
// both reset the cursor to the start of the file. Gzip-compressed archives
// are read exactly once in full and then flagged done. An unreadable source
// returns an error the caller should treat as retryable.
func (t *PositionTracker) Poll(path string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.state.Cursors[path]
	if !ok {
		cur = &Cursor{}
		t.state.Cursors[path] = cur
	}
	if cur.Done {
		return nil, nil
	}

	if isArchive(path) {
		lines, err := readArchive(path)
		if err != nil {
			return nil, err
		}
		cur.Done = true
		t.dirty = true
		return lines, nil
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("input: stat %s: %w", path, err)
	}

	inode := fileInode(fi)
	if cur.Inode != 0 && inode != 0 && inode != cur.Inode {
		log.Info().Str("file", path).Msg("log rotated, reading new file from start")
		cur.Offset = 0
		cur.Partial = ""
	}
	if fi.Size() < cur.Offset {
		log.Warn().
			Str("file", path).
			Int64("size", fi.Size()).
			Int64("offset", cur.Offset).
			Msg("log truncated, resetting cursor")
		cur.Offset = 0
		cur.Partial = ""
	}
	cur.Inode = inode
	cur.ModTime = fi.ModTime()

	if fi.Size() == cur.Offset {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("input: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(cur.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("input: seek %s: %w", path, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("input: read %s: %w", path, err)
	}
	cur.Offset += int64(len(data))

	lines, partial := splitLines(cur.Partial, data)
	cur.Partial = partial
	t.dirty = true
	return lines, nil
}

// splitLines prepends the buffered fragment, splits on newlines, and
// returns the unterminated tail separately.
func splitLines(partial string, data []byte) ([]string, string) {
	buf := data
	if partial != "" {
		buf = append([]byte(partial), data...)
	}
	var lines []string
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(buf[:i]), "\r")
		if line != "" {
			lines = append(lines, line)
		}
		buf = buf[i+1:]
	}
	return lines, string(buf)
}

func isArchive(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

func readArchive(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("input: open archive %s: %w", path, err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("input: gunzip %s: %w", path, err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("input: read archive %s: %w", path, err)
	}
	lines, partial := splitLines("", data)
	if partial != "" {
		lines = append(lines, partial)
	}
	return lines, nil
}

// fileInode returns the identity token for rotation detection, or 0 when
// the platform does not expose one.
func fileInode(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

// Save persists the cursor state atomically next to the store.
func (t *PositionTracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty {
		return nil
	}

	data, err := json.MarshalIndent(&t.state, "", "  ")
	if err != nil {
		return fmt.Errorf("input: marshal tracker state: %w", err)
	}
	dir := filepath.Dir(t.statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("input: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".positions-*.json")
	if err != nil {
		return fmt.Errorf("input: temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("input: write tracker state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("input: sync tracker state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, t.statePath); err != nil {
		return fmt.Errorf("input: commit tracker state: %w", err)
	}
	t.dirty = false
	return nil
}

// ExpandSources resolves pattern (e.g. /var/log/fail2ban.log*) into the
// matching files ordered oldest first, so archived history replays before
// the live log. Rotated files sort by their rotation number descending:
// fail2ban.log.2.gz before fail2ban.log.1 before fail2ban.log.
func ExpandSources(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("input: bad source pattern %q: %w", pattern, err)
	}
	sort.Slice(matches, func(i, j int) bool {
		return rotationRank(matches[i]) > rotationRank(matches[j])
	})
	return matches, nil
}

// rotationRank extracts the rotation number of a log file name; the live
// log (no number) ranks lowest so it sorts last.
func rotationRank(path string) int {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".gz")
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return -1
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return -1
	}
	return n
}
