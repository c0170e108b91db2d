// Package tail tracks per-file read cursors and performs incremental reads of
// growing files.
//
// A Cursor remembers the last observed modification time and the byte offset
// up to which the file has already been reported. ReadDelta uses it to return
// only the bytes appended since the previous call, to ignore duplicate
// notifications that carry an unchanged modification time, and to restart
// from the beginning after the file was truncated or rotated.
package tail

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tripwire/fileaudit/internal/model"
)

// Cursor is the bookkeeping kept for one tracked file. LastModified is the
// modification time in nanoseconds since the Unix epoch; zero means no
// modification time has been cached yet.
type Cursor struct {
	Path         string
	LastModified int64
	Offset       int64
}

// State is a concurrency-safe path→Cursor store. The zero value is not
// usable; construct one with New.
type State struct {
	mu      sync.Mutex
	cursors map[string]Cursor
}

// New returns an empty State.
func New() *State {
	return &State{cursors: make(map[string]Cursor)}
}

// Get returns the cursor for path, if one exists.
func (s *State) Get(path string) (Cursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[path]
	return c, ok
}

// Reset starts path over at offset 0 with no cached modification time, so
// the next modify notification always reads.
func (s *State) Reset(path string) {
	s.mu.Lock()
	s.cursors[path] = Cursor{Path: path}
	s.mu.Unlock()
}

// Seed positions path at offset size with the given modification time. It is
// used when a file starts being tracked mid-life and only later appends
// should be reported.
func (s *State) Seed(path string, size, modTime int64) {
	s.mu.Lock()
	s.cursors[path] = Cursor{Path: path, LastModified: modTime, Offset: size}
	s.mu.Unlock()
}

// Drop forgets path.
func (s *State) Drop(path string) {
	s.mu.Lock()
	delete(s.cursors, path)
	s.mu.Unlock()
}

// DropUnder forgets every cursor at or below root and returns how many were
// removed.
func (s *State) DropUnder(root string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for p := range s.cursors {
		if model.IsUnder(root, p) {
			delete(s.cursors, p)
			n++
		}
	}
	return n
}

// Len returns the number of tracked files.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cursors)
}

// Clear forgets every cursor.
func (s *State) Clear() {
	s.mu.Lock()
	clear(s.cursors)
	s.mu.Unlock()
}

// ReadDelta returns the text appended to path since the previous call.
//
// A notification whose modification time equals the cached one is a
// duplicate and yields "" without touching the offset. When the file is
// shorter than the cached offset it was truncated and is read again from the
// start. The offset always advances to the current size, even when the delta
// is empty. Invalid UTF-8 sequences are replaced with U+FFFD.
//
// Callers must not run ReadDelta concurrently for the same path; distinct
// paths are independent.
func (s *State) ReadDelta(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("tail: stat %q: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("tail: %q is a directory", path)
	}
	modTime := info.ModTime().UnixNano()

	s.mu.Lock()
	c, ok := s.cursors[path]
	if ok && c.LastModified == modTime {
		s.mu.Unlock()
		return "", nil
	}
	c.Path = path
	c.LastModified = modTime
	s.cursors[path] = c
	s.mu.Unlock()

	size := info.Size()
	offset := c.Offset
	if offset > size {
		offset = 0
	}

	var delta []byte
	if offset < size {
		delta, err = readRange(path, offset, size)
		if err != nil {
			return "", fmt.Errorf("tail: read %q [%d,%d): %w", path, offset, size, err)
		}
	}

	s.mu.Lock()
	// The cursor may have been dropped by a concurrent delete; do not
	// resurrect it.
	if cur, ok := s.cursors[path]; ok {
		cur.Offset = size
		s.cursors[path] = cur
	}
	s.mu.Unlock()

	return decode(delta), nil
}

func decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}
