// Package audit keeps a tamper-evident copy of operation records in an
// append-only JSON Lines file. Each line is SHA-256 hash-chained to the line
// before it:
//
//	hash(N) = SHA-256( JSON({seq, ts, record, prev_hash}) )
//
// The first line uses GenesisHash as its prev_hash. Removing, reordering or
// editing any line breaks the chain, which Verify reports.
//
// Trail implements the persistence sink contract, so it can sit next to the
// database behind a persist.Tee.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tripwire/fileaudit/internal/model"
)

// GenesisHash is the prev_hash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLine bounds a single entry. MODIFY records carry appended file content,
// so lines can be large.
const maxLine = 16 << 20

// Entry is one line of the trail.
type Entry struct {
	Seq       int64                 `json:"seq"`
	Timestamp time.Time             `json:"ts"`
	Record    model.OperationRecord `json:"record"`
	PrevHash  string                `json:"prev_hash"`
	Hash      string                `json:"hash"`
}

// sealed is the hashed portion of an Entry.
type sealed struct {
	Seq       int64                 `json:"seq"`
	Timestamp time.Time             `json:"ts"`
	Record    model.OperationRecord `json:"record"`
	PrevHash  string                `json:"prev_hash"`
}

func (e Entry) digest() string {
	raw, err := json.Marshal(sealed{Seq: e.Seq, Timestamp: e.Timestamp, Record: e.Record, PrevHash: e.PrevHash})
	if err != nil {
		panic(fmt.Sprintf("audit: marshal entry: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ChainError describes the first broken link found while scanning a trail.
type ChainError struct {
	Line   int
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit: chain broken at line %d (seq %d): %s", e.Line, e.Seq, e.Reason)
}

// Trail appends hash-chained entries to a file. It is safe for concurrent
// use; appends are serialised.
type Trail struct {
	mu   sync.Mutex
	file *os.File
	prev string
	seq  int64
	now  func() time.Time
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// Open opens or creates the trail at path. An existing file is verified in
// full and the chain resumes from its last entry; a broken chain is an
// error wrapping *ChainError.
func Open(path string, opts ...Option) (*Trail, error) {
	prev, seq := GenesisHash, int64(0)

	switch f, err := os.Open(path); {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	default:
		err := scan(f, func(e Entry) { prev, seq = e.Hash, e.Seq })
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("audit: resume %q: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for append %q: %w", path, err)
	}
	t := &Trail{file: f, prev: prev, seq: seq, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Append seals rec into the next entry and writes it as one line.
func (t *Trail) Append(rec model.OperationRecord) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := Entry{
		Seq:       t.seq + 1,
		Timestamp: t.now().UTC(),
		Record:    rec,
		PrevHash:  t.prev,
	}
	e.Hash = e.digest()

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := t.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry %d: %w", e.Seq, err)
	}
	t.seq, t.prev = e.Seq, e.Hash
	return e, nil
}

// Write appends rec, satisfying the persistence sink contract.
func (t *Trail) Write(_ context.Context, rec model.OperationRecord) error {
	_, err := t.Append(rec)
	return err
}

// Close syncs and closes the file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Sync(); err != nil {
		_ = t.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return t.file.Close()
}

// Verify reads the trail at path and checks every link. It returns the
// entries in order, or an error wrapping *ChainError at the first break.
// An empty file is a valid, empty chain.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify %q: %w", path, err)
	}
	defer f.Close()

	var out []Entry
	if err := scan(f, func(e Entry) { out = append(out, e) }); err != nil {
		return nil, fmt.Errorf("audit: verify %q: %w", path, err)
	}
	return out, nil
}

// scan walks r line by line, checking sequence, linkage and digest, and
// hands each valid entry to fn.
func scan(r io.Reader, fn func(Entry)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)

	prev, seq := GenesisHash, int64(0)
	for line := 1; sc.Scan(); line++ {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return &ChainError{Line: line, Seq: seq + 1, Reason: "malformed entry: " + err.Error()}
		}
		switch {
		case e.Seq != seq+1:
			return &ChainError{Line: line, Seq: e.Seq, Reason: fmt.Sprintf("expected seq %d", seq+1)}
		case e.PrevHash != prev:
			return &ChainError{Line: line, Seq: e.Seq, Reason: "prev_hash does not match predecessor"}
		case e.digest() != e.Hash:
			return &ChainError{Line: line, Seq: e.Seq, Reason: "hash does not match content"}
		}
		fn(e)
		prev, seq = e.Hash, e.Seq
	}
	return sc.Err()
}
