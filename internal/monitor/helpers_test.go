package monitor_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/fileaudit/internal/model"
	"github.com/tripwire/fileaudit/internal/monitor"
	"github.com/tripwire/fileaudit/internal/watcher"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

// fakePrimitive lets tests inject events by hand.
type fakePrimitive struct {
	ch chan watcher.Event

	mu      sync.Mutex
	added   map[string]int
	removed map[string]int
	closed  bool

	// gate, when set, holds every Add until it is closed.
	gate    chan struct{}
	blocked int
}

func newFakePrimitive() *fakePrimitive {
	return &fakePrimitive{
		ch:      make(chan watcher.Event, 64),
		added:   make(map[string]int),
		removed: make(map[string]int),
	}
}

func (p *fakePrimitive) Add(path string) error {
	p.mu.Lock()
	p.added[path]++
	gate := p.gate
	if gate != nil {
		p.blocked++
	}
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil
}

func (p *fakePrimitive) holdAdds(gate chan struct{}) {
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()
}

func (p *fakePrimitive) blockedAdds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocked
}

func (p *fakePrimitive) Remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed[path]++
	return nil
}

func (p *fakePrimitive) Events() <-chan watcher.Event { return p.ch }

func (p *fakePrimitive) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

func (p *fakePrimitive) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePrimitive) emit(op watcher.Op, path string) {
	p.ch <- watcher.Event{Path: path, Dir: filepath.Dir(path), Op: op, Time: time.Now()}
}

// memStore is an in-memory ConfigStore.
type memStore struct {
	mu          sync.Mutex
	rows        map[string]model.WatchTarget
	softDeleted []string
	listErr     error
}

func newMemStore(targets ...model.WatchTarget) *memStore {
	s := &memStore{rows: make(map[string]model.WatchTarget)}
	for _, t := range targets {
		s.rows[t.Path] = t
	}
	return s
}

func (s *memStore) ListEnabled(context.Context) ([]model.WatchTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []model.WatchTarget
	for _, t := range s.rows {
		if t.Enabled {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *memStore) Upsert(_ context.Context, t model.WatchTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[t.Path] = t
	return nil
}

func (s *memStore) SoftDeleteUnder(_ context.Context, root string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for p := range s.rows {
		if model.IsUnder(root, p) {
			delete(s.rows, p)
			s.softDeleted = append(s.softDeleted, p)
			n++
		}
	}
	return n, nil
}

func (s *memStore) row(path string) (model.WatchTarget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[path]
	return t, ok
}

func (s *memStore) deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.softDeleted...)
	sort.Strings(out)
	return out
}

// recSink collects records.
type recSink struct {
	mu   sync.Mutex
	recs []model.OperationRecord
}

func (s *recSink) Write(_ context.Context, rec model.OperationRecord) error {
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
	return nil
}

// slowSink delays every write and signals the first one.
type slowSink struct {
	recSink
	delay   time.Duration
	entered chan struct{}
	once    sync.Once
}

func (s *slowSink) Write(ctx context.Context, rec model.OperationRecord) error {
	s.once.Do(func() { close(s.entered) })
	time.Sleep(s.delay)
	return s.recSink.Write(ctx, rec)
}

func (s *recSink) all() []model.OperationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.OperationRecord(nil), s.recs...)
}

func (s *recSink) count(path string, typ model.OperationType) int {
	n := 0
	for _, r := range s.all() {
		if r.Path == path && r.Type == typ {
			n++
		}
	}
	return n
}

// waitRecord blocks until at least n records of typ for path were written.
func (s *recSink) waitRecord(t *testing.T, path string, typ model.OperationType, n int) {
	t.Helper()
	waitUntil(t, func() bool { return s.count(path, typ) >= n })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Service construction
// ---------------------------------------------------------------------------

type harness struct {
	svc   *monitor.Service
	prim  *fakePrimitive
	store *memStore
	sink  *recSink
}

// startService starts a single-shard Service on a fake primitive so that
// every injected event is processed in injection order.
func startService(t *testing.T, store *memStore, opts ...monitor.Option) *harness {
	t.Helper()
	h := &harness{prim: newFakePrimitive(), store: store, sink: &recSink{}}
	base := []monitor.Option{
		monitor.WithWorkers(1),
		monitor.WithOperator("tester"),
		monitor.WithShutdownGrace(2 * time.Second),
		monitor.WithPrimitive(func() (monitor.Primitive, error) { return h.prim, nil }),
	}
	h.svc = monitor.New(store, h.sink, quietLogger(), append(base, opts...)...)
	if err := h.svc.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	t.Cleanup(func() { _ = h.svc.StopMonitoring(context.Background()) })
	return h
}

func mkdirAll(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatalf("MkdirAll(%q): %v", p, err)
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%q): %v", path, err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open %q: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append %q: %v", path, err)
	}
	// Move mtime forward explicitly so the change never collides with the
	// cached value on coarse-grained filesystems.
	info, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	next := info.ModTime().Add(time.Second)
	if err := os.Chtimes(path, next, next); err != nil {
		t.Fatal(err)
	}
}

var errBoom = errors.New("boom")
