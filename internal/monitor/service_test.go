package monitor_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/fileaudit/internal/model"
	"github.com/tripwire/fileaudit/internal/monitor"
	"github.com/tripwire/fileaudit/internal/registry"
	"github.com/tripwire/fileaudit/internal/watcher"
)

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestStartMonitoring_PrimitiveFailureIsFatal(t *testing.T) {
	svc := monitor.New(newMemStore(), &recSink{}, quietLogger(),
		monitor.WithPrimitive(func() (monitor.Primitive, error) { return nil, errBoom }),
	)
	err := svc.StartMonitoring(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("StartMonitoring = %v, want wrapped %v", err, errBoom)
	}
	if svc.Running() {
		t.Error("service running after primitive failure")
	}
}

func TestStartMonitoring_Twice(t *testing.T) {
	h := startService(t, newMemStore())
	if err := h.svc.StartMonitoring(context.Background()); !errors.Is(err, monitor.ErrAlreadyRunning) {
		t.Errorf("second StartMonitoring = %v, want ErrAlreadyRunning", err)
	}
}

func TestOperationsRequireRunning(t *testing.T) {
	svc := monitor.New(newMemStore(), &recSink{}, quietLogger(), monitor.WithOperator("tester"))
	ctx := context.Background()
	dir := t.TempDir()

	if err := svc.AddMonitorDirectory(ctx, dir); !errors.Is(err, monitor.ErrNotRunning) {
		t.Errorf("AddMonitorDirectory = %v, want ErrNotRunning", err)
	}
	if err := svc.AddMonitorFile(ctx, dir, nil, nil); !errors.Is(err, monitor.ErrNotRunning) {
		t.Errorf("AddMonitorFile = %v, want ErrNotRunning", err)
	}
	if err := svc.RemoveMonitorDirectory(ctx, dir); !errors.Is(err, monitor.ErrNotRunning) {
		t.Errorf("RemoveMonitorDirectory = %v, want ErrNotRunning", err)
	}
	if err := svc.StopMonitoring(ctx); err != nil {
		t.Errorf("StopMonitoring on stopped service = %v, want nil", err)
	}
}

func TestStartMonitoring_LoadsTargetsAndSkipsBadOnes(t *testing.T) {
	root := t.TempDir()
	good := filepath.Join(root, "good")
	mkdirAll(t, filepath.Join(good, "sub"))
	missing := filepath.Join(root, "missing")

	store := newMemStore(
		model.WatchTarget{Path: good, Kind: model.PathKindDirectory, Recursive: true, Enabled: true, Include: []string{"*.log"}},
		model.WatchTarget{Path: missing, Kind: model.PathKindDirectory, Recursive: true, Enabled: true},
	)
	h := startService(t, store)

	want := []string{good, filepath.Join(good, "sub")}
	if got := h.svc.WatchedPaths(); !reflect.DeepEqual(got, want) {
		t.Errorf("WatchedPaths = %v, want %v", got, want)
	}
	sub, ok := store.row(filepath.Join(good, "sub"))
	if !ok {
		t.Fatal("discovered subdirectory not upserted")
	}
	if !reflect.DeepEqual(sub.Include, []string{"*.log"}) || !sub.Recursive {
		t.Errorf("subdirectory target = %+v, want inherited include and recursive", sub)
	}
}

func TestStartMonitoring_StoreFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	store.listErr = errBoom
	h := startService(t, store)
	if !h.svc.Running() {
		t.Error("service not running after store failure")
	}
}

func TestStopMonitoring_ReleasesEverything(t *testing.T) {
	root := t.TempDir()
	mkdirAll(t, filepath.Join(root, "a"))
	h := startService(t, newMemStore())
	if err := h.svc.AddMonitorDirectory(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	if err := h.svc.StopMonitoring(context.Background()); err != nil {
		t.Fatalf("StopMonitoring: %v", err)
	}
	if !h.prim.isClosed() {
		t.Error("primitive not closed")
	}
	h.prim.mu.Lock()
	released := h.prim.removed[root] == 1 && h.prim.removed[filepath.Join(root, "a")] == 1
	h.prim.mu.Unlock()
	if !released {
		t.Error("watch handles not released on stop")
	}
	if got := h.svc.Health().Status; got != "stopped" {
		t.Errorf("Health().Status = %q, want stopped", got)
	}
	if err := h.svc.StopMonitoring(context.Background()); err != nil {
		t.Errorf("second StopMonitoring = %v", err)
	}
}

func TestStopMonitoring_ZeroGraceStillDrains(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	sink := &slowSink{delay: 100 * time.Millisecond, entered: make(chan struct{})}
	prim := newFakePrimitive()
	svc := monitor.New(newMemStore(), sink, quietLogger(),
		monitor.WithWorkers(1),
		monitor.WithShutdownGrace(0),
		monitor.WithPrimitive(func() (monitor.Primitive, error) { return prim, nil }),
	)
	if err := svc.StartMonitoring(ctx); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	t.Cleanup(func() { _ = svc.StopMonitoring(ctx) })
	if err := svc.AddMonitorDirectory(ctx, root); err != nil {
		t.Fatal(err)
	}

	f := filepath.Join(root, "a.log")
	writeFile(t, f, "x")
	prim.emit(watcher.OpCreate, f)
	select {
	case <-sink.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("no record reached the sink")
	}

	// The sink is still busy with the record; a zero grace must not cut it off.
	if err := svc.StopMonitoring(ctx); err != nil {
		t.Fatalf("StopMonitoring: %v", err)
	}
	if n := sink.count(f, model.OpCreate); n != 1 {
		t.Errorf("CREATE records after stop = %d, want 1", n)
	}
}

func TestService_RestartStartsClean(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	h := startService(t, store)
	if err := h.svc.AddMonitorDirectory(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.StopMonitoring(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.prim = newFakePrimitive()
	if err := h.svc.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	// The stored target is loaded again on the new primitive.
	if got := h.svc.WatchedPaths(); !reflect.DeepEqual(got, []string{root}) {
		t.Errorf("WatchedPaths after restart = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Targets
// ---------------------------------------------------------------------------

func TestRemoveMonitorDirectory_Subtree(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a")
	ab := filepath.Join(a, "b")
	abc := filepath.Join(ab, "c")
	mkdirAll(t, abc)

	store := newMemStore()
	h := startService(t, store)
	ctx := context.Background()
	for _, p := range []string{a, ab, abc} {
		if err := h.svc.AddMonitorDirectoryWith(ctx, p, false, nil, nil); err != nil {
			t.Fatalf("add %s: %v", p, err)
		}
	}

	if err := h.svc.RemoveMonitorDirectory(ctx, ab); err != nil {
		t.Fatalf("RemoveMonitorDirectory: %v", err)
	}
	if got := h.svc.WatchedPaths(); !reflect.DeepEqual(got, []string{a}) {
		t.Errorf("WatchedPaths = %v, want [%s]", got, a)
	}
	if got, want := store.deleted(), []string{ab, abc}; !reflect.DeepEqual(got, want) {
		t.Errorf("soft-deleted = %v, want %v", got, want)
	}
	if _, ok := store.row(a); !ok {
		t.Error("configuration for /a was soft-deleted")
	}
}

func TestAddMonitorFile_Validation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.txt")
	writeFile(t, path, "x")
	h := startService(t, newMemStore())
	ctx := context.Background()

	if err := h.svc.AddMonitorFile(ctx, path, []string{"*.log"}, nil); !errors.Is(err, monitor.ErrPatternRejected) {
		t.Errorf("pattern-rejected file = %v, want ErrPatternRejected", err)
	}
	if err := h.svc.AddMonitorFile(ctx, filepath.Join(dir, "nope.log"), nil, nil); !errors.Is(err, registry.ErrNotExist) {
		t.Errorf("missing file = %v, want ErrNotExist", err)
	}
	if err := h.svc.AddMonitorFile(ctx, dir, nil, nil); err == nil {
		t.Error("directory accepted as file target")
	}
	if len(h.svc.WatchedPaths()) != 0 {
		t.Errorf("failed adds left watches: %v", h.svc.WatchedPaths())
	}
}

func TestAddMonitorFile_TailsFromEndAndIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	app := filepath.Join(dir, "app.log")
	other := filepath.Join(dir, "other.log")
	writeFile(t, app, "old\n")
	writeFile(t, other, "noise\n")

	store := newMemStore()
	h := startService(t, store)
	if err := h.svc.AddMonitorFile(context.Background(), app, nil, nil); err != nil {
		t.Fatalf("AddMonitorFile: %v", err)
	}
	if c, ok := h.svc.Cursor(app); !ok || c.Offset != 4 {
		t.Fatalf("cursor = %+v (ok=%v), want offset 4", c, ok)
	}
	if _, ok := store.row(dir); ok {
		t.Error("parent directory of a file target was stored as a target")
	}

	appendFile(t, other, "more\n")
	appendFile(t, app, "new\n")
	h.prim.emit(watcher.OpModify, other)
	h.prim.emit(watcher.OpModify, app)

	h.sink.waitRecord(t, app, model.OpModify, 1)
	recs := h.sink.all()
	if len(recs) != 1 {
		t.Fatalf("records = %+v, want exactly one", recs)
	}
	if recs[0].Content != "new\n" {
		t.Errorf("content = %q, want %q", recs[0].Content, "new\n")
	}

	if err := h.svc.RemoveMonitorDirectory(context.Background(), app); err != nil {
		t.Fatalf("remove file target: %v", err)
	}
	if len(h.svc.WatchedPaths()) != 0 {
		t.Errorf("parent directory still watched: %v", h.svc.WatchedPaths())
	}
}

// ---------------------------------------------------------------------------
// Event processing
// ---------------------------------------------------------------------------

func TestFileLifecycle(t *testing.T) {
	dir := t.TempDir()
	h := startService(t, newMemStore())
	if err := h.svc.AddMonitorDirectoryWith(context.Background(), dir, true, []string{"*.log"}, nil); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "report.log")

	writeFile(t, path, "")
	h.prim.emit(watcher.OpCreate, path)
	h.sink.waitRecord(t, path, model.OpCreate, 1)

	appendFile(t, path, "hello\n")
	h.prim.emit(watcher.OpModify, path)
	h.prim.emit(watcher.OpModify, path) // duplicate: same mtime
	h.sink.waitRecord(t, path, model.OpModify, 1)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	h.prim.emit(watcher.OpDelete, path)
	h.sink.waitRecord(t, path, model.OpDelete, 1)

	recs := h.sink.all()
	var types []model.OperationType
	for _, r := range recs {
		types = append(types, r.Type)
	}
	if want := []model.OperationType{model.OpCreate, model.OpModify, model.OpDelete}; !reflect.DeepEqual(types, want) {
		t.Fatalf("record types = %v, want %v", types, want)
	}
	if recs[1].Content != "hello\n" {
		t.Errorf("MODIFY content = %q, want %q", recs[1].Content, "hello\n")
	}
	if recs[0].Content != "" || recs[0].Operator != "tester" {
		t.Errorf("CREATE record = %+v", recs[0])
	}
	if _, ok := h.svc.Cursor(path); ok {
		t.Error("cursor still present after delete")
	}
}

func TestPatternRejectedFileLeavesNoTrace(t *testing.T) {
	dir := t.TempDir()
	h := startService(t, newMemStore())
	if err := h.svc.AddMonitorDirectoryWith(context.Background(), dir, true, nil, []string{"*.tmp"}); err != nil {
		t.Fatal(err)
	}
	tmp := filepath.Join(dir, "a.tmp")
	log := filepath.Join(dir, "a.log")
	writeFile(t, tmp, "x")
	writeFile(t, log, "y")

	h.prim.emit(watcher.OpCreate, tmp)
	h.prim.emit(watcher.OpModify, tmp)
	h.prim.emit(watcher.OpCreate, log)
	h.sink.waitRecord(t, log, model.OpCreate, 1)

	if n := len(h.sink.all()); n != 1 {
		t.Errorf("records = %d, want 1 (only a.log)", n)
	}
	if _, ok := h.svc.Cursor(tmp); ok {
		t.Error("rejected file has a cursor")
	}
}

func TestDirectoryCreateAndDelete(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	h := startService(t, store)
	if err := h.svc.AddMonitorDirectoryWith(context.Background(), root, true, []string{"*.log"}, nil); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "new")
	mkdirAll(t, filepath.Join(sub, "deep"))

	h.prim.emit(watcher.OpCreate, sub)
	waitUntil(t, func() bool {
		_, stored := store.row(filepath.Join(sub, "deep"))
		return stored && len(h.svc.WatchedPaths()) == 3
	})

	// Directory names are not filtered by "*.log" here, so the create is
	// not reported; the registration still happens.
	if n := h.sink.count(sub, model.OpDirectoryCreate); n != 0 {
		t.Errorf("DIRECTORY_CREATE for pattern-rejected name recorded %d times", n)
	}
	if row, ok := store.row(filepath.Join(sub, "deep")); !ok || !reflect.DeepEqual(row.Include, []string{"*.log"}) {
		t.Errorf("nested directory row = %+v (ok=%v)", row, ok)
	}

	if err := os.RemoveAll(sub); err != nil {
		t.Fatal(err)
	}
	h.prim.emit(watcher.OpDelete, sub)
	h.prim.emit(watcher.OpDelete, sub) // the watch's own removal notice
	waitUntil(t, func() bool { return len(h.svc.WatchedPaths()) == 1 })
	waitUntil(t, func() bool { return len(store.deleted()) == 2 })
}

func TestDirectoryCreateReportedAndDuplicateDeleteDropped(t *testing.T) {
	root := t.TempDir()
	h := startService(t, newMemStore())
	if err := h.svc.AddMonitorDirectory(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "data")
	mkdirAll(t, sub)
	h.prim.emit(watcher.OpCreate, sub)
	h.sink.waitRecord(t, sub, model.OpDirectoryCreate, 1)

	if err := os.Remove(sub); err != nil {
		t.Fatal(err)
	}
	h.prim.emit(watcher.OpDelete, sub)
	h.prim.emit(watcher.OpDelete, sub)
	mkdirAll(t, sub)
	h.prim.emit(watcher.OpCreate, sub)
	h.sink.waitRecord(t, sub, model.OpDirectoryCreate, 2)

	if n := h.sink.count(sub, model.OpDirectoryDelete); n != 1 {
		t.Errorf("DIRECTORY_DELETE recorded %d times, want 1", n)
	}
}

func TestDirectoryCreateUnderNonRecursiveTargetIsNotWatched(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	h := startService(t, store)
	if err := h.svc.AddMonitorDirectoryWith(context.Background(), root, false, nil, nil); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "new")
	mkdirAll(t, sub)
	h.prim.emit(watcher.OpCreate, sub)
	h.sink.waitRecord(t, sub, model.OpDirectoryCreate, 1)

	if got, want := h.svc.WatchedPaths(), []string{root}; !reflect.DeepEqual(got, want) {
		t.Errorf("WatchedPaths = %v, want %v", got, want)
	}
	if _, ok := store.row(sub); ok {
		t.Error("directory created under a non-recursive target was stored")
	}
}

func TestDirectoryModifyReregistersSubtree(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	mkdirAll(t, sub)
	h := startService(t, newMemStore())
	if err := h.svc.AddMonitorDirectory(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	// The subtree changed shape: a new nested directory appeared.
	mkdirAll(t, filepath.Join(sub, "nested"))
	h.prim.emit(watcher.OpModify, sub)
	h.sink.waitRecord(t, sub, model.OpDirectoryModify, 1)

	want := []string{root, sub, filepath.Join(sub, "nested")}
	if got := h.svc.WatchedPaths(); !reflect.DeepEqual(got, want) {
		t.Errorf("WatchedPaths = %v, want %v", got, want)
	}
}

func TestDirectoryModifyKeepsNonRecursiveWatch(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	mkdirAll(t, filepath.Join(sub, "deep"))
	store := newMemStore()
	h := startService(t, store)
	if err := h.svc.AddMonitorDirectoryWith(context.Background(), root, false, nil, nil); err != nil {
		t.Fatal(err)
	}

	h.prim.emit(watcher.OpModify, root)
	h.sink.waitRecord(t, root, model.OpDirectoryModify, 1)
	h.prim.emit(watcher.OpModify, sub)
	h.sink.waitRecord(t, sub, model.OpDirectoryModify, 1)

	if got, want := h.svc.WatchedPaths(), []string{root}; !reflect.DeepEqual(got, want) {
		t.Errorf("WatchedPaths = %v, want %v", got, want)
	}
	if row, ok := store.row(root); !ok || row.Recursive {
		t.Errorf("root row = %+v (ok=%v), want non-recursive", row, ok)
	}
	if _, ok := store.row(sub); ok {
		t.Error("subdirectory of a non-recursive target was stored")
	}
}

func TestDirectoryModifyLeavesNestedTargetRows(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	mkdirAll(t, sub)
	store := newMemStore()
	h := startService(t, store)
	ctx := context.Background()
	if err := h.svc.AddMonitorDirectoryWith(ctx, root, true, []string{"*.log"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.AddMonitorDirectoryWith(ctx, sub, false, []string{"*.conf"}, nil); err != nil {
		t.Fatal(err)
	}

	added := filepath.Join(sub, "new")
	mkdirAll(t, added)
	h.prim.emit(watcher.OpModify, root)
	waitUntil(t, func() bool {
		_, ok := store.row(added)
		return ok
	})

	if row, _ := store.row(sub); row.Recursive || !reflect.DeepEqual(row.Include, []string{"*.conf"}) {
		t.Errorf("sub row = %+v, want non-recursive with *.conf", row)
	}
	if row, _ := store.row(root); !row.Recursive || !reflect.DeepEqual(row.Include, []string{"*.log"}) {
		t.Errorf("root row = %+v, want recursive with *.log", row)
	}
	if row, _ := store.row(added); !reflect.DeepEqual(row.Include, []string{"*.log"}) {
		t.Errorf("new directory row = %+v, want root patterns", row)
	}
}

func TestDeletedRootKeepsItsStoredTarget(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	sub := filepath.Join(root, "sub")
	mkdirAll(t, sub)
	store := newMemStore()
	h := startService(t, store)
	if err := h.svc.AddMonitorDirectory(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}
	h.prim.emit(watcher.OpDelete, root)
	h.sink.waitRecord(t, root, model.OpDirectoryDelete, 1)

	if got, want := store.deleted(), []string{sub}; !reflect.DeepEqual(got, want) {
		t.Errorf("soft-deleted = %v, want %v", got, want)
	}
	if _, ok := store.row(root); !ok {
		t.Error("configured root lost its stored row")
	}
	if got := h.svc.WatchedPaths(); len(got) != 0 {
		t.Errorf("WatchedPaths = %v, want none", got)
	}
}

func TestVanishedDirectoryIsPrunedThenReported(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	mkdirAll(t, sub)
	h := startService(t, newMemStore())
	if err := h.svc.AddMonitorDirectory(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(sub); err != nil {
		t.Fatal(err)
	}

	// An event from inside the vanished directory triggers the prune.
	h.prim.emit(watcher.OpDelete, filepath.Join(sub, "f.txt"))
	waitUntil(t, func() bool { return len(h.svc.WatchedPaths()) == 1 })

	h.prim.emit(watcher.OpDelete, sub)
	h.sink.waitRecord(t, sub, model.OpDirectoryDelete, 1)
}

func TestStaleEventIsDropped(t *testing.T) {
	watched := t.TempDir()
	unwatched := t.TempDir()
	h := startService(t, newMemStore())
	if err := h.svc.AddMonitorDirectory(context.Background(), watched); err != nil {
		t.Fatal(err)
	}
	stray := filepath.Join(unwatched, "x.log")
	marker := filepath.Join(watched, "y.log")
	writeFile(t, stray, "x")
	writeFile(t, marker, "y")

	h.prim.emit(watcher.OpCreate, stray)
	h.prim.emit(watcher.OpCreate, marker)
	h.sink.waitRecord(t, marker, model.OpCreate, 1)
	if n := h.sink.count(stray, model.OpCreate); n != 0 {
		t.Errorf("stale event produced %d records", n)
	}
}

func TestEventDuringPendingRegistrationIsKept(t *testing.T) {
	root := t.TempDir()
	h := startService(t, newMemStore())
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })
	t.Cleanup(release)
	h.prim.holdAdds(gate)

	added := make(chan error, 1)
	go func() { added <- h.svc.AddMonitorDirectory(context.Background(), root) }()
	waitUntil(t, func() bool { return h.prim.blockedAdds() == 1 })

	f := filepath.Join(root, "early.log")
	writeFile(t, f, "x")
	h.prim.emit(watcher.OpCreate, f)
	h.sink.waitRecord(t, f, model.OpCreate, 1)

	release()
	if err := <-added; err != nil {
		t.Fatalf("AddMonitorDirectory: %v", err)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	root := t.TempDir()
	h := startService(t, newMemStore(),
		monitor.WithHandler(monitor.HandlerKey{Kind: monitor.EntryFile, Op: watcher.OpCreate}, func(watcher.Event) error {
			panic("handler exploded")
		}),
	)
	if err := h.svc.AddMonitorDirectory(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	f := filepath.Join(root, "boom.txt")
	d := filepath.Join(root, "after")
	writeFile(t, f, "x")
	mkdirAll(t, d)

	h.prim.emit(watcher.OpCreate, f)
	h.prim.emit(watcher.OpCreate, d)
	h.sink.waitRecord(t, d, model.OpDirectoryCreate, 1)
}

func TestHandlerErrorIsContained(t *testing.T) {
	root := t.TempDir()
	calls := make(chan string, 4)
	h := startService(t, newMemStore(),
		monitor.WithHandler(monitor.HandlerKey{Kind: monitor.EntryFile, Op: watcher.OpModify}, func(ev watcher.Event) error {
			calls <- ev.Path
			return errBoom
		}),
	)
	if err := h.svc.AddMonitorDirectory(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	f := filepath.Join(root, "a.txt")
	writeFile(t, f, "x")
	h.prim.emit(watcher.OpModify, f)
	h.prim.emit(watcher.OpCreate, f)
	h.sink.waitRecord(t, f, model.OpCreate, 1)
	if got := <-calls; got != f {
		t.Errorf("override called with %q", got)
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestHealthzHandler(t *testing.T) {
	root := t.TempDir()
	h := startService(t, newMemStore())
	if err := h.svc.AddMonitorDirectory(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	f := filepath.Join(root, "a.txt")
	writeFile(t, f, "x")
	h.prim.emit(watcher.OpCreate, f)
	h.sink.waitRecord(t, f, model.OpCreate, 1)

	rr := httptest.NewRecorder()
	h.svc.HealthzHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var got monitor.HealthStatus
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "ok" || got.ActiveWatches != 1 || got.Targets != 1 || got.TrackedFiles != 1 {
		t.Errorf("health = %+v", got)
	}
	if got.LastRecordAt == "" {
		t.Error("last_record_at not set after a record")
	}
}
