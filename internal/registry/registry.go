// Package registry maps watched directories to their OS-level watch handles.
//
// Each path moves through absent → pending → active → cancelled. A caller
// claims a path by storing a pending placeholder before performing the OS
// registration; a concurrent caller that finds any entry for the path
// returns immediately, so a path is registered with the OS at most once no
// matter how many goroutines race on it. The OS call happens outside any
// lock.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tripwire/fileaudit/internal/model"
)

var (
	// ErrNotExist is returned when registering a path that does not exist.
	ErrNotExist = errors.New("registry: path does not exist")
	// ErrNotDirectory is returned when registering a path that is not a
	// directory.
	ErrNotDirectory = errors.New("registry: path is not a directory")
)

// Backend is the OS watch primitive the registry drives.
type Backend interface {
	Add(path string) error
	Remove(path string) error
}

// State is the lifecycle state of a handle.
type State uint32

const (
	StatePending State = iota + 1
	StateActive
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateCancelled:
		return "cancelled"
	default:
		return "absent"
	}
}

// Handle is the registration token for one watched directory. A Handle is a
// value; its validity is checked against the registry with Resolve.
type Handle struct {
	ID   uint64
	Path string
}

type entry struct {
	id    uint64
	path  string
	state atomic.Uint32
}

func (e *entry) load() State { return State(e.state.Load()) }

// Registry is safe for concurrent use.
type Registry struct {
	backend Backend
	logger  *slog.Logger

	entries sync.Map // path → *entry
	nextID  atomic.Uint64
	active  atomic.Int64
}

// New returns an empty Registry driving backend.
func New(backend Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{backend: backend, logger: logger}
}

// Register watches path and, when recursive is set, every directory below
// it. It returns the paths newly committed by this call, parents before
// children; an already registered (or concurrently claimed) path contributes
// nothing and is not an error.
//
// Failures on path itself are returned. Failures on descendants are logged
// and do not stop their siblings.
func (r *Registry) Register(path string, recursive bool) ([]string, error) {
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrNotExist, path)
		}
		return nil, fmt.Errorf("registry: stat %q: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %q", ErrNotDirectory, path)
	}

	committed, err := r.claim(path)
	if err != nil {
		return nil, err
	}
	var added []string
	if committed {
		added = append(added, path)
	}
	if !recursive {
		return added, nil
	}

	children, err := os.ReadDir(path)
	if err != nil {
		r.logger.Warn("registry: cannot list directory",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return added, nil
	}
	for _, child := range children {
		if !child.IsDir() {
			continue
		}
		sub := filepath.Join(path, child.Name())
		subAdded, err := r.Register(sub, true)
		if err != nil {
			r.logger.Warn("registry: cannot register subdirectory",
				slog.String("path", sub),
				slog.Any("error", err),
			)
			continue
		}
		added = append(added, subAdded...)
	}
	return added, nil
}

// claim performs claim-then-commit for a single path. It reports whether
// this call committed a new active handle.
func (r *Registry) claim(path string) (bool, error) {
	e := &entry{id: r.nextID.Add(1), path: path}
	e.state.Store(uint32(StatePending))

	if _, loaded := r.entries.LoadOrStore(path, e); loaded {
		r.logger.Debug("registry: directory already registered", slog.String("path", path))
		return false, nil
	}

	if err := r.backend.Add(path); err != nil {
		r.entries.CompareAndDelete(path, e)
		return false, fmt.Errorf("registry: watch %q: %w", path, err)
	}

	if !e.state.CompareAndSwap(uint32(StatePending), uint32(StateActive)) {
		// Unregistered while pending: the OS watch we just created has no
		// owner any more.
		r.release(path)
		return false, nil
	}
	r.active.Add(1)
	r.logger.Info("registry: directory registered", slog.String("path", path))
	return true, nil
}

// Unregister cancels and removes the handle for path. It is a no-op when
// path is not registered.
func (r *Registry) Unregister(path string) {
	path = filepath.Clean(path)
	v, ok := r.entries.LoadAndDelete(path)
	if !ok {
		return
	}
	r.cancel(v.(*entry))
}

// UnregisterSubtree cancels every handle at or below root and returns the
// removed paths in lexical order.
func (r *Registry) UnregisterSubtree(root string) []string {
	root = filepath.Clean(root)
	var removed []string
	r.entries.Range(func(k, _ any) bool {
		p := k.(string)
		if !model.IsUnder(root, p) {
			return true
		}
		if v, ok := r.entries.LoadAndDelete(p); ok {
			r.cancel(v.(*entry))
			removed = append(removed, p)
		}
		return true
	})
	sort.Strings(removed)
	return removed
}

// cancel moves e to cancelled. Only an active entry holds an OS watch; a
// pending entry's owner releases its own watch when its commit fails.
func (r *Registry) cancel(e *entry) {
	prev := State(e.state.Swap(uint32(StateCancelled)))
	if prev != StateActive {
		return
	}
	r.active.Add(-1)
	r.release(e.path)
}

func (r *Registry) release(path string) {
	if err := r.backend.Remove(path); err != nil {
		// The primitive drops watches on its own when the directory
		// disappears, so a missing watch is expected here.
		r.logger.Debug("registry: release watch",
			slog.String("path", path),
			slog.Any("error", err),
		)
	}
}

// Lookup returns the handle currently stored for path and whether it is
// active.
func (r *Registry) Lookup(path string) (Handle, bool) {
	v, ok := r.entries.Load(filepath.Clean(path))
	if !ok {
		return Handle{}, false
	}
	e := v.(*entry)
	return Handle{ID: e.id, Path: e.path}, e.load() == StateActive
}

// Resolve maps h back to its directory. It reports false once h has been
// cancelled or replaced by a newer registration of the same path.
func (r *Registry) Resolve(h Handle) (string, bool) {
	v, ok := r.entries.Load(h.Path)
	if !ok {
		return "", false
	}
	e := v.(*entry)
	if e.id != h.ID || e.load() != StateActive {
		return "", false
	}
	return e.path, true
}

// Has reports whether path has an active handle.
func (r *Registry) Has(path string) bool {
	_, ok := r.Lookup(path)
	return ok
}

// StateOf returns the lifecycle state of path; 0 means absent.
func (r *Registry) StateOf(path string) State {
	v, ok := r.entries.Load(filepath.Clean(path))
	if !ok {
		return 0
	}
	return v.(*entry).load()
}

// Paths returns every active path in lexical order.
func (r *Registry) Paths() []string {
	var out []string
	r.entries.Range(func(k, v any) bool {
		if v.(*entry).load() == StateActive {
			out = append(out, k.(string))
		}
		return true
	})
	sort.Strings(out)
	return out
}

// Len returns the number of active handles.
func (r *Registry) Len() int {
	return int(r.active.Load())
}

// Close cancels every handle.
func (r *Registry) Close() {
	r.entries.Range(func(k, _ any) bool {
		if v, ok := r.entries.LoadAndDelete(k); ok {
			r.cancel(v.(*entry))
		}
		return true
	})
}
