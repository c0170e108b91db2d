package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultBufferSize is the capacity of the Event channel when the caller
// does not supply one.
const defaultBufferSize = 256

// FSNotify is the fsnotify-backed primitive. It is safe for concurrent use.
//
// Add and Remove only affect the watched directory itself; fsnotify never
// recurses, so every directory of a tree must be added individually.
type FSNotify struct {
	w      *fsnotify.Watcher
	logger *slog.Logger
	now    func() time.Time

	events   chan Event
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewFSNotify acquires an fsnotify watcher and starts forwarding its events.
// bufSize is the capacity of the channel returned by Events; zero or a
// negative value selects the default.
func NewFSNotify(logger *slog.Logger, bufSize int) (*FSNotify, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: acquire fsnotify: %w", err)
	}

	f := &FSNotify{
		w:      w,
		logger: logger,
		now:    time.Now,
		events: make(chan Event, bufSize),
		done:   make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run()
	return f, nil
}

// Add starts watching the directory at path.
func (f *FSNotify) Add(path string) error {
	if err := f.w.Add(path); err != nil {
		return fmt.Errorf("watcher: add %q: %w", path, err)
	}
	return nil
}

// Remove stops watching path. Removing a watch that the kernel already
// dropped (because the directory was deleted) is not an error.
func (f *FSNotify) Remove(path string) error {
	err := f.w.Remove(path)
	if err == nil || errors.Is(err, fsnotify.ErrNonExistentWatch) || errors.Is(err, fsnotify.ErrClosed) {
		return nil
	}
	return fmt.Errorf("watcher: remove %q: %w", path, err)
}

// Events returns the channel on which translated events are delivered. It is
// closed after Close returns.
func (f *FSNotify) Events() <-chan Event {
	return f.events
}

// Close releases the fsnotify watcher and every watch it holds. It is
// idempotent.
func (f *FSNotify) Close() error {
	var err error
	f.stopOnce.Do(func() {
		close(f.done)
		err = f.w.Close()
		f.wg.Wait()
		close(f.events)
	})
	return err
}

func (f *FSNotify) run() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.w.Events:
			if !ok {
				return
			}
			out, ok := translate(ev, f.now())
			if !ok {
				continue
			}
			f.send(out)
		case err, ok := <-f.w.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				f.send(Event{Op: OpOverflow, Time: f.now()})
				continue
			}
			f.logger.Warn("watcher: fsnotify error", slog.Any("error", err))
		}
	}
}

// send blocks until the consumer accepts ev or the primitive is closed. The
// kernel queue absorbs bursts while the consumer is behind and reports an
// overflow once it fills.
func (f *FSNotify) send(ev Event) {
	select {
	case f.events <- ev:
	case <-f.done:
	}
}

// translate maps an fsnotify event onto Op. Remove and Rename both mean the
// entry is gone from its directory; a rename target arrives as a separate
// Create.
func translate(ev fsnotify.Event, at time.Time) (Event, bool) {
	var op Op
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		op = OpDelete
	case ev.Has(fsnotify.Create):
		op = OpCreate
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		op = OpModify
	default:
		return Event{}, false
	}
	path := filepath.Clean(ev.Name)
	return Event{Path: path, Dir: filepath.Dir(path), Op: op, Time: at}, true
}
