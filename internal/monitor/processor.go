package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/fileaudit/internal/metrics"
	"github.com/tripwire/fileaudit/internal/model"
	"github.com/tripwire/fileaudit/internal/registry"
	"github.com/tripwire/fileaudit/internal/tail"
	"github.com/tripwire/fileaudit/internal/watcher"
)

// EntryKind is the kind of filesystem entry an event refers to, determined
// when the event is dispatched.
type EntryKind uint8

const (
	EntryFile EntryKind = iota + 1
	EntryDirectory
)

func (k EntryKind) String() string {
	switch k {
	case EntryFile:
		return "file"
	case EntryDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// HandlerKey selects the Handler for an event.
type HandlerKey struct {
	Kind EntryKind
	Op   watcher.Op
}

// Handler processes one classified event. A returned error is logged with
// the event path and counted; it never stops the monitor.
type Handler func(ev watcher.Event) error

// recorder receives the records produced by the processor.
type recorder interface {
	Submit(rec model.OperationRecord)
}

type processor struct {
	ctx      context.Context
	reg      *registry.Registry
	tail     *tail.State
	scope    *scope
	store    ConfigStore
	out      recorder
	logger   *slog.Logger
	metrics  *metrics.Metrics
	operator string
	now      func() time.Time

	handlers map[HandlerKey]Handler

	// gone tracks directories that left the registry without a delete
	// record yet (false) or whose delete record was already emitted (true).
	goneMu sync.Mutex
	gone   map[string]bool

	lastRecord atomic.Int64
}

func (p *processor) defaultHandlers() map[HandlerKey]Handler {
	return map[HandlerKey]Handler{
		{EntryDirectory, watcher.OpCreate}: p.directoryCreated,
		{EntryDirectory, watcher.OpDelete}: p.directoryDeleted,
		{EntryDirectory, watcher.OpModify}: p.directoryModified,
		{EntryFile, watcher.OpCreate}:      p.fileCreated,
		{EntryFile, watcher.OpDelete}:      p.fileDeleted,
		{EntryFile, watcher.OpModify}:      p.fileModified,
	}
}

// handle classifies ev and runs its handler.
func (p *processor) handle(ev watcher.Event) {
	kind, ok := p.classify(ev)
	if !ok {
		return
	}
	h := p.handlers[HandlerKey{Kind: kind, Op: ev.Op}]
	if h == nil {
		return
	}
	if err := h(ev); err != nil {
		p.metrics.ProcessingFailure()
		p.logger.Error("monitor: event processing failed",
			slog.String("path", ev.Path),
			slog.String("kind", kind.String()),
			slog.String("op", ev.Op.String()),
			slog.Any("error", err),
		)
	}
	p.metrics.SetActiveWatches(p.reg.Len())
	p.metrics.SetTrackedFiles(p.tail.Len())
}

// classify determines the entry kind. Create and modify inspect the entry
// itself; a deleted entry can only be recognised as a directory through the
// registry or the gone set. A repeated delete for a directory that was
// already reported is dropped.
func (p *processor) classify(ev watcher.Event) (EntryKind, bool) {
	switch ev.Op {
	case watcher.OpCreate, watcher.OpModify:
		info, err := os.Lstat(ev.Path)
		if err != nil {
			p.logger.Debug("monitor: entry vanished before dispatch",
				slog.String("path", ev.Path),
				slog.Any("error", err),
			)
			return 0, false
		}
		if ev.Op == watcher.OpCreate {
			p.forget(ev.Path)
		}
		if info.IsDir() {
			return EntryDirectory, true
		}
		return EntryFile, true
	case watcher.OpDelete:
		if p.reg.StateOf(ev.Path) != 0 {
			return EntryDirectory, true
		}
		p.goneMu.Lock()
		emitted, wasDir := p.gone[ev.Path]
		p.goneMu.Unlock()
		switch {
		case wasDir && emitted:
			return 0, false
		case wasDir:
			return EntryDirectory, true
		default:
			return EntryFile, true
		}
	default:
		return 0, false
	}
}

func (p *processor) directoryCreated(ev watcher.Event) error {
	cov, ok := p.scope.lookup(ev.Path)
	if !ok {
		return nil
	}

	var regErr error
	if cov.recursive {
		added, err := p.reg.Register(ev.Path, true)
		if err != nil {
			regErr = fmt.Errorf("register new directory: %w", err)
		}
		p.adopt(added, cov)
	}
	if cov.filter.Match(filepath.Base(ev.Path)) {
		p.emit(ev.Path, model.OpDirectoryCreate, "")
	}
	return regErr
}

// directoryDeleted drops every watch, cursor and target at or below the
// directory. Stored configuration is soft-deleted only for targets that a
// recursive ancestor implies; a target the operator configured directly
// keeps its row.
func (p *processor) directoryDeleted(ev watcher.Event) error {
	cov, covered := p.scope.lookup(ev.Path)

	removed := p.reg.UnregisterSubtree(ev.Path)
	p.goneMu.Lock()
	p.gone[ev.Path] = true
	for _, r := range removed {
		p.gone[r] = true
	}
	p.goneMu.Unlock()
	p.tail.DropUnder(ev.Path)

	var storeErr error
	for _, dir := range p.scope.detach(ev.Path) {
		if _, err := p.store.SoftDeleteUnder(p.ctx, dir); err != nil {
			storeErr = errors.Join(storeErr, fmt.Errorf("soft-delete configuration under %q: %w", dir, err))
		}
	}

	if covered && cov.filter.Match(filepath.Base(ev.Path)) {
		p.emit(ev.Path, model.OpDirectoryDelete, "")
	}
	return storeErr
}

// directoryModified treats the changed directory as a replacement of the
// watched subtree at that path: the old registrations are dropped and the
// directory is registered again with the recursion it had. Stored
// configuration is left alone.
func (p *processor) directoryModified(ev watcher.Event) error {
	cov, ok := p.scope.lookup(ev.Path)
	if !ok {
		return nil
	}
	if own, ok := p.scope.get(ev.Path); ok && own.Kind == model.PathKindDirectory {
		cov = coverage{filter: cov.filter, recursive: own.Recursive, include: own.Include, exclude: own.Exclude}
	}

	var regErr error
	switch {
	case cov.recursive:
		p.reg.UnregisterSubtree(ev.Path)
		added, err := p.reg.Register(ev.Path, true)
		if err != nil {
			regErr = fmt.Errorf("re-register directory: %w", err)
		}
		p.adopt(added, cov)
	case p.reg.StateOf(ev.Path) != 0:
		p.reg.Unregister(ev.Path)
		if _, err := p.reg.Register(ev.Path, false); err != nil {
			regErr = fmt.Errorf("re-register directory: %w", err)
		}
	}
	if cov.filter.Match(filepath.Base(ev.Path)) {
		p.emit(ev.Path, model.OpDirectoryModify, "")
	}
	return regErr
}

func (p *processor) fileCreated(ev watcher.Event) error {
	if !p.accepts(ev.Path) {
		return nil
	}
	p.tail.Reset(ev.Path)
	p.emit(ev.Path, model.OpCreate, "")
	return nil
}

func (p *processor) fileDeleted(ev watcher.Event) error {
	if !p.accepts(ev.Path) {
		return nil
	}
	p.tail.Drop(ev.Path)
	p.emit(ev.Path, model.OpDelete, "")
	return nil
}

func (p *processor) fileModified(ev watcher.Event) error {
	if !p.accepts(ev.Path) {
		return nil
	}
	delta, err := p.tail.ReadDelta(ev.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if delta == "" {
		return nil
	}
	p.emit(ev.Path, model.OpModify, delta)
	return nil
}

// accepts reports whether path is covered by a target and its base name
// passes that target's patterns.
func (p *processor) accepts(path string) bool {
	cov, ok := p.scope.lookup(path)
	return ok && cov.filter.Match(filepath.Base(path))
}

// prune drops a directory whose watch outlived it. No record is emitted
// here; the delete notification for the directory reports it.
func (p *processor) prune(dir string) {
	if p.reg.StateOf(dir) == 0 {
		return
	}
	if _, err := os.Lstat(dir); err == nil {
		return
	}
	removed := p.reg.UnregisterSubtree(dir)
	p.goneMu.Lock()
	for _, r := range removed {
		if _, seen := p.gone[r]; !seen {
			p.gone[r] = false
		}
	}
	p.goneMu.Unlock()
	p.tail.DropUnder(dir)
	p.logger.Info("monitor: pruned vanished directory",
		slog.String("path", dir),
		slog.Int("handles", len(removed)),
	)
	p.metrics.SetActiveWatches(p.reg.Len())
}

// adopt records every newly committed directory as a recursive DIRECTORY
// target that inherits the patterns of the covering target. A directory that
// already has a target keeps it.
func (p *processor) adopt(paths []string, cov coverage) {
	for _, dir := range paths {
		t := model.WatchTarget{
			Path:      dir,
			Kind:      model.PathKindDirectory,
			Recursive: true,
			Enabled:   true,
			Include:   cov.include,
			Exclude:   cov.exclude,
		}
		if !p.scope.putIfAbsent(t) {
			continue
		}
		if err := p.store.Upsert(p.ctx, t); err != nil {
			p.logger.Warn("monitor: cannot store directory target",
				slog.String("path", dir),
				slog.Any("error", err),
			)
		}
	}
}

// awaitingDelete reports whether path was pruned and its delete record is
// still outstanding.
func (p *processor) awaitingDelete(path string) bool {
	p.goneMu.Lock()
	defer p.goneMu.Unlock()
	emitted, ok := p.gone[path]
	return ok && !emitted
}

// forget clears the gone marker of a path that appeared again.
func (p *processor) forget(path string) {
	p.goneMu.Lock()
	delete(p.gone, path)
	p.goneMu.Unlock()
}

func (p *processor) emit(path string, typ model.OperationType, content string) {
	at := p.now()
	rec := model.NewRecord(path, typ, content, p.operator, at)
	p.lastRecord.Store(at.UnixNano())
	p.metrics.RecordProduced(string(typ))
	p.logger.Debug("monitor: operation recorded",
		slog.String("path", path),
		slog.String("type", string(typ)),
		slog.Int("content_bytes", len(content)),
	)
	p.out.Submit(rec)
}
