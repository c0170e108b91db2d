// Package monitor is the file audit engine. A Service registers watch
// targets with the OS notification primitive, classifies the resulting
// events, tails growing files and hands operation records to a persistence
// sink.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tripwire/fileaudit/internal/metrics"
	"github.com/tripwire/fileaudit/internal/model"
	"github.com/tripwire/fileaudit/internal/pattern"
	"github.com/tripwire/fileaudit/internal/persist"
	"github.com/tripwire/fileaudit/internal/registry"
	"github.com/tripwire/fileaudit/internal/tail"
	"github.com/tripwire/fileaudit/internal/watcher"
)

const defaultShutdownGrace = 5 * time.Second

var (
	// ErrNotRunning is returned by operations that need a started Service.
	ErrNotRunning = errors.New("monitor: not running")
	// ErrAlreadyRunning is returned by StartMonitoring on a started Service.
	ErrAlreadyRunning = errors.New("monitor: already running")
	// ErrPatternRejected is returned when a file target's own name does not
	// pass its patterns.
	ErrPatternRejected = errors.New("monitor: file name rejected by its patterns")
)

// ConfigStore persists watch targets.
type ConfigStore interface {
	// ListEnabled returns every enabled, non-deleted target.
	ListEnabled(ctx context.Context) ([]model.WatchTarget, error)
	// Upsert stores t, updating the enabled row for the same path if any.
	Upsert(ctx context.Context, t model.WatchTarget) error
	// SoftDeleteUnder marks every target at or below root as deleted and
	// returns how many rows changed.
	SoftDeleteUnder(ctx context.Context, root string) (int64, error)
}

// Primitive is the OS watch facility driven by the Service.
type Primitive interface {
	registry.Backend
	Events() <-chan watcher.Event
	Close() error
}

// PrimitiveFactory acquires a Primitive when monitoring starts.
type PrimitiveFactory func() (Primitive, error)

// Service is safe for concurrent use. All watch state is created by
// StartMonitoring and discarded by StopMonitoring.
type Service struct {
	store   ConfigStore
	sink    persist.Sink
	logger  *slog.Logger
	metrics *metrics.Metrics

	workers       int
	workerQueue   int
	queueCapacity int
	eventBuffer   int
	grace         time.Duration
	newPrimitive  PrimitiveFactory
	operator      string
	now           func() time.Time
	overrides     map[HandlerKey]Handler

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	prim      Primitive
	reg       *registry.Registry
	tail      *tail.State
	scope     *scope
	queue     *persist.Queue
	pool      *pool
	proc      *processor
	loop      *eventLoop
}

// Option is a functional option for Service construction.
type Option func(*Service)

// WithWorkers sets the number of event worker shards.
func WithWorkers(n int) Option { return func(s *Service) { s.workers = n } }

// WithWorkerQueue sets the task buffer of each worker shard.
func WithWorkerQueue(n int) Option { return func(s *Service) { s.workerQueue = n } }

// WithQueueCapacity sets the persistence queue capacity.
func WithQueueCapacity(n int) Option { return func(s *Service) { s.queueCapacity = n } }

// WithEventBuffer sets the capacity of the default primitive's event channel.
func WithEventBuffer(n int) Option { return func(s *Service) { s.eventBuffer = n } }

// WithShutdownGrace bounds how long StopMonitoring waits for the worker pool
// and, separately, for the persistence queue. A non-positive d keeps the
// default.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithPrimitive replaces the fsnotify primitive.
func WithPrimitive(f PrimitiveFactory) Option { return func(s *Service) { s.newPrimitive = f } }

// WithMetrics registers the Prometheus collectors to update.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithOperator overrides the operator stamped on every record.
func WithOperator(name string) Option { return func(s *Service) { s.operator = name } }

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithHandler replaces the handler for one (entry kind, operation) pair.
func WithHandler(key HandlerKey, h Handler) Option {
	return func(s *Service) {
		if s.overrides == nil {
			s.overrides = make(map[HandlerKey]Handler)
		}
		s.overrides[key] = h
	}
}

// New creates a stopped Service.
func New(store ConfigStore, sink persist.Sink, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  store,
		sink:   sink,
		logger: logger,
		grace:  defaultShutdownGrace,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newPrimitive == nil {
		s.newPrimitive = func() (Primitive, error) {
			p, err := watcher.NewFSNotify(s.logger, s.eventBuffer)
			if err != nil {
				return nil, err
			}
			return p, nil
		}
	}
	if s.operator == "" {
		s.operator = currentOperator()
	}
	return s
}

// StartMonitoring acquires the watch primitive, starts the worker pool and
// the persistence queue, registers every enabled target from the store and
// starts the event loop. Only failure to acquire the primitive is returned;
// a store or registration failure is logged and startup continues.
func (s *Service) StartMonitoring(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	prim, err := s.newPrimitive()
	if err != nil {
		return fmt.Errorf("monitor: acquire watch primitive: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.prim = prim
	s.reg = registry.New(prim, s.logger)
	s.tail = tail.New()
	s.scope = newScope(s.logger)
	s.queue = persist.New(s.sink, s.queueCapacity, s.logger, s.metrics)
	s.pool = newPool(s.workers, s.workerQueue, s.logger, s.metrics)
	s.proc = &processor{
		ctx:      runCtx,
		reg:      s.reg,
		tail:     s.tail,
		scope:    s.scope,
		store:    s.store,
		out:      s.queue,
		logger:   s.logger,
		metrics:  s.metrics,
		operator: s.operator,
		now:      s.now,
		gone:     make(map[string]bool),
	}
	s.proc.handlers = s.proc.defaultHandlers()
	for k, h := range s.overrides {
		s.proc.handlers[k] = h
	}

	s.queue.Start()
	s.pool.start()

	targets, err := s.store.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("monitor: cannot load watch targets", slog.Any("error", err))
	}
	for _, t := range targets {
		if err := s.addTarget(ctx, t); err != nil {
			s.logger.Warn("monitor: cannot register configured target",
				slog.String("path", t.Path),
				slog.String("type", string(t.Kind)),
				slog.Any("error", err),
			)
		}
	}

	s.loop = newEventLoop(prim.Events(), s.reg, s.pool, s.proc, s.logger, s.metrics)
	go s.loop.run()

	s.running = true
	s.startTime = time.Now()
	s.metrics.SetActiveWatches(s.reg.Len())
	s.logger.Info("monitor: started",
		slog.Int("targets", s.scope.len()),
		slog.Int("active_watches", s.reg.Len()),
		slog.String("operator", s.operator),
	)
	return nil
}

// StopMonitoring stops the event loop, drains the worker pool and then the
// persistence queue, each within the shutdown grace period, and finally
// releases every watch handle and clears all state whether or not draining
// completed. It is a no-op on a stopped Service.
func (s *Service) StopMonitoring(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	defer func() {
		s.reg.Close()
		if err := s.prim.Close(); err != nil {
			s.logger.Warn("monitor: close watch primitive", slog.Any("error", err))
		}
		s.cancel()
		s.tail.Clear()
		s.scope.clear()
		s.metrics.SetActiveWatches(0)
		s.metrics.SetTrackedFiles(0)
	}()

	s.loop.stop()

	poolCtx, cancelPool := context.WithTimeout(ctx, s.grace)
	poolErr := s.pool.stop(poolCtx)
	cancelPool()

	queueCtx, cancelQueue := context.WithTimeout(ctx, s.grace)
	queueErr := s.queue.Close(queueCtx)
	cancelQueue()

	s.logger.Info("monitor: stopped",
		slog.Duration("uptime", time.Since(s.startTime)),
		slog.Any("queue", s.queue.Stats()),
	)
	return errors.Join(poolErr, queueErr)
}

// AddMonitorDirectory watches the tree rooted at path with no patterns.
func (s *Service) AddMonitorDirectory(ctx context.Context, path string) error {
	return s.AddMonitorDirectoryWith(ctx, path, true, nil, nil)
}

// AddMonitorDirectoryWith watches the directory at path, optionally with its
// whole tree, reporting only entries whose names pass include and exclude.
func (s *Service) AddMonitorDirectoryWith(ctx context.Context, path string, recursive bool, include, exclude []string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return ErrNotRunning
	}
	return s.addTarget(ctx, model.WatchTarget{
		Path:      path,
		Kind:      model.PathKindDirectory,
		Recursive: recursive,
		Enabled:   true,
		Include:   include,
		Exclude:   exclude,
	})
}

// AddMonitorFile watches a single file. Only bytes appended after this call
// are reported as MODIFY content.
func (s *Service) AddMonitorFile(ctx context.Context, path string, include, exclude []string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return ErrNotRunning
	}
	return s.addTarget(ctx, model.WatchTarget{
		Path:    path,
		Kind:    model.PathKindFile,
		Enabled: true,
		Include: include,
		Exclude: exclude,
	})
}

// RemoveMonitorDirectory stops watching path and everything registered
// below it, and soft-deletes the stored configuration of that subtree. A
// FILE target may be removed the same way.
func (s *Service) RemoveMonitorDirectory(ctx context.Context, path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return ErrNotRunning
	}
	path, err := model.NormalizePath(path)
	if err != nil {
		return err
	}

	if t, ok := s.scope.get(path); ok && t.Kind == model.PathKindFile {
		s.scope.remove(path)
		s.tail.Drop(path)
		if dir := filepath.Dir(path); !s.scope.needsDirectory(dir) {
			s.reg.Unregister(dir)
		}
	} else {
		removed := s.reg.UnregisterSubtree(path)
		dropped := s.tail.DropUnder(path)
		s.scope.removeUnder(path)
		s.logger.Info("monitor: directory removed",
			slog.String("path", path),
			slog.Int("handles", len(removed)),
			slog.Int("cursors", dropped),
		)
	}

	s.metrics.SetActiveWatches(s.reg.Len())
	s.metrics.SetTrackedFiles(s.tail.Len())

	n, err := s.store.SoftDeleteUnder(ctx, path)
	if err != nil {
		return fmt.Errorf("monitor: soft-delete %q: %w", path, err)
	}
	s.logger.Debug("monitor: configuration soft-deleted",
		slog.String("path", path),
		slog.Int64("rows", n),
	)
	return nil
}

// addTarget registers t. The caller holds s.mu.
func (s *Service) addTarget(ctx context.Context, t model.WatchTarget) error {
	path, err := model.NormalizePath(t.Path)
	if err != nil {
		return err
	}
	t.Path = path
	t.Enabled = true

	switch t.Kind {
	case model.PathKindDirectory:
		return s.addDirectory(ctx, t)
	case model.PathKindFile:
		return s.addFile(ctx, t)
	default:
		return fmt.Errorf("monitor: target %q has unknown type %q", t.Path, t.Kind)
	}
}

func (s *Service) addDirectory(ctx context.Context, t model.WatchTarget) error {
	existed := s.scope.put(t)
	added, err := s.reg.Register(t.Path, t.Recursive)
	if err != nil {
		if !existed {
			s.scope.remove(t.Path)
		}
		return fmt.Errorf("monitor: register %q: %w", t.Path, err)
	}

	if err := s.store.Upsert(ctx, t); err != nil {
		s.logger.Warn("monitor: cannot store target",
			slog.String("path", t.Path),
			slog.Any("error", err),
		)
	}
	var children []string
	for _, p := range added {
		if p != t.Path {
			children = append(children, p)
		}
	}
	s.proc.adopt(children, coverage{recursive: true, include: t.Include, exclude: t.Exclude})

	s.metrics.SetActiveWatches(s.reg.Len())
	s.logger.Info("monitor: directory target added",
		slog.String("path", t.Path),
		slog.Bool("recursive", t.Recursive),
		slog.Int("new_watches", len(added)),
	)
	return nil
}

func (s *Service) addFile(ctx context.Context, t model.WatchTarget) error {
	info, err := os.Stat(t.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %q", registry.ErrNotExist, t.Path)
		}
		return fmt.Errorf("monitor: stat %q: %w", t.Path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("monitor: file target %q is a directory", t.Path)
	}
	f, err := pattern.Compile(t.Include, t.Exclude)
	if err != nil {
		s.logger.Warn("monitor: invalid pattern in file target",
			slog.String("path", t.Path),
			slog.Any("error", err),
		)
	}
	if !f.Match(filepath.Base(t.Path)) {
		return fmt.Errorf("%w: %q", ErrPatternRejected, t.Path)
	}

	existed := s.scope.put(t)
	if _, err := s.reg.Register(filepath.Dir(t.Path), false); err != nil {
		if !existed {
			s.scope.remove(t.Path)
		}
		return fmt.Errorf("monitor: register parent of %q: %w", t.Path, err)
	}
	s.tail.Seed(t.Path, info.Size(), info.ModTime().UnixNano())

	if err := s.store.Upsert(ctx, t); err != nil {
		s.logger.Warn("monitor: cannot store target",
			slog.String("path", t.Path),
			slog.Any("error", err),
		)
	}
	s.metrics.SetActiveWatches(s.reg.Len())
	s.metrics.SetTrackedFiles(s.tail.Len())
	s.logger.Info("monitor: file target added",
		slog.String("path", t.Path),
		slog.Int64("offset", info.Size()),
	)
	return nil
}

// Running reports whether the Service is started.
func (s *Service) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// WatchedPaths returns the directories currently registered, in lexical
// order. It is empty on a stopped Service.
func (s *Service) WatchedPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return nil
	}
	return s.reg.Paths()
}

// Targets returns the live watch targets, in path order.
func (s *Service) Targets() []model.WatchTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return nil
	}
	return s.scope.list()
}

// Cursor returns the tail cursor for path.
func (s *Service) Cursor(path string) (tail.Cursor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return tail.Cursor{}, false
	}
	return s.tail.Get(path)
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status        string  `json:"status"`
	UptimeS       float64 `json:"uptime_s"`
	ActiveWatches int     `json:"active_watches"`
	Targets       int     `json:"targets"`
	TrackedFiles  int     `json:"tracked_files"`
	QueueDepth    int     `json:"queue_depth"`
	LastRecordAt  string  `json:"last_record_at,omitempty"`
}

// Health returns a snapshot of the Service state.
func (s *Service) Health() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return HealthStatus{Status: "stopped"}
	}
	h := HealthStatus{
		Status:        "ok",
		UptimeS:       time.Since(s.startTime).Seconds(),
		ActiveWatches: s.reg.Len(),
		Targets:       s.scope.len(),
		TrackedFiles:  s.tail.Len(),
		QueueDepth:    s.queue.Depth(),
	}
	if ns := s.proc.lastRecord.Load(); ns != 0 {
		h.LastRecordAt = time.Unix(0, ns).UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler responds with the Service health as JSON. A stopped Service
// answers 503.
func (s *Service) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	h := s.Health()
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
