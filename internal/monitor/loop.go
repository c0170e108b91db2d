package monitor

import (
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/tripwire/fileaudit/internal/metrics"
	"github.com/tripwire/fileaudit/internal/registry"
	"github.com/tripwire/fileaudit/internal/watcher"
)

// maxBatch bounds how many queued events one wake-up drains.
const maxBatch = 4096

// eventLoop is the single consumer of the primitive's event channel. It
// drains what is ready, groups it by directory and hands each event to the
// pool keyed by its path.
type eventLoop struct {
	src     <-chan watcher.Event
	reg     *registry.Registry
	pool    *pool
	proc    *processor
	logger  *slog.Logger
	metrics *metrics.Metrics

	// overflowLog throttles the overflow warning during event storms.
	overflowLog *rate.Limiter

	done    chan struct{}
	stopped chan struct{}
}

func newEventLoop(src <-chan watcher.Event, reg *registry.Registry, p *pool, proc *processor, logger *slog.Logger, m *metrics.Metrics) *eventLoop {
	return &eventLoop{
		src:         src,
		reg:         reg,
		pool:        p,
		proc:        proc,
		logger:      logger,
		metrics:     m,
		overflowLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

func (l *eventLoop) run() {
	defer close(l.stopped)
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.src:
			if !ok {
				return
			}
			batch, open := l.drain(ev)
			l.dispatch(batch)
			if !open {
				return
			}
		}
	}
}

// stop makes run return and waits for it.
func (l *eventLoop) stop() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	<-l.stopped
}

// drain collects first plus every event already queued, without blocking.
// It reports false once the source channel is closed.
func (l *eventLoop) drain(first watcher.Event) ([]watcher.Event, bool) {
	batch := []watcher.Event{first}
	for len(batch) < maxBatch {
		select {
		case ev, ok := <-l.src:
			if !ok {
				return batch, false
			}
			batch = append(batch, ev)
		default:
			return batch, true
		}
	}
	return batch, true
}

// dispatch groups batch by directory, keeping primitive order inside each
// group, and submits the events. After a directory's events are queued its
// watch is checked: a handle that still resolves for a directory that no
// longer exists is pruned on that directory's shard.
func (l *eventLoop) dispatch(batch []watcher.Event) {
	var order []string
	groups := make(map[string][]watcher.Event)
	for _, ev := range batch {
		if ev.Op == watcher.OpOverflow {
			l.overflow()
			continue
		}
		if _, seen := groups[ev.Dir]; !seen {
			order = append(order, ev.Dir)
		}
		groups[ev.Dir] = append(groups[ev.Dir], ev)
	}

	for _, dir := range order {
		// A directory whose registration is still being committed is
		// already watched.
		watched := l.reg.StateOf(dir) != 0
		for _, ev := range groups[dir] {
			if !watched && l.reg.StateOf(ev.Path) == 0 && !l.proc.awaitingDelete(ev.Path) {
				l.logger.Debug("monitor: dropping stale event",
					slog.String("path", ev.Path),
					slog.String("op", ev.Op.String()),
				)
				continue
			}
			l.metrics.EventObserved(ev.Op.String())
			if !l.pool.submit(ev.Path, func() { l.proc.handle(ev) }, l.done) {
				return
			}
		}
		if !watched {
			continue
		}
		if _, active := l.reg.Lookup(dir); active && !exists(dir) {
			l.pool.submit(dir, func() { l.proc.prune(dir) }, l.done)
		}
	}
}

func (l *eventLoop) overflow() {
	l.metrics.Overflow()
	if l.overflowLog.Allow() {
		l.logger.Warn("monitor: event queue overflowed, notifications were lost")
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
