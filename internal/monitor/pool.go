package monitor

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime"
	"sync"

	"github.com/tripwire/fileaudit/internal/metrics"
)

// defaultWorkerQueue is the per-shard task buffer.
const defaultWorkerQueue = 1000

func defaultWorkers() int {
	return 2 * runtime.GOMAXPROCS(0)
}

// pool runs tasks on a fixed set of shards. A task's key selects its shard,
// so tasks sharing a key run one at a time in submission order while tasks
// with different keys may run in parallel.
type pool struct {
	shards  []chan task
	logger  *slog.Logger
	metrics *metrics.Metrics

	// mu orders submit's send against stop's close of the shard channels.
	mu     sync.RWMutex
	closed bool

	abort     chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

type task struct {
	key string
	fn  func()
}

func newPool(workers, queueSize int, logger *slog.Logger, m *metrics.Metrics) *pool {
	if workers <= 0 {
		workers = defaultWorkers()
	}
	if queueSize <= 0 {
		queueSize = defaultWorkerQueue
	}
	p := &pool{
		shards:  make([]chan task, workers),
		logger:  logger,
		metrics: m,
		abort:   make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i] = make(chan task, queueSize)
	}
	return p
}

func (p *pool) start() {
	p.startOnce.Do(func() {
		for _, ch := range p.shards {
			p.wg.Add(1)
			go p.work(ch)
		}
	})
}

// submit queues fn on the shard owning key. It blocks while that shard is
// full and gives up, returning false, once cancel is closed, the pool is
// aborted, or the pool is stopped.
func (p *pool) submit(key string, fn func(), cancel <-chan struct{}) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.shards[p.shardFor(key)] <- task{key: key, fn: fn}:
		return true
	case <-cancel:
		return false
	case <-p.abort:
		return false
	}
}

func (p *pool) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// stop closes the shards and waits for queued tasks to finish. When ctx
// expires first the remaining queued tasks are discarded and ctx.Err() is
// returned; tasks already running are not interrupted.
func (p *pool) stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.start()

		p.mu.Lock()
		p.closed = true
		for _, ch := range p.shards {
			close(ch)
		}
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			close(p.abort)
			p.stopErr = fmt.Errorf("monitor: worker pool drain: %w", ctx.Err())
		}
	})
	return p.stopErr
}

func (p *pool) work(ch <-chan task) {
	defer p.wg.Done()
	for t := range ch {
		select {
		case <-p.abort:
			continue
		default:
		}
		p.run(t)
	}
}

// run executes one task. A panic is logged with the task's path and does
// not take the worker down.
func (p *pool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.ProcessingFailure()
			p.logger.Error("monitor: event task panicked",
				slog.String("path", t.key),
				slog.Any("panic", r),
			)
		}
	}()
	t.fn()
}
