// Package persist decouples event processing from the durable record sink.
//
// A Queue buffers records in a bounded channel drained by a single consumer
// goroutine, so records reach the sink in submission order. When the buffer
// is full the submitting goroutine writes the record itself (caller-runs);
// nothing is dropped while the process is running.
package persist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tripwire/fileaudit/internal/metrics"
	"github.com/tripwire/fileaudit/internal/model"
)

// DefaultCapacity is the buffer size used when New is given a non-positive
// capacity.
const DefaultCapacity = 5000

// Sink durably stores operation records.
type Sink interface {
	Write(ctx context.Context, rec model.OperationRecord) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec model.OperationRecord) error

func (f SinkFunc) Write(ctx context.Context, rec model.OperationRecord) error { return f(ctx, rec) }

// Queue is safe for concurrent use.
type Queue struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics

	ch chan model.OperationRecord

	// mu orders Submit's send against Close's close of ch.
	mu      sync.RWMutex
	closing bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error

	written    atomic.Int64
	failed     atomic.Int64
	callerRuns atomic.Int64
	dropped    atomic.Int64
}

// New returns a Queue writing to sink. Call Start before submitting records.
func New(sink Sink, capacity int, logger *slog.Logger, m *metrics.Metrics) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sink:    sink,
		logger:  logger,
		metrics: m,
		ch:      make(chan model.OperationRecord, capacity),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the consumer goroutine. It is idempotent.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		go q.consume()
	})
}

// Submit hands rec to the sink. It never blocks on a full buffer: the record
// is then written on the calling goroutine. Once Close has begun every
// record is written synchronously.
func (q *Queue) Submit(rec model.OperationRecord) {
	q.mu.RLock()
	if q.closing {
		q.mu.RUnlock()
		q.write(context.Background(), rec)
		return
	}
	select {
	case q.ch <- rec:
		q.mu.RUnlock()
		q.metrics.SetQueueDepth(len(q.ch))
		return
	default:
	}
	q.mu.RUnlock()

	q.callerRuns.Add(1)
	q.metrics.CallerRun()
	q.logger.Debug("persist: queue full, writing on caller",
		slog.String("path", rec.Path),
		slog.String("type", string(rec.Type)),
	)
	q.write(context.Background(), rec)
}

// Close stops accepting buffered records and waits for the consumer to drain
// what is already queued. If ctx expires first, Close returns ctx.Err() and
// the records still buffered are counted as dropped. Close is idempotent;
// later calls return the first result.
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		q.Start()

		q.mu.Lock()
		q.closing = true
		close(q.ch)
		q.mu.Unlock()

		select {
		case <-q.done:
			q.cancel()
		case <-ctx.Done():
			q.cancel()
			q.closeErr = ctx.Err()
			q.logger.Warn("persist: shutdown grace expired, abandoning buffered records",
				slog.Int("buffered", len(q.ch)),
			)
		}
	})
	return q.closeErr
}

// Depth returns the number of buffered records.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Stats is a snapshot of the queue counters.
type Stats struct {
	Written    int64
	Failed     int64
	CallerRuns int64
	Dropped    int64
}

func (q *Queue) Stats() Stats {
	return Stats{
		Written:    q.written.Load(),
		Failed:     q.failed.Load(),
		CallerRuns: q.callerRuns.Load(),
		Dropped:    q.dropped.Load(),
	}
}

func (q *Queue) consume() {
	defer close(q.done)
	for rec := range q.ch {
		if q.ctx.Err() != nil {
			// Grace period expired: count this record and the rest.
			n := 1 + len(q.ch)
			for range q.ch {
			}
			q.dropped.Add(int64(n))
			q.metrics.Dropped(n)
			q.metrics.SetQueueDepth(0)
			return
		}
		q.write(q.ctx, rec)
		q.metrics.SetQueueDepth(len(q.ch))
	}
}

// write performs one sink call. Failures are logged and counted; the record
// is not retried.
func (q *Queue) write(ctx context.Context, rec model.OperationRecord) {
	if err := q.sink.Write(ctx, rec); err != nil {
		q.failed.Add(1)
		q.metrics.SinkFailure()
		q.logger.Error("persist: sink write failed",
			slog.String("id", rec.ID),
			slog.String("path", rec.Path),
			slog.String("type", string(rec.Type)),
			slog.Any("error", err),
		)
		return
	}
	q.written.Add(1)
}

// Tee returns a Sink that writes every record to each of sinks in order and
// joins their errors.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

type tee []Sink

func (t tee) Write(ctx context.Context, rec model.OperationRecord) error {
	var errs []error
	for _, s := range t {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
