// Package metrics holds the Prometheus collectors exported by fileaudit.
//
// Every method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "fileaudit"

// Metrics groups the monitor, queue and sink collectors.
type Metrics struct {
	Registry *prometheus.Registry

	eventsObserved     *prometheus.CounterVec
	overflows          prometheus.Counter
	records            *prometheus.CounterVec
	activeWatches      prometheus.Gauge
	trackedFiles       prometheus.Gauge
	queueDepth         prometheus.Gauge
	callerRuns         prometheus.Counter
	sinkFailures       prometheus.Counter
	processingFailures prometheus.Counter
	droppedRecords     prometheus.Counter
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		eventsObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_observed_total",
			Help:      "Notifications received from the OS watch primitive, by operation.",
		}, []string{"op"}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overflow_events_total",
			Help:      "Kernel queue overflow notifications.",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Operation records produced, by operation type.",
		}, []string{"type"}),
		activeWatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_watches",
			Help:      "Directories currently registered with the OS primitive.",
		}),
		trackedFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_files",
			Help:      "Files with a tail cursor.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "queue_depth",
			Help:      "Records buffered in the persistence queue.",
		}),
		callerRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "caller_runs_total",
			Help:      "Records written synchronously by the submitter because the queue was full.",
		}),
		sinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "sink_failures_total",
			Help:      "Records the sink failed to write.",
		}),
		processingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_failures_total",
			Help:      "Event tasks that failed or panicked.",
		}),
		droppedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "dropped_records_total",
			Help:      "Records still buffered when the shutdown grace period expired.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsObserved,
		m.overflows,
		m.records,
		m.activeWatches,
		m.trackedFiles,
		m.queueDepth,
		m.callerRuns,
		m.sinkFailures,
		m.processingFailures,
		m.droppedRecords,
	)
	return m
}

func (m *Metrics) EventObserved(op string) {
	if m == nil {
		return
	}
	m.eventsObserved.WithLabelValues(op).Inc()
}

func (m *Metrics) Overflow() {
	if m == nil {
		return
	}
	m.overflows.Inc()
}

func (m *Metrics) RecordProduced(typ string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(typ).Inc()
}

func (m *Metrics) SetActiveWatches(n int) {
	if m == nil {
		return
	}
	m.activeWatches.Set(float64(n))
}

func (m *Metrics) SetTrackedFiles(n int) {
	if m == nil {
		return
	}
	m.trackedFiles.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) CallerRun() {
	if m == nil {
		return
	}
	m.callerRuns.Inc()
}

func (m *Metrics) SinkFailure() {
	if m == nil {
		return
	}
	m.sinkFailures.Inc()
}

func (m *Metrics) ProcessingFailure() {
	if m == nil {
		return
	}
	m.processingFailures.Inc()
}

func (m *Metrics) Dropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedRecords.Add(float64(n))
}
