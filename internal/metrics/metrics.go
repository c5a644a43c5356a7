// Package metrics wires Prometheus collectors around the Scheduler
// Core, Worker Pool, and String Interner. It is purely opt-in: nothing
// in this package touches prometheus.DefaultRegisterer, and none of the
// engine's internal packages import it; only cmd/engine-demo does,
// behind --metrics-addr. A caller that wants metrics constructs one
// with its own registry and wires it in itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/standardbeagle/lci/internal/scheduler"
	"github.com/standardbeagle/lci/internal/workerpool"
)

// Metrics holds every collector the engine exposes. All of them are
// registered against the Registerer passed to New, never a global.
type Metrics struct {
	QueuedDocuments   prometheus.Gauge
	ActiveTasks       prometheus.Gauge
	TasksCompleted    prometheus.Counter
	ProgressFraction  prometheus.Gauge
	WorkerInFlight    prometheus.Gauge
	WorkerCapacity    prometheus.Gauge
	InternerEntries   prometheus.Gauge
	DispatchSnapshots prometheus.Counter
}

// New creates and registers the engine's collectors under namespace
// (default "lci_engine" if empty) against reg. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to fold into the process-wide one — the
// choice is the caller's, never this package's.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "lci_engine"
	}
	f := promauto.With(reg)

	return &Metrics{
		QueuedDocuments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_documents",
			Help:      "Number of URLs with a pending, undispatched Plan.",
		}),
		ActiveTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of Parse Tasks currently running.",
		}),
		TasksCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total Parse Tasks that have finished, successfully or not.",
		}),
		ProgressFraction: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_fraction",
			Help:      "Aggregate done/max job fraction last reported by the Scheduler.",
		}),
		WorkerInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_in_flight",
			Help:      "Number of worker pool slots currently occupied.",
		}),
		WorkerCapacity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_capacity",
			Help:      "Configured worker pool capacity (thread_count+1).",
		}),
		InternerEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interner_entries",
			Help:      "Number of distinct strings held by the String Interner table.",
		}),
		DispatchSnapshots: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_snapshots_total",
			Help:      "Total progress snapshots observed from the Scheduler's ProgressSink.",
		}),
	}
}

// ObservePool copies a worker pool's current occupancy and capacity
// into the gauges. Call on a ticker from whatever owns the pool; the
// pool has no change-notification hook of its own.
func (m *Metrics) ObservePool(pool *workerpool.Pool) {
	m.WorkerInFlight.Set(float64(pool.InFlight()))
	m.WorkerCapacity.Set(float64(pool.Capacity()))
}

// ObserveInternerSize records the interner's current table size.
// Takes the count directly rather than the interner itself so this
// package never needs to import internal/interner for anything but a
// plain int.
func (m *Metrics) ObserveInternerSize(size int) {
	m.InternerEntries.Set(float64(size))
}

// SchedulerSink adapts Metrics into a scheduler.ProgressSink, so the
// Scheduler can be constructed with it directly as the progress
// collaborator spec §1 names.
type SchedulerSink struct {
	m *Metrics
}

// NewSchedulerSink wraps m as a scheduler.ProgressSink.
func NewSchedulerSink(m *Metrics) *SchedulerSink {
	return &SchedulerSink{m: m}
}

// OnProgress implements scheduler.ProgressSink.
func (s *SchedulerSink) OnProgress(snap scheduler.Snapshot) {
	s.m.DispatchSnapshots.Inc()
	if snap.Hidden {
		s.m.ProgressFraction.Set(0)
		return
	}
	s.m.ProgressFraction.Set(snap.Fraction)
}

// ObserveQueued and ObserveActive let a caller poll Scheduler state
// (QueuedCount, and len(ManagedDocuments) minus queued, or any other
// source of truth it already has) into the gauges without this
// package reaching into Scheduler internals.
func (m *Metrics) ObserveQueued(n int) { m.QueuedDocuments.Set(float64(n)) }
func (m *Metrics) ObserveActive(n int) { m.ActiveTasks.Set(float64(n)) }

// RecordCompletion increments the completed-tasks counter. Call from a
// scheduler.ProgressSink or a Parse Task's done/failed listener.
func (m *Metrics) RecordCompletion() { m.TasksCompleted.Inc() }
