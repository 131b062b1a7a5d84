// Package metrics collects Prometheus counters and histograms for
// prox-orchd: application lifecycle transitions, deployment/update pipeline
// stage durations, job outcomes, and allocator pressure.
//
// Grounded on internal/daemon/metrics.go: same Registry-per-process shape,
// same Namespace/Subsystem/Name convention, same nil-receiver-is-a-no-op
// methods so call sites never need a nil check before observing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentlab/prox-orchd/internal/models"
)

// Metrics collects Prometheus counters and histograms for prox-orchd.
type Metrics struct {
	registry *prometheus.Registry

	appTransitionsTotal *prometheus.CounterVec
	deployStageSeconds  *prometheus.HistogramVec
	updateStageSeconds  *prometheus.HistogramVec
	jobStatusTotal      *prometheus.CounterVec
	jobDurationSeconds  *prometheus.HistogramVec
	jobRetryTotal       *prometheus.CounterVec
	portsInUse                *prometheus.GaugeVec
	reconcileOrphans          prometheus.Counter
	reconcileOrphansAnomalous prometheus.Counter
	janitorStuckTotal         prometheus.Counter
}

var operationBuckets = []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600}
var jobBuckets = []float64{5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

// New constructs a metrics registry and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	appTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxorchd",
			Subsystem: "application",
			Name:      "transitions_total",
			Help:      "Total number of application state transitions.",
		},
		[]string{"from", "to"},
	)
	deployStageSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "proxorchd",
			Subsystem: "deploy",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each deployment pipeline stage.",
			Buckets:   operationBuckets,
		},
		[]string{"step", "result"},
	)
	updateStageSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "proxorchd",
			Subsystem: "update",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each update pipeline stage.",
			Buckets:   operationBuckets,
		},
		[]string{"step", "result"},
	)
	jobStatusTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxorchd",
			Subsystem: "job",
			Name:      "status_total",
			Help:      "Total job status transitions.",
		},
		[]string{"kind", "status"},
	)
	jobDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "proxorchd",
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Job runtime from first attempt to final status.",
			Buckets:   jobBuckets,
		},
		[]string{"kind", "status"},
	)
	jobRetryTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxorchd",
			Subsystem: "job",
			Name:      "retry_total",
			Help:      "Total number of job retry attempts scheduled.",
		},
		[]string{"kind"},
	)
	portsInUse := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "proxorchd",
			Subsystem: "alloc",
			Name:      "ports_in_use",
			Help:      "Number of ports currently allocated, by range.",
		},
		[]string{"range"},
	)
	reconcileOrphans := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proxorchd",
			Subsystem: "reconcile",
			Name:      "orphans_total",
			Help:      "Total orphaned application rows cleaned up by reconciliation.",
		},
	)
	reconcileOrphansAnomalous := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proxorchd",
			Subsystem: "reconcile",
			Name:      "orphans_anomalous_total",
			Help:      "Total orphaned application rows found in a non-removing/error status, indicating an unexpected out-of-band deletion.",
		},
	)
	janitorStuckTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proxorchd",
			Subsystem: "janitor",
			Name:      "stuck_total",
			Help:      "Total applications force-transitioned to error for exceeding the stuck threshold.",
		},
	)

	registry.MustRegister(
		appTransitionsTotal,
		deployStageSeconds,
		updateStageSeconds,
		jobStatusTotal,
		jobDurationSeconds,
		jobRetryTotal,
		portsInUse,
		reconcileOrphans,
		reconcileOrphansAnomalous,
		janitorStuckTotal,
	)

	return &Metrics{
		registry:                  registry,
		appTransitionsTotal:       appTransitionsTotal,
		deployStageSeconds:        deployStageSeconds,
		updateStageSeconds:        updateStageSeconds,
		jobStatusTotal:            jobStatusTotal,
		jobDurationSeconds:        jobDurationSeconds,
		jobRetryTotal:             jobRetryTotal,
		portsInUse:                portsInUse,
		reconcileOrphans:          reconcileOrphans,
		reconcileOrphansAnomalous: reconcileOrphansAnomalous,
		janitorStuckTotal:         janitorStuckTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncAppTransition records an application status edge.
func (m *Metrics) IncAppTransition(from, to models.Status) {
	if m == nil {
		return
	}
	m.appTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveDeployStage records one deployment pipeline step's duration.
func (m *Metrics) ObserveDeployStage(step, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.deployStageSeconds.WithLabelValues(step, result).Observe(d.Seconds())
}

// ObserveUpdateStage records one update pipeline step's duration.
func (m *Metrics) ObserveUpdateStage(step, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.updateStageSeconds.WithLabelValues(step, result).Observe(d.Seconds())
}

// IncJobStatus records a job reaching a terminal or running status.
func (m *Metrics) IncJobStatus(kind models.JobKind, status models.JobStatus) {
	if m == nil {
		return
	}
	m.jobStatusTotal.WithLabelValues(string(kind), string(status)).Inc()
}

// ObserveJobDuration records a job's total runtime to a terminal status.
func (m *Metrics) ObserveJobDuration(kind models.JobKind, status models.JobStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDurationSeconds.WithLabelValues(string(kind), string(status)).Observe(d.Seconds())
}

// IncJobRetry records a scheduled retry attempt.
func (m *Metrics) IncJobRetry(kind models.JobKind) {
	if m == nil {
		return
	}
	m.jobRetryTotal.WithLabelValues(string(kind)).Inc()
}

// SetPortsInUse reports the current allocation count for a port range ("public" or "internal").
func (m *Metrics) SetPortsInUse(rangeName string, count int) {
	if m == nil {
		return
	}
	m.portsInUse.WithLabelValues(rangeName).Set(float64(count))
}

// IncReconcileOrphans records orphaned rows cleaned up in one reconciliation pass.
func (m *Metrics) IncReconcileOrphans(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcileOrphans.Add(float64(n))
}

// IncReconcileOrphansAnomalous records orphaned rows found in a status other
// than removing/error, i.e. a container that vanished while still thought to
// be deploying, cloning, updating, running, or stopped.
func (m *Metrics) IncReconcileOrphansAnomalous(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcileOrphansAnomalous.Add(float64(n))
}

// IncJanitorStuck records applications force-transitioned to error by the janitor.
func (m *Metrics) IncJanitorStuck(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.janitorStuckTotal.Add(float64(n))
}
