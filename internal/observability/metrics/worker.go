package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
)

// WorkerMetrics records pipeline events for one worker process.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	fileTotal      *prometheus.CounterVec
	fileDuration   *prometheus.HistogramVec
	fileInFlight   prometheus.Gauge
	extractRetries prometheus.Counter
	batchTotal     *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
	reconcileTotal *prometheus.CounterVec
	recoveryTotal  *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()
	serviceLabel := prometheus.Labels{"service": service}

	fileTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "worker",
			Name:      "file_process_total",
			Help:      "Total processed files by outcome.",
		},
		[]string{"service", "outcome"},
	)
	fileDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "intake",
			Subsystem: "worker",
			Name:      "file_process_duration_seconds",
			Help:      "File processing duration in seconds by outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120, 180},
		},
		[]string{"service", "outcome"},
	)
	fileInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   "intake",
			Subsystem:   "worker",
			Name:        "file_process_in_flight",
			Help:        "Number of files currently being processed.",
			ConstLabels: serviceLabel,
		},
	)
	extractRetries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   "intake",
			Subsystem:   "worker",
			Name:        "extract_retries_total",
			Help:        "Extractor attempts retried after a temporary error.",
			ConstLabels: serviceLabel,
		},
	)
	batchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "worker",
			Name:      "batch_finalized_total",
			Help:      "Total finalized batches by status.",
		},
		[]string{"service", "status"},
	)
	batchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "intake",
			Subsystem: "worker",
			Name:      "batch_duration_seconds",
			Help:      "Batch run duration in seconds by status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"service", "status"},
	)
	reconcileTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "reconciler",
			Name:      "files_total",
			Help:      "Files handled by the note reconciliation sweep by result.",
		},
		[]string{"service", "result"},
	)

	recoveryTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "recovery",
			Name:      "batches_total",
			Help:      "Stale batches re-run by the recovery schedule by result.",
		},
		[]string{"service", "result"},
	)

	registry.MustRegister(
		fileTotal, fileDuration, fileInFlight, extractRetries,
		batchTotal, batchDuration, reconcileTotal, recoveryTotal,
	)

	return &WorkerMetrics{
		registry:       registry,
		service:        service,
		fileTotal:      fileTotal,
		fileDuration:   fileDuration,
		fileInFlight:   fileInFlight,
		extractRetries: extractRetries,
		batchTotal:     batchTotal,
		batchDuration:  batchDuration,
		reconcileTotal: reconcileTotal,
		recoveryTotal:  recoveryTotal,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) FileStarted() {
	m.fileInFlight.Inc()
}

func (m *WorkerMetrics) FileFinished(outcome domain.Outcome, duration time.Duration) {
	m.fileInFlight.Dec()
	m.fileTotal.WithLabelValues(m.service, string(outcome)).Inc()
	m.fileDuration.WithLabelValues(m.service, string(outcome)).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ExtractRetried() {
	m.extractRetries.Inc()
}

func (m *WorkerMetrics) BatchFinished(status domain.BatchStatus, duration time.Duration) {
	m.batchTotal.WithLabelValues(m.service, string(status)).Inc()
	m.batchDuration.WithLabelValues(m.service, string(status)).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ReconcileSwept(linked, failed int) {
	if linked > 0 {
		m.reconcileTotal.WithLabelValues(m.service, "linked").Add(float64(linked))
	}
	if failed > 0 {
		m.reconcileTotal.WithLabelValues(m.service, "failed").Add(float64(failed))
	}
}

func (m *WorkerMetrics) BatchesRecovered(finalized, failed int) {
	if finalized > 0 {
		m.recoveryTotal.WithLabelValues(m.service, "finalized").Add(float64(finalized))
	}
	if failed > 0 {
		m.recoveryTotal.WithLabelValues(m.service, "failed").Add(float64(failed))
	}
}
