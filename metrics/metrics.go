// Package metrics exposes Prometheus instruments for ingestion, retrieval
// and the HTTP surface. Nothing is registered at init; callers register a
// Metrics value with the registry they serve.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/ingestion"
	"github.com/poiesic/archivist/search"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "archivist"

// Metrics holds every instrument the service reports.
type Metrics struct {
	jobsSubmitted     *prometheus.CounterVec
	jobsFinished      *prometheus.CounterVec
	segments          *prometheus.CounterVec
	chunks            *prometheus.CounterVec
	embeddingDuration *prometheus.HistogramVec
	embeddingErrors   *prometheus.CounterVec
	workersBusy       prometheus.Gauge
	retrieveDuration  *prometheus.HistogramVec
	droppedHits       *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	httpRequests      *prometheus.CounterVec
}

var (
	_ ingestion.Recorder = (*Metrics)(nil)
	_ search.Monitor     = (*Metrics)(nil)
)

// New creates unregistered instruments.
func New() *Metrics {
	return &Metrics{
		jobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Ingestion submissions, by whether an existing job was returned",
			},
			[]string{"result"}, // "created" / "existing"
		),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Ingestion jobs that reached a terminal status",
			},
			[]string{"status"},
		),
		segments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segments_total",
				Help:      "Segments processed by ingestion workers",
			},
			[]string{"outcome"},
		),
		chunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_total",
				Help:      "Chunks committed or discarded by ingestion workers",
			},
			[]string{"outcome"},
		),
		embeddingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "embedding_duration_seconds",
				Help:      "Embedding request duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"model"},
		),
		embeddingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_errors_total",
				Help:      "Failed embedding requests",
			},
			[]string{"model"},
		),
		workersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_busy",
				Help:      "Jobs currently held by this process",
			},
		),
		retrieveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retrieve_duration_seconds",
				Help:      "Retrieval duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"status"},
		),
		droppedHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retrieve_dropped_hits_total",
				Help:      "Index hits removed before they reached a result",
			},
			[]string{"reason"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}

// Collectors returns every instrument.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.jobsSubmitted, m.jobsFinished, m.segments, m.chunks,
		m.embeddingDuration, m.embeddingErrors, m.workersBusy,
		m.retrieveDuration, m.droppedHits,
		m.httpDuration, m.httpRequests,
	}
}

// Register registers every instrument with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler serves the metrics gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// JobSubmitted implements ingestion.Recorder.
func (m *Metrics) JobSubmitted(existing bool) {
	result := "created"
	if existing {
		result = "existing"
	}
	m.jobsSubmitted.WithLabelValues(result).Inc()
}

// JobFinished implements ingestion.Recorder.
func (m *Metrics) JobFinished(status core.JobStatus) {
	m.jobsFinished.WithLabelValues(string(status)).Inc()
}

// SegmentProcessed implements ingestion.Recorder.
func (m *Metrics) SegmentProcessed(outcome string, chunks int) {
	m.segments.WithLabelValues(outcome).Inc()
	m.chunks.WithLabelValues(outcome).Add(float64(chunks))
}

// EmbeddingObserved implements ingestion.Recorder.
func (m *Metrics) EmbeddingObserved(model string, elapsed time.Duration, err error) {
	m.embeddingDuration.WithLabelValues(model).Observe(elapsed.Seconds())
	if err != nil {
		m.embeddingErrors.WithLabelValues(model).Inc()
	}
}

// WorkersBusy implements ingestion.Recorder.
func (m *Metrics) WorkersBusy(n int) {
	m.workersBusy.Set(float64(n))
}

// Search stages before the result are not measured.
func (m *Metrics) Start(_ search.RetrieveRequest)         {}
func (m *Metrics) AfterEmbedding(_ int, _ time.Duration) {}
func (m *Metrics) AfterVectorSearch(_ int, _ []core.Hit) {}

// Dropped implements search.Monitor.
func (m *Metrics) Dropped(_ core.Hit, reason string) {
	m.droppedHits.WithLabelValues(reason).Inc()
}

// Finish implements search.Monitor.
func (m *Metrics) Finish(_ []core.ChunkResult, elapsed time.Duration) {
	m.retrieveDuration.WithLabelValues("ok").Observe(elapsed.Seconds())
}

// Failed implements search.Monitor.
func (m *Metrics) Failed(_ error, elapsed time.Duration) {
	m.retrieveDuration.WithLabelValues("error").Observe(elapsed.Seconds())
}
