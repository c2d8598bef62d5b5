package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

// Document processing outcomes.
const (
	OutcomeIndexed  = "indexed"
	OutcomeFailed   = "failed"
	OutcomeCanceled = "canceled"
)

// WorkerMetrics instruments the indexing worker that consumes submitted
// documents from the queue.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	documentsTotal   *prometheus.CounterVec
	documentDuration *prometheus.HistogramVec
	inFlight         prometheus.Gauge
	queueLag         prometheus.Histogram
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": service}

	documentsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "documents_total",
			Help:        "Submitted documents taken off the queue, by outcome.",
			ConstLabels: labels,
		},
		[]string{"outcome"},
	)
	documentDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "document_duration_seconds",
			Help:        "Time to chunk, embed and index one document, by outcome.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			ConstLabels: labels,
		},
		[]string{"outcome"},
	)
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "worker",
		Name:        "documents_in_flight",
		Help:        "Documents currently being indexed.",
		ConstLabels: labels,
	})
	queueLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   "worker",
		Name:        "queue_lag_seconds",
		Help:        "Delay between document submission and the start of indexing.",
		Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		ConstLabels: labels,
	})

	registry.MustRegister(documentsTotal, documentDuration, inFlight, queueLag)

	return &WorkerMetrics{
		registry:         registry,
		service:          service,
		documentsTotal:   documentsTotal,
		documentDuration: documentDuration,
		inFlight:         inFlight,
		queueLag:         queueLag,
	}
}

// RegisterIndexGauge exposes the worker's copy of the live index.
func (m *WorkerMetrics) RegisterIndexGauge(status func() domain.IndexStatus) {
	m.registry.MustRegister(indexGauges(m.service, status)...)
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackDocument marks one document in flight and returns the func that
// records its outcome.
func (m *WorkerMetrics) TrackDocument() func(err error) {
	started := time.Now()
	m.inFlight.Inc()
	return func(err error) {
		m.inFlight.Dec()
		outcome := DocumentOutcome(err)
		m.documentsTotal.WithLabelValues(outcome).Inc()
		m.documentDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	}
}

func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.Observe(lag.Seconds())
}

func DocumentOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeIndexed
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	default:
		return OutcomeFailed
	}
}

func indexGauges(service string, status func() domain.IndexStatus) []prometheus.Collector {
	labels := prometheus.Labels{"service": service}
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "chunks",
			Help:        "Number of chunks in the live vector index.",
			ConstLabels: labels,
		}, func() float64 {
			return float64(status().TotalChunks)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "loaded",
			Help:        "1 when a vector index is loaded.",
			ConstLabels: labels,
		}, func() float64 {
			if status().Loaded {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "age_seconds",
			Help:        "Seconds since the live index snapshot was built.",
			ConstLabels: labels,
		}, func() float64 {
			builtAt := status().BuiltAt
			if builtAt.IsZero() {
				return 0
			}
			return time.Since(builtAt).Seconds()
		}),
	}
}
