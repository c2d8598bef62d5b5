package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

const namespace = "statsrag"

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	ragRequestsTotal   *prometheus.CounterVec
	ragNoContextTotal  *prometheus.CounterVec
	ragDegradedTotal   *prometheus.CounterVec
	ragRetrievedChunks *prometheus.HistogramVec
	ragPromptTokens    *prometheus.HistogramVec
	ragDuration        *prometheus.HistogramVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	ragRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "requests_total",
			Help:      "Total RAG queries by final state.",
		},
		[]string{"service", "state"},
	)
	ragNoContextTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "no_context_total",
			Help:      "Total answered RAG queries without retrieved chunks.",
		},
		[]string{"service"},
	)
	ragDegradedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "degraded_total",
			Help:      "Total RAG answers produced without the generative model.",
		},
		[]string{"service"},
	)
	ragRetrievedChunks := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "retrieved_chunks",
			Help:      "Distribution of retrieved chunks per RAG query.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 7, 10},
		},
		[]string{"service"},
	)
	ragPromptTokens := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "prompt_tokens",
			Help:      "Counted tokens of generation prompts.",
			Buckets:   []float64{128, 256, 512, 1024, 2048, 3072, 4096, 8192},
		},
		[]string{"service"},
	)
	ragDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "duration_seconds",
			Help:      "RAG execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "state"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		ragRequestsTotal,
		ragNoContextTotal,
		ragDegradedTotal,
		ragRetrievedChunks,
		ragPromptTokens,
		ragDuration,
	)

	return &HTTPServerMetrics{
		registry:           registry,
		requestTotal:       requestTotal,
		requestDuration:    requestDuration,
		requestInFlight:    requestInFlight,
		ragRequestsTotal:   ragRequestsTotal,
		ragNoContextTotal:  ragNoContextTotal,
		ragDegradedTotal:   ragDegradedTotal,
		ragRetrievedChunks: ragRetrievedChunks,
		ragPromptTokens:    ragPromptTokens,
		ragDuration:        ragDuration,
	}
}

// RegisterIndexGauge exports the live index size and load state, read at
// scrape time.
func (m *HTTPServerMetrics) RegisterIndexGauge(service string, status func() domain.IndexStatus) {
	m.registry.MustRegister(indexGauges(service, status)...)
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/documents/"):
		return "/v1/documents/{id}"
	default:
		return path
	}
}

// QueryObserver binds RAG query observations to one service label.
func (m *HTTPServerMetrics) QueryObserver(service string) *RAGObserver {
	return &RAGObserver{metrics: m, service: service}
}

type RAGObserver struct {
	metrics *HTTPServerMetrics
	service string
}

func (o *RAGObserver) ObserveQuery(state domain.QueryState, retrieved, promptTokens int, duration time.Duration) {
	if state == "" {
		state = "unknown"
	}
	m := o.metrics
	m.ragRequestsTotal.WithLabelValues(o.service, string(state)).Inc()
	m.ragDuration.WithLabelValues(o.service, string(state)).Observe(duration.Seconds())
	if state == domain.StateFailed {
		return
	}
	m.ragRetrievedChunks.WithLabelValues(o.service).Observe(float64(retrieved))
	if retrieved == 0 {
		m.ragNoContextTotal.WithLabelValues(o.service).Inc()
	}
	if state == domain.StateDegradedNoGeneration {
		m.ragDegradedTotal.WithLabelValues(o.service).Inc()
	}
	if promptTokens > 0 {
		m.ragPromptTokens.WithLabelValues(o.service).Observe(float64(promptTokens))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
