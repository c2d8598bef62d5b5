package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/statsrag/internal/config"
	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/core/ports"
	"github.com/kirillkom/statsrag/internal/observability/metrics"
)

// maxDocumentBytes caps one submitted document body.
const maxDocumentBytes = 16 << 20

type Router struct {
	submitter ports.DocumentSubmitter
	queries   ports.QueryService
	documents ports.DocumentReader
	rebuilder ports.IndexRebuilder

	defaultTopK        int
	defaultTemperature float64
	rateLimitRPS       float64
	rateLimitBurst     int
	maxInFlight        int
	queueWait          time.Duration

	metrics *metrics.HTTPServerMetrics
	service string
}

// NewRouter wires the HTTP surface. rebuilder may be nil, in which case the
// rebuild endpoint answers 501.
func NewRouter(
	cfg config.Config,
	submitter ports.DocumentSubmitter,
	queries ports.QueryService,
	documents ports.DocumentReader,
	rebuilder ports.IndexRebuilder,
) *Router {
	return &Router{
		submitter:          submitter,
		queries:            queries,
		documents:          documents,
		rebuilder:          rebuilder,
		defaultTopK:        cfg.RAGTopK,
		defaultTemperature: cfg.RAGTemperature,
		rateLimitRPS:       cfg.APIRateLimitRPS,
		rateLimitBurst:     cfg.APIRateLimitBurst,
		maxInFlight:        cfg.APIMaxInFlight,
		queueWait:          cfg.APIQueueWait,
	}
}

// WithMetrics instruments every request and exposes /metrics.
func (rt *Router) WithMetrics(m *metrics.HTTPServerMetrics, service string) *Router {
	rt.metrics = m
	rt.service = service
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /v1/index/status", rt.indexStatus)
	mux.HandleFunc("POST /v1/index/rebuild", rt.rebuildIndex)
	mux.HandleFunc("POST /v1/documents", rt.submitDocument)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocumentByID)
	mux.HandleFunc("POST /v1/rag/query", rt.queryRAG)
	mux.HandleFunc("GET /v1/rag/search", rt.searchRAG)

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.maxInFlight, rt.queueWait)
	handler = rateLimitMiddleware(handler, rt.rateLimitRPS, rt.rateLimitBurst)

	if rt.metrics != nil {
		outer := http.NewServeMux()
		outer.Handle("GET /metrics", rt.metrics.Handler())
		outer.Handle("/", handler)
		handler = rt.metrics.Middleware(rt.service, outer)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, r *http.Request) {
	status := rt.queries.IndexStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"index_loaded": status.Loaded,
	})
}

func (rt *Router) indexStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.queries.IndexStatus(r.Context()))
}

func (rt *Router) rebuildIndex(w http.ResponseWriter, r *http.Request) {
	if rt.rebuilder == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "index rebuild is not available on this process"})
		return
	}
	report, err := rt.rebuilder.RebuildAll(r.Context())
	if err != nil {
		slog.Error("index_rebuild_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) submitDocument(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitDocumentRequest
	if err := decodeJSON(w, r, &req, maxDocumentBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	doc, err := rt.submitter.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if doc.Status == domain.StatusIndexed || doc.Status == domain.StatusFailed {
		status = http.StatusOK
	}
	writeJSON(w, status, doc)
}

func (rt *Router) getDocumentByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "document id is required"})
		return
	}

	doc, err := rt.documents.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type queryRequest struct {
	Question    string   `json:"question"`
	K           *int     `json:"k"`
	Temperature *float64 `json:"temperature"`
	Category    string   `json:"category"`
}

func (rt *Router) queryRAG(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(w, r, &req, 1<<20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	query := domain.Query{
		Text:        req.Question,
		K:           rt.defaultTopK,
		Temperature: rt.defaultTemperature,
		Category:    req.Category,
	}
	if req.K != nil {
		query.K = *req.K
	}
	if req.Temperature != nil {
		query.Temperature = *req.Temperature
	}

	answer, err := rt.queries.AnswerQuery(r.Context(), query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (rt *Router) searchRAG(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	query := domain.Query{
		Text:        values.Get("q"),
		K:           rt.defaultTopK,
		Temperature: rt.defaultTemperature,
		Category:    values.Get("category"),
	}
	if raw := values.Get("k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "k must be an integer"})
			return
		}
		query.K = k
	}

	result, err := rt.queries.SearchOnly(r.Context(), query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, limit int64) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		default:
			return fmt.Errorf("invalid json: %w", err)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
