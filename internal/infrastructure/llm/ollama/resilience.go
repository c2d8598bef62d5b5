package ollama

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "ollama status error"
	}
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("ollama %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("ollama %s status: %s: %s", e.Operation, e.Status, body)
}

// Retryable reports whether the server may answer differently on a retry:
// the model is still loading, overloaded or the proxy in front timed out.
func (e *HTTPStatusError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

var (
	retryAndRecord = resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	ignore         = resilience.ErrorClassification{}
)

func classifyOllamaError(err error) resilience.ErrorClassification {
	var (
		statusErr *HTTPStatusError
		netErr    net.Error
	)
	switch {
	case err == nil:
		return ignore
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ignore
	case resilience.IsCircuitOpen(err):
		return retryAndRecord
	case errors.As(err, &statusErr):
		// 4xx means a bad request or a missing model: retrying cannot help
		// and the backend itself is healthy.
		if statusErr.Retryable() {
			return retryAndRecord
		}
		return ignore
	case errors.As(err, &netErr):
		return retryAndRecord
	default:
		return resilience.ErrorClassification{RecordFailure: true}
	}
}

// embedError maps a failed embed call onto ErrEmbeddingUnavailable; context
// errors pass through so the caller can tell cancellation apart.
func embedError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.WrapError(domain.ErrEmbeddingUnavailable, "ollama embed", err)
}

func generateError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return domain.WrapError(domain.ErrGenerationTimeout, "ollama generate", err)
	default:
		return domain.WrapError(domain.ErrGenerationUnavailable, "ollama generate", err)
	}
}
