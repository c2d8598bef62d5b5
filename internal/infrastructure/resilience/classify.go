package resilience

import (
	"context"
	"errors"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

// ClassifyDomainError retries the transient domain kinds raised by the
// embedding and queue adapters. Context errors are neither retried nor
// counted against the breaker.
func ClassifyDomainError(err error) ErrorClassification {
	switch {
	case err == nil:
		return ErrorClassification{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassification{Retryable: false, RecordFailure: false}
	case IsCircuitOpen(err):
		return ErrorClassification{Retryable: true, RecordFailure: true}
	case domain.IsKind(err, domain.ErrTemporary), domain.IsKind(err, domain.ErrEmbeddingUnavailable):
		return ErrorClassification{Retryable: true, RecordFailure: true}
	case domain.IsKind(err, domain.ErrInvalidInput):
		return ErrorClassification{Retryable: false, RecordFailure: false}
	default:
		return ErrorClassification{Retryable: false, RecordFailure: true}
	}
}
