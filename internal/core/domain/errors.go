package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound      = errors.New("document not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrTemporary             = errors.New("temporary failure")
	ErrIngest                = errors.New("ingest rejected")
	ErrEmbeddingUnavailable  = errors.New("embedding unavailable")
	ErrQueryEmpty            = errors.New("query is empty")
	ErrGenerationUnavailable = errors.New("generation unavailable")
	ErrGenerationTimeout     = errors.New("generation timed out")
	ErrIndexCorrupt          = errors.New("index corrupt")
	ErrModelMismatch         = errors.New("embedding model mismatch")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
