// Package none provides a generator for deployments without an LLM. Every
// answer takes the extractive degraded path.
package none

import (
	"context"
	"errors"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

type Generator struct{}

func (Generator) Generate(context.Context, domain.GenerationRequest) (string, error) {
	return "", domain.WrapError(domain.ErrGenerationUnavailable, "generate", errors.New("generation provider disabled"))
}
