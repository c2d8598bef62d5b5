package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

// withEmbedTimeout runs fn under its own deadline. Running out of that
// deadline while ctx is still live reports the embedder as unavailable, which
// the retry classifier treats as transient; cancellation of ctx passes through.
func withEmbedTimeout(ctx context.Context, timeout time.Duration, operation string, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrEmbeddingUnavailable, operation,
			fmt.Errorf("no response within %s", timeout))
	}
	return err
}
