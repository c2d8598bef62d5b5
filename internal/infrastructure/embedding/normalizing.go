package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/core/ports"
	"github.com/kirillkom/statsrag/internal/infrastructure/vector/memory"
)

// Normalizing validates and L2-normalizes every vector produced by the
// wrapped model and splits large inputs into batches. A degenerate vector is
// an error, never a zero vector in the index.
type Normalizing struct {
	inner     ports.Embedder
	batchSize int

	mu  sync.Mutex
	dim int
}

// NewNormalizing wraps inner. A dimension of 0 adopts the dimension of the
// first vector seen; batchSize <= 0 sends every input in one call.
func NewNormalizing(inner ports.Embedder, dimension, batchSize int) *Normalizing {
	return &Normalizing{inner: inner, dim: dimension, batchSize: batchSize}
}

func (n *Normalizing) ModelID() string { return n.inner.ModelID() }

func (n *Normalizing) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	size := n.batchSize
	if size <= 0 || size > len(texts) {
		size = len(texts)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		batch, err := n.inner.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, asUnavailable("embed batch", err)
		}
		if len(batch) != end-start {
			return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed batch",
				fmt.Errorf("model returned %d vectors for %d inputs", len(batch), end-start))
		}
		for i, vec := range batch {
			normalized, err := n.normalize(vec)
			if err != nil {
				return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed batch",
					fmt.Errorf("input %d: %w", start+i, err))
			}
			out = append(out, normalized)
		}
	}
	return out, nil
}

func (n *Normalizing) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := n.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, asUnavailable("embed query", err)
	}
	normalized, err := n.normalize(vec)
	if err != nil {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed query", err)
	}
	return normalized, nil
}

// Dimension reports the enforced dimension, 0 until the first vector.
func (n *Normalizing) Dimension() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dim
}

func (n *Normalizing) normalize(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, errors.New("empty vector")
	}
	n.mu.Lock()
	if n.dim == 0 {
		n.dim = len(vec)
	}
	dim := n.dim
	n.mu.Unlock()
	if len(vec) != dim {
		return nil, fmt.Errorf("dimension %d, expected %d", len(vec), dim)
	}

	out := append([]float32(nil), vec...)
	if !memory.Normalize(out) {
		return nil, errors.New("zero or non-finite vector")
	}
	return out, nil
}

// asUnavailable keeps context errors intact so callers can tell client
// cancellation from a failing model.
func asUnavailable(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if domain.IsKind(err, domain.ErrEmbeddingUnavailable) {
		return err
	}
	return domain.WrapError(domain.ErrEmbeddingUnavailable, operation, err)
}
