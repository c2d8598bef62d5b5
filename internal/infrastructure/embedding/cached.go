package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kirillkom/statsrag/internal/core/ports"
)

const DefaultQueryCacheSize = 1024

// Cached memoizes query embeddings. Document batches pass straight through:
// each chunk is embedded once per build and caching them only evicts queries.
type Cached struct {
	inner ports.Embedder
	cache *lru.Cache[string, []float32]
}

func NewCached(inner ports.Embedder, size int) (*Cached, error) {
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("init query embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) ModelID() string { return c.inner.ModelID() }

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return c.inner.Embed(ctx, texts)
}

func (c *Cached) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return cloneVector(vec), nil
	}
	vec, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cloneVector(vec))
	return vec, nil
}

func (c *Cached) Len() int { return c.cache.Len() }

// Dimension forwards the wrapped model's dimension, 0 when it is unknown.
func (c *Cached) Dimension() int {
	if d, ok := c.inner.(interface{ Dimension() int }); ok {
		return d.Dimension()
	}
	return 0
}

func (c *Cached) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(c.inner.ModelID() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func cloneVector(src []float32) []float32 {
	dst := make([]float32, len(src))
	copy(dst, src)
	return dst
}
