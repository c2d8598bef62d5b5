package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/core/ports"
)

const (
	snippetRunes      = 360
	DefaultRerankPool = 20

	// DefaultQueryEmbedTimeout bounds one query embedding call.
	DefaultQueryEmbedTimeout = 10 * time.Second
)

type Retriever struct {
	embedder   ports.Embedder
	index      ports.VectorIndex
	chunks     ports.ChunkRepository
	filter     ports.CandidateFilter
	adjuster   ports.ScoreAdjuster
	rerankPool int
	timeout    time.Duration
}

type RetrieverOptions struct {
	Filter       ports.CandidateFilter
	Adjuster     ports.ScoreAdjuster
	RerankPool   int
	EmbedTimeout time.Duration
}

func NewRetriever(
	embedder ports.Embedder,
	index ports.VectorIndex,
	chunks ports.ChunkRepository,
	opts RetrieverOptions,
) *Retriever {
	pool := opts.RerankPool
	if pool <= 0 {
		pool = DefaultRerankPool
	}
	timeout := opts.EmbedTimeout
	if timeout <= 0 {
		timeout = DefaultQueryEmbedTimeout
	}
	return &Retriever{
		embedder:   embedder,
		index:      index,
		chunks:     chunks,
		filter:     opts.Filter,
		adjuster:   opts.Adjuster,
		rerankPool: pool,
		timeout:    timeout,
	}
}

// Retrieve embeds the query, searches the live index and hydrates the hits
// in rank order. A blank query fails before any embedding call.
func (r *Retriever) Retrieve(ctx context.Context, query domain.Query) (*domain.RetrievalResult, error) {
	text := strings.TrimSpace(query.Text)
	if text == "" {
		return nil, domain.WrapError(domain.ErrQueryEmpty, "retrieve", fmt.Errorf("query text is blank"))
	}
	query.Text = text
	k := clampK(query.K)

	var vector []float32
	err := withEmbedTimeout(ctx, r.timeout, "embed query", func(callCtx context.Context) error {
		var embedErr error
		vector, embedErr = r.embedder.EmbedQuery(callCtx, text)
		return embedErr
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var eligible ports.ChunkPredicate
	if r.filter != nil {
		eligible, err = r.filter.Eligible(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("resolve candidate filter: %w", err)
		}
	}

	pool := k
	if r.adjuster != nil {
		pool = max(k, r.rerankPool)
	}
	hits, err := r.index.Search(vector, pool, eligible)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	chunks, err := r.hydrate(ctx, hits)
	if err != nil {
		return nil, err
	}
	if r.adjuster != nil {
		chunks = r.adjuster.Adjust(query, chunks)
	}
	if len(chunks) > k {
		chunks = chunks[:k]
	}

	return &domain.RetrievalResult{
		Query:   text,
		ModelID: r.embedder.ModelID(),
		Chunks:  chunks,
	}, nil
}

func (r *Retriever) hydrate(ctx context.Context, hits []domain.ScoredID) ([]domain.RetrievedChunk, error) {
	out := make([]domain.RetrievedChunk, 0, len(hits))
	if len(hits) == 0 {
		return out, nil
	}
	ids := make([]string, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ChunkID
	}
	rows, err := r.chunks.Hydrate(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate chunks: %w", err)
	}
	for _, hit := range hits {
		chunk, ok := rows[hit.ChunkID]
		if !ok {
			slog.Warn("retrieval_chunk_missing", "chunk_id", hit.ChunkID)
			continue
		}
		chunk.Score = hit.Score
		chunk.Snippet = snippet(chunk.Text)
		out = append(out, chunk)
	}
	return out, nil
}

func clampK(k int) int {
	switch {
	case k == 0:
		return domain.DefaultTopK
	case k < domain.MinTopK:
		return domain.MinTopK
	case k > domain.MaxTopK:
		return domain.MaxTopK
	default:
		return k
	}
}

func snippet(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(s) <= snippetRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:snippetRunes]) + "…"
}

// CategoryFilter restricts a search to chunks of documents in the query's
// category. An empty category admits every chunk.
type CategoryFilter struct {
	chunks ports.ChunkRepository
}

func NewCategoryFilter(chunks ports.ChunkRepository) *CategoryFilter {
	return &CategoryFilter{chunks: chunks}
}

func (f *CategoryFilter) Eligible(ctx context.Context, query domain.Query) (ports.ChunkPredicate, error) {
	category := strings.TrimSpace(query.Category)
	if category == "" {
		return nil, nil
	}
	ids, err := f.chunks.ChunkIDsByCategory(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("list category chunks: %w", err)
	}
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	return func(chunkID string) bool {
		_, ok := allowed[chunkID]
		return ok
	}, nil
}
