package ports

import (
	"context"
	"io"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

// DocumentRepository persists and reads document metadata and state.
type DocumentRepository interface {
	Upsert(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	List(ctx context.Context) ([]domain.Document, error)
	UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus, errMessage string) error
}

// ChunkRepository is the chunk side store used for hydration and citation rendering.
type ChunkRepository interface {
	SaveChunks(ctx context.Context, chunks []domain.Chunk) error
	DocumentChunks(ctx context.Context, documentID string) ([]domain.Chunk, error)
	DeleteChunks(ctx context.Context, ids []string) error
	Hydrate(ctx context.Context, ids []string) (map[string]domain.RetrievedChunk, error)
	ChunkIDsByCategory(ctx context.Context, category string) ([]string, error)
	Stats(ctx context.Context, topN int) (domain.CorpusStats, error)
}

// ObjectStorage stores raw document text and index snapshots.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// MessageQueue publishes/consumes ingestion and index refresh events.
type MessageQueue interface {
	PublishDocumentSubmitted(ctx context.Context, documentID string) error
	SubscribeDocumentSubmitted(ctx context.Context, handler func(context.Context, string) error) error
	PublishIndexUpdated(ctx context.Context, modelID string) error
	SubscribeIndexUpdated(ctx context.Context, handler func(context.Context, string) error) error
}

// TextExtractor loads the plain text of a stored document.
type TextExtractor interface {
	Extract(ctx context.Context, doc *domain.Document) (string, error)
}

// Chunker splits a document into bounded, overlapping chunks.
type Chunker interface {
	Split(doc domain.Document) []domain.Chunk
}

// Embedder maps text to fixed-dimension vectors of a single model.
type Embedder interface {
	ModelID() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Generator is the external text-generation capability.
type Generator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (string, error)
}

// TokenCounter estimates prompt size for the context budget.
type TokenCounter interface {
	CountTokens(text string) int
}

// ChunkPredicate reports whether a chunk id may take part in a search.
// A nil predicate admits every chunk.
type ChunkPredicate func(chunkID string) bool

// IndexWriter mutates an unpublished index draft.
type IndexWriter interface {
	Add(chunkID string, vector []float32) error
	Remove(chunkID string) bool
	Has(chunkID string) bool
	Vector(chunkID string) ([]float32, bool)
	Len() int
}

// VectorIndex is the live, atomically swapped similarity index.
type VectorIndex interface {
	Search(query []float32, k int, eligible ChunkPredicate) ([]domain.ScoredID, error)
	Status() domain.IndexStatus
	Has(chunkID string) bool
	Vector(chunkID string) ([]float32, bool)
	// Rebuild fills a fresh draft and publishes it with one swap.
	Rebuild(modelID string, dimension int, fill func(IndexWriter) error) error
	// Update copies the live index, applies fill and publishes the copy.
	Update(fill func(IndexWriter) error) error
	WriteSnapshot(w io.Writer) error
	// LoadSnapshot replaces the live index; a non-empty modelID must match.
	LoadSnapshot(r io.Reader, modelID string) error
}

// Retrier runs fn with bounded retries for transient failures.
type Retrier interface {
	Retry(ctx context.Context, operation string, fn func(context.Context) error) error
}

// CandidateFilter restricts eligible chunk ids before the similarity search.
type CandidateFilter interface {
	Eligible(ctx context.Context, query domain.Query) (ChunkPredicate, error)
}

// ScoreAdjuster rescales hydrated candidates before the final top-k cut.
type ScoreAdjuster interface {
	Adjust(query domain.Query, candidates []domain.RetrievedChunk) []domain.RetrievedChunk
}

// IndexEventPublisher announces a freshly persisted index snapshot.
type IndexEventPublisher interface {
	PublishIndexUpdated(ctx context.Context, modelID string) error
}
