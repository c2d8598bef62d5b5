package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/core/ports"
)

const (
	DefaultBuildConcurrency = 4
	DefaultEmbedTimeout     = 30 * time.Second
)

// IndexBuilder turns documents into chunk rows and index entries. Chunk rows
// are written before the index swap and stale rows are deleted only once the
// new snapshot is persisted and announced, so every id a live index can
// return is hydratable. Build and Update hold writeMu from the first read of
// stored rows to the last prune.
type IndexBuilder struct {
	writeMu sync.Mutex

	chunks      ports.ChunkRepository
	extractor   ports.TextExtractor
	chunker     ports.Chunker
	embedder    ports.Embedder
	index       ports.VectorIndex
	retrier     ports.Retrier
	persister   *SnapshotPersister
	concurrency int
	// embedTimeout bounds each embedding attempt.
	embedTimeout time.Duration
}

type BuilderOptions struct {
	Concurrency  int
	Retrier      ports.Retrier
	Persister    *SnapshotPersister
	EmbedTimeout time.Duration
}

func NewIndexBuilder(
	chunks ports.ChunkRepository,
	extractor ports.TextExtractor,
	chunker ports.Chunker,
	embedder ports.Embedder,
	index ports.VectorIndex,
	opts BuilderOptions,
) *IndexBuilder {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultBuildConcurrency
	}
	embedTimeout := opts.EmbedTimeout
	if embedTimeout <= 0 {
		embedTimeout = DefaultEmbedTimeout
	}
	return &IndexBuilder{
		chunks:       chunks,
		extractor:    extractor,
		chunker:      chunker,
		embedder:     embedder,
		index:        index,
		retrier:      opts.Retrier,
		persister:    opts.Persister,
		concurrency:  concurrency,
		embedTimeout: embedTimeout,
	}
}

type preparedDocument struct {
	doc     domain.Document
	chunks  []domain.Chunk
	vectors [][]float32
	err     error
}

type dimensioner interface {
	Dimension() int
}

// Build replaces the live index with one built from docs. Documents that fail
// keep the embeddings they had in the previous index of the same model.
func (b *IndexBuilder) Build(ctx context.Context, docs []domain.Document) (*domain.BuildReport, error) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.build(ctx, docs)
}

func (b *IndexBuilder) build(ctx context.Context, docs []domain.Document) (*domain.BuildReport, error) {
	started := time.Now()
	modelID := b.embedder.ModelID()
	previous := b.index.Status()

	prepared, err := b.prepareAll(ctx, docs)
	if err != nil {
		return nil, err
	}

	dim := b.dimension(prepared, previous, modelID)
	if dim <= 0 {
		// Nothing embedded and no dimension to build an empty index with.
		report := b.report("build", modelID, prepared, 0, 0, previous.TotalChunks, started)
		b.log(report)
		return report, nil
	}
	b.checkDimensions(prepared, dim)
	b.saveChunks(ctx, prepared)

	reuse := previous.Loaded && previous.ModelID == modelID && previous.Dimension == dim
	carried := make(map[string][]domain.Chunk)
	if reuse {
		for _, p := range prepared {
			if p.err == nil {
				continue
			}
			old, err := b.chunks.DocumentChunks(ctx, p.doc.ID)
			if err != nil {
				slog.Warn("index_carry_over_failed", "document_id", p.doc.ID, "error", err)
				continue
			}
			carried[p.doc.ID] = old
		}
	}

	added := 0
	err = b.index.Rebuild(modelID, dim, func(w ports.IndexWriter) error {
		for _, p := range prepared {
			if p.err != nil {
				for _, c := range carried[p.doc.ID] {
					if vec, ok := b.index.Vector(c.ID); ok {
						if err := w.Add(c.ID, vec); err != nil {
							return fmt.Errorf("carry chunk %s: %w", c.ID, err)
						}
					}
				}
				continue
			}
			for i, c := range p.chunks {
				if !reuse || !b.index.Has(c.ID) {
					added++
				}
				if err := w.Add(c.ID, p.vectors[i]); err != nil {
					return fmt.Errorf("add chunk %s: %w", c.ID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}

	total := b.index.Status().TotalChunks
	removed := 0
	if previous.Loaded {
		removed = previous.TotalChunks
		if reuse {
			removed = max(0, previous.TotalChunks+added-total)
		}
	}
	report := b.report("build", modelID, prepared, added, removed, total, started)
	return report, b.finish(ctx, report, prepared)
}

// Update re-indexes only documents whose content changed, in one swap of a
// copy of the live index. Without a live index it falls back to Build.
func (b *IndexBuilder) Update(ctx context.Context, docs []domain.Document) (*domain.BuildReport, error) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	started := time.Now()
	modelID := b.embedder.ModelID()
	previous := b.index.Status()
	if !previous.Loaded {
		return b.build(ctx, docs)
	}
	if previous.ModelID != modelID {
		return nil, domain.WrapError(domain.ErrModelMismatch, "update index",
			fmt.Errorf("index model %q, embedder model %q", previous.ModelID, modelID))
	}

	var unchanged []string
	var lookupFailed []preparedDocument
	stored := make(map[string][]domain.Chunk, len(docs))
	changed := make([]domain.Document, 0, len(docs))
	for _, doc := range docs {
		rows, err := b.chunks.DocumentChunks(ctx, doc.ID)
		if err != nil {
			lookupFailed = append(lookupFailed, preparedDocument{doc: doc, err: fmt.Errorf("load stored chunks: %w", err)})
			continue
		}
		if b.unchanged(doc, rows) {
			unchanged = append(unchanged, doc.ID)
			continue
		}
		stored[doc.ID] = rows
		changed = append(changed, doc)
	}

	prepared, err := b.prepareAll(ctx, changed)
	if err != nil {
		return nil, err
	}
	b.checkDimensions(prepared, previous.Dimension)
	b.saveChunks(ctx, prepared)

	added, removed := 0, 0
	ready := 0
	for _, p := range prepared {
		if p.err == nil {
			ready++
		}
	}
	if ready > 0 {
		err = b.index.Update(func(w ports.IndexWriter) error {
			added, removed = 0, 0
			for _, p := range prepared {
				if p.err != nil {
					continue
				}
				keep := chunkIDSet(p.chunks)
				for _, old := range stored[p.doc.ID] {
					if _, ok := keep[old.ID]; !ok && w.Remove(old.ID) {
						removed++
					}
				}
				for i, c := range p.chunks {
					if !w.Has(c.ID) {
						added++
					}
					if err := w.Add(c.ID, p.vectors[i]); err != nil {
						return fmt.Errorf("add chunk %s: %w", c.ID, err)
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("update index: %w", err)
		}
	}

	report := b.report("update", modelID, append(prepared, lookupFailed...), added, removed, b.index.Status().TotalChunks, started)
	report.Unchanged = unchanged
	if ready == 0 {
		b.log(report)
		return report, nil
	}
	return report, b.finish(ctx, report, prepared)
}

// unchanged reports whether every stored chunk of doc belongs to its current
// content version and is present in the live index.
func (b *IndexBuilder) unchanged(doc domain.Document, rows []domain.Chunk) bool {
	hash := doc.ContentHash
	if doc.Text != "" {
		hash = domain.ContentHash(doc.Text)
	}
	if hash == "" || len(rows) == 0 {
		return false
	}
	for _, c := range rows {
		if c.ContentHash != hash || !b.index.Has(c.ID) {
			return false
		}
	}
	return true
}

func (b *IndexBuilder) prepareAll(ctx context.Context, docs []domain.Document) ([]preparedDocument, error) {
	out := make([]preparedDocument, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i := range docs {
		g.Go(func() error {
			out[i] = b.prepare(gctx, docs[i])
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *IndexBuilder) prepare(ctx context.Context, doc domain.Document) preparedDocument {
	p := preparedDocument{doc: doc}
	if doc.Text == "" {
		text, err := b.extractor.Extract(ctx, &doc)
		if err != nil {
			p.err = fmt.Errorf("extract text: %w", err)
			return p
		}
		doc.Text = text
	}
	doc.ContentHash = domain.ContentHash(doc.Text)

	chunks := b.chunker.Split(doc)
	if len(chunks) == 0 {
		p.err = domain.WrapError(domain.ErrIngest, "chunk document", errors.New("document produced no chunks"))
		return p
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var vectors [][]float32
	embed := func(callCtx context.Context) error {
		return withEmbedTimeout(callCtx, b.embedTimeout, "embed chunks", func(attemptCtx context.Context) error {
			out, err := b.embedder.Embed(attemptCtx, texts)
			if err != nil {
				return err
			}
			vectors = out
			return nil
		})
	}
	var err error
	if b.retrier != nil {
		err = b.retrier.Retry(ctx, "index.embed", embed)
	} else {
		err = embed(ctx)
	}
	if err != nil {
		p.err = fmt.Errorf("embed chunks: %w", err)
		return p
	}
	if len(vectors) != len(chunks) {
		p.err = domain.WrapError(domain.ErrEmbeddingUnavailable, "embed chunks",
			fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(chunks)))
		return p
	}

	p.doc = doc
	p.chunks = chunks
	p.vectors = vectors
	return p
}

func (b *IndexBuilder) dimension(prepared []preparedDocument, previous domain.IndexStatus, modelID string) int {
	for _, p := range prepared {
		if p.err == nil && len(p.vectors) > 0 {
			return len(p.vectors[0])
		}
	}
	if d, ok := b.embedder.(dimensioner); ok && d.Dimension() > 0 {
		return d.Dimension()
	}
	if previous.Loaded && previous.ModelID == modelID {
		return previous.Dimension
	}
	return 0
}

func (b *IndexBuilder) checkDimensions(prepared []preparedDocument, dim int) {
	for i := range prepared {
		p := &prepared[i]
		if p.err != nil {
			continue
		}
		for _, vec := range p.vectors {
			if len(vec) != dim {
				p.err = domain.WrapError(domain.ErrEmbeddingUnavailable, "embed chunks",
					fmt.Errorf("vector dimension %d, index has %d", len(vec), dim))
				break
			}
		}
	}
}

func (b *IndexBuilder) saveChunks(ctx context.Context, prepared []preparedDocument) {
	for i := range prepared {
		p := &prepared[i]
		if p.err != nil {
			continue
		}
		if err := b.chunks.SaveChunks(ctx, p.chunks); err != nil {
			p.err = fmt.Errorf("save chunks: %w", err)
		}
	}
}

// pruneStale deletes side-store rows of documentID that are not in keep.
// Leftover rows are never returned by search and are removed by the next
// write that indexes the document.
func (b *IndexBuilder) pruneStale(ctx context.Context, documentID string, keep []domain.Chunk) {
	rows, err := b.chunks.DocumentChunks(ctx, documentID)
	if err != nil {
		slog.Warn("index_prune_failed", "document_id", documentID, "error", err)
		return
	}
	keepIDs := chunkIDSet(keep)
	var stale []string
	for _, c := range rows {
		if _, ok := keepIDs[c.ID]; !ok {
			stale = append(stale, c.ID)
		}
	}
	if err := b.chunks.DeleteChunks(ctx, stale); err != nil {
		slog.Warn("index_prune_failed", "document_id", documentID, "error", err)
	}
}

func (b *IndexBuilder) report(
	mode, modelID string,
	prepared []preparedDocument,
	added, removed, total int,
	started time.Time,
) *domain.BuildReport {
	report := &domain.BuildReport{
		Mode:          mode,
		ModelID:       modelID,
		Indexed:       []string{},
		ChunksAdded:   added,
		ChunksRemoved: removed,
		TotalChunks:   total,
	}
	for _, p := range prepared {
		if p.err != nil {
			slog.Warn("index_document_failed", "mode", mode, "document_id", p.doc.ID, "error", p.err)
			report.Failed = append(report.Failed, domain.DocumentFailure{DocumentID: p.doc.ID, Error: p.err.Error()})
			continue
		}
		report.Indexed = append(report.Indexed, p.doc.ID)
	}
	report.Duration = time.Since(started)
	return report
}

// finish persists and announces the swapped index, then prunes the rows it no
// longer references. Replicas reload on the announcement, so rows stay until
// they can no longer be asked for; a failed persist keeps them all.
func (b *IndexBuilder) finish(ctx context.Context, report *domain.BuildReport, prepared []preparedDocument) error {
	b.log(report)
	if b.persister != nil {
		if err := b.persister.Persist(ctx); err != nil {
			return fmt.Errorf("persist index: %w", err)
		}
	}
	for _, p := range prepared {
		if p.err == nil {
			b.pruneStale(ctx, p.doc.ID, p.chunks)
		}
	}
	return nil
}

func (b *IndexBuilder) log(report *domain.BuildReport) {
	slog.Info("index_update",
		"mode", report.Mode,
		"model_id", report.ModelID,
		"indexed", len(report.Indexed),
		"unchanged", len(report.Unchanged),
		"failed", len(report.Failed),
		"chunks_added", report.ChunksAdded,
		"chunks_removed", report.ChunksRemoved,
		"total_chunks", report.TotalChunks,
		"duration_ms", report.Duration.Milliseconds(),
	)
}

func chunkIDSet(chunks []domain.Chunk) map[string]struct{} {
	out := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		out[c.ID] = struct{}{}
	}
	return out
}
