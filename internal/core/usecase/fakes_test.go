package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/core/ports"
	"github.com/kirillkom/statsrag/internal/infrastructure/chunking"
	"github.com/kirillkom/statsrag/internal/infrastructure/embedding"
	"github.com/kirillkom/statsrag/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/statsrag/internal/infrastructure/vector/memory"
)

type memDocuments struct {
	mu    sync.Mutex
	docs  map[string]domain.Document
	order []string
}

func newMemDocuments() *memDocuments {
	return &memDocuments{docs: make(map[string]domain.Document)}
}

func (m *memDocuments) Upsert(_ context.Context, doc *domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; !ok {
		m.order = append(m.order, doc.ID)
	}
	m.docs[doc.ID] = *doc
	return nil
}

func (m *memDocuments) GetByID(_ context.Context, id string) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	return &doc, nil
}

func (m *memDocuments) List(context.Context) ([]domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Document, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.docs[id])
	}
	return out, nil
}

func (m *memDocuments) UpdateStatus(_ context.Context, id string, status domain.DocumentStatus, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "update document status", fmt.Errorf("id=%s", id))
	}
	doc.Status = status
	doc.Error = errMessage
	m.docs[id] = doc
	return nil
}

func (m *memDocuments) status(id string) domain.DocumentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[id].Status
}

type memChunks struct {
	mu   sync.Mutex
	docs *memDocuments
	rows map[string]domain.Chunk
}

func newMemChunks(docs *memDocuments) *memChunks {
	return &memChunks{docs: docs, rows: make(map[string]domain.Chunk)}
}

func (m *memChunks) SaveChunks(_ context.Context, chunks []domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.rows[c.ID] = c
	}
	return nil
}

func (m *memChunks) DocumentChunks(_ context.Context, documentID string) ([]domain.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Chunk
	for _, c := range m.rows {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b domain.Chunk) int {
		if a.Sequence != b.Sequence {
			return a.Sequence - b.Sequence
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *memChunks) DeleteChunks(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.rows, id)
	}
	return nil
}

func (m *memChunks) Hydrate(ctx context.Context, ids []string) (map[string]domain.RetrievedChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.RetrievedChunk, len(ids))
	for _, id := range ids {
		c, ok := m.rows[id]
		if !ok {
			continue
		}
		doc, err := m.docs.GetByID(ctx, c.DocumentID)
		if err != nil {
			continue
		}
		out[id] = domain.RetrievedChunk{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Sequence:   c.Sequence,
			Span:       c.Span,
			Title:      doc.Title,
			SourceURL:  doc.SourceURL,
			Category:   doc.Category,
			Text:       c.Text,
		}
	}
	return out, nil
}

func (m *memChunks) ChunkIDsByCategory(ctx context.Context, category string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, c := range m.rows {
		doc, err := m.docs.GetByID(ctx, c.DocumentID)
		if err == nil && strings.EqualFold(doc.Category, category) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memChunks) Stats(context.Context, int) (domain.CorpusStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.CorpusStats{Chunks: len(m.rows)}, nil
}

func (m *memChunks) ids(documentID string) []string {
	rows, _ := m.DocumentChunks(context.Background(), documentID)
	out := make([]string, len(rows))
	for i, c := range rows {
		out[i] = c.ID
	}
	return out
}

type memStorage struct {
	mu    sync.Mutex
	blobs map[string][]byte
	saves int

	// keys with this prefix fail to save
	failPrefix string
}

func newMemStorage() *memStorage {
	return &memStorage{blobs: make(map[string][]byte)}
}

func (m *memStorage) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPrefix != "" && strings.HasPrefix(key, m.failPrefix) {
		return fmt.Errorf("save %s: disk full", key)
	}
	m.blobs[key] = raw
	m.saves++
	return nil
}

func (m *memStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", key, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

type recordingQueue struct {
	mu        sync.Mutex
	submitted []string
	updated   []string
	err       error

	// onUpdated runs before an index.updated announcement is recorded.
	onUpdated func(modelID string)
}

func (q *recordingQueue) PublishDocumentSubmitted(_ context.Context, documentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.submitted = append(q.submitted, documentID)
	return nil
}

func (q *recordingQueue) SubscribeDocumentSubmitted(context.Context, func(context.Context, string) error) error {
	return nil
}

func (q *recordingQueue) PublishIndexUpdated(_ context.Context, modelID string) error {
	if q.onUpdated != nil {
		q.onUpdated(modelID)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updated = append(q.updated, modelID)
	return nil
}

func (q *recordingQueue) SubscribeIndexUpdated(context.Context, func(context.Context, string) error) error {
	return nil
}

type generatorFunc func(ctx context.Context, req domain.GenerationRequest) (string, error)

func (f generatorFunc) Generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	return f(ctx, req)
}

// scriptedEmbedder counts calls and injects failures in front of a real model.
type scriptedEmbedder struct {
	inner   ports.Embedder
	queries atomic.Int32
	embeds  atomic.Int32

	// stall blocks every call until its context ends.
	stall atomic.Bool

	mu       sync.Mutex
	failText string
	flaky    int
}

func (e *scriptedEmbedder) ModelID() string { return e.inner.ModelID() }

func (e *scriptedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.embeds.Add(1)
	if e.stall.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e.mu.Lock()
	failText := e.failText
	flaky := e.flaky > 0
	if flaky {
		e.flaky--
	}
	e.mu.Unlock()

	if flaky {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed", fmt.Errorf("provider hiccup"))
	}
	for _, text := range texts {
		if failText != "" && strings.Contains(text, failText) {
			return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed", fmt.Errorf("provider rejected input"))
		}
	}
	return e.inner.Embed(ctx, texts)
}

func (e *scriptedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	e.queries.Add(1)
	if e.stall.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return e.inner.EmbedQuery(ctx, text)
}

func (e *scriptedEmbedder) failOn(text string) {
	e.mu.Lock()
	e.failText = text
	e.mu.Unlock()
}

// retryTimes calls fn up to n times while it fails.
type retryTimes int

func (n retryTimes) Retry(ctx context.Context, _ string, fn func(context.Context) error) error {
	var err error
	for range int(n) {
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}

type wordCounter struct{}

func (wordCounter) CountTokens(text string) int { return chunking.CountTokens(text) }

type harness struct {
	docs      *memDocuments
	chunks    *memChunks
	storage   *memStorage
	queue     *recordingQueue
	index     *memory.Store
	embedder  *scriptedEmbedder
	persister *SnapshotPersister
	builder   *IndexBuilder
	process   *ProcessDocumentUseCase
	ingest    *IngestUseCase
	retriever *Retriever
}

type harnessOptions struct {
	dimension    int
	concurrency  int
	retrier      ports.Retrier
	embedTimeout time.Duration
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.dimension == 0 {
		opts.dimension = 256
	}
	h := &harness{
		docs:    newMemDocuments(),
		storage: newMemStorage(),
		queue:   &recordingQueue{},
		index:   memory.NewStore(),
	}
	h.chunks = newMemChunks(h.docs)
	h.embedder = &scriptedEmbedder{
		inner: embedding.NewNormalizing(embedding.NewHashing(opts.dimension), opts.dimension, 16),
	}
	h.persister = NewSnapshotPersister(h.storage, h.index, h.queue)
	h.builder = NewIndexBuilder(
		h.chunks,
		plaintext.NewExtractor(h.storage),
		chunking.NewSplitter(40, 8),
		h.embedder,
		h.index,
		BuilderOptions{
			Concurrency:  opts.concurrency,
			Retrier:      opts.retrier,
			Persister:    h.persister,
			EmbedTimeout: opts.embedTimeout,
		},
	)
	h.process = NewProcessDocumentUseCase(h.docs, h.builder)
	h.ingest = NewIngestUseCase(h.docs, h.storage, nil, h.process)
	h.retriever = NewRetriever(h.embedder, h.index, h.chunks, RetrieverOptions{
		Filter:       NewCategoryFilter(h.chunks),
		Adjuster:     LexicalOverlapAdjuster{},
		EmbedTimeout: opts.embedTimeout,
	})
	return h
}

func (h *harness) submit(t *testing.T, reqs ...domain.SubmitDocumentRequest) {
	t.Helper()
	for _, req := range reqs {
		if _, err := h.ingest.Submit(context.Background(), req); err != nil {
			t.Fatalf("Submit(%s) error = %v", req.ID, err)
		}
	}
}

func (h *harness) queryUseCase(generator ports.Generator) *QueryUseCase {
	synth := NewSynthesizer(generator, wordCounter{}, SynthesizerOptions{})
	return NewQueryUseCase(h.retriever, synth, h.index, nil)
}

var (
	gdpRelease = domain.SubmitDocumentRequest{
		ID:        "gdp-q4-2023-24",
		SourceURL: "https://mospi.gov.in/press-note/gdp-q4-2023-24",
		Title:     "Press Note on Provisional Estimates of GDP for Q4 2023-24",
		Category:  "National Accounts",
		Text: "The Gross Domestic Product (GDP) at constant prices grew by 7.8 percent in Q4 2023-24. " +
			"Real GDP growth for the full year 2023-24 is estimated at 8.2 percent. " +
			"Nominal GDP growth is estimated at 9.6 percent for the year.",
	}
	cpiRelease = domain.SubmitDocumentRequest{
		ID:        "cpi-apr-2024",
		SourceURL: "https://mospi.gov.in/press-note/cpi-april-2024",
		Title:     "Consumer Price Index April 2024",
		Category:  "Prices",
		Text: "The all India year-on-year inflation rate based on the Consumer Price Index (CPI) was 4.83 percent in April 2024. " +
			"Food inflation measured by the Consumer Food Price Index stood at 8.70 percent.",
	}
	plfsRelease = domain.SubmitDocumentRequest{
		ID:        "plfs-jan-mar-2024",
		SourceURL: "https://mospi.gov.in/press-note/plfs-jan-mar-2024",
		Title:     "Periodic Labour Force Survey Quarterly Bulletin",
		Category:  "Labour",
		Text: "The unemployment rate for persons aged 15 years and above in urban areas was 6.7 percent. " +
			"The labour force participation rate in urban areas increased to 50.2 percent.",
	}
)
