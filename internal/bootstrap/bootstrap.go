package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/statsrag/internal/config"
	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/core/ports"
	"github.com/kirillkom/statsrag/internal/core/usecase"
	"github.com/kirillkom/statsrag/internal/infrastructure/chunking"
	"github.com/kirillkom/statsrag/internal/infrastructure/embedding"
	"github.com/kirillkom/statsrag/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/statsrag/internal/infrastructure/llm/gemini"
	"github.com/kirillkom/statsrag/internal/infrastructure/llm/none"
	"github.com/kirillkom/statsrag/internal/infrastructure/llm/ollama"
	natsqueue "github.com/kirillkom/statsrag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/statsrag/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/statsrag/internal/infrastructure/repository/sqlite"
	"github.com/kirillkom/statsrag/internal/infrastructure/resilience"
	"github.com/kirillkom/statsrag/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/statsrag/internal/infrastructure/tokens"
	"github.com/kirillkom/statsrag/internal/infrastructure/vector/memory"
)

type App struct {
	Config config.Config

	// Queue is nil when NATS_URL is empty.
	Queue     *natsqueue.Queue
	Documents ports.DocumentRepository
	Chunks    ports.ChunkRepository
	Index     *memory.Store
	Embedder  ports.Embedder

	Persister *usecase.SnapshotPersister
	IngestUC  *usecase.IngestUseCase
	ProcessUC *usecase.ProcessDocumentUseCase
	QueryUC   *usecase.QueryUseCase

	closeFn func()
}

type Options struct {
	// QueryObserver receives per-query metrics; nil disables them.
	QueryObserver usecase.QueryObserver
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	documents, chunks, closeStore, err := openSideStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closers = append(closers, closeStore)

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	modelExecutor := resilience.NewExecutor(resilience.DefaultConfig())

	var (
		queue    *natsqueue.Queue
		messages ports.MessageQueue
		events   ports.IndexEventPublisher
	)
	if cfg.QueueEnabled() {
		queue, err = natsqueue.New(cfg.NATSURL, natsqueue.Options{
			DocumentSubject:    cfg.NATSDocumentSubject,
			IndexSubject:       cfg.NATSIndexSubject,
			ResilienceExecutor: resilience.NewExecutor(resilience.QueueConfig()),
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		closers = append(closers, queue.Close)
		messages = queue
		events = queue
	}

	embedder, generator, err := newModels(ctx, cfg, modelExecutor)
	if err != nil {
		closeAll()
		return nil, err
	}

	index := memory.NewStore()
	persister := usecase.NewSnapshotPersister(storage, index, events)
	builder := usecase.NewIndexBuilder(
		chunks,
		plaintext.NewExtractor(storage),
		chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		embedder,
		index,
		usecase.BuilderOptions{
			Concurrency: cfg.BuildConcurrency,
			Retrier: resilience.NewExecutor(
				resilience.BatchConfig(cfg.IndexEmbedMaxAttempts),
				resilience.WithClassifier(resilience.ClassifyDomainError),
			),
			Persister:    persister,
			EmbedTimeout: cfg.EmbeddingTimeout,
		},
	)
	processUC := usecase.NewProcessDocumentUseCase(documents, builder)
	ingestUC := usecase.NewIngestUseCase(documents, storage, messages, processUC)

	retriever := usecase.NewRetriever(embedder, index, chunks, usecase.RetrieverOptions{
		Filter:       usecase.NewCategoryFilter(chunks),
		Adjuster:     usecase.LexicalOverlapAdjuster{},
		RerankPool:   cfg.RAGRerankPool,
		EmbedTimeout: cfg.EmbeddingTimeout,
	})
	synthesizer := usecase.NewSynthesizer(generator, tokens.New(cfg.TokenEncoding), usecase.SynthesizerOptions{
		ContextTokens: cfg.RAGContextTokens,
		Timeout:       cfg.GenerationTimeout,
	})
	queryUC := usecase.NewQueryUseCase(retriever, synthesizer, index, opts.QueryObserver)

	return &App{
		Config:    cfg,
		Queue:     queue,
		Documents: documents,
		Chunks:    chunks,
		Index:     index,
		Embedder:  embedder,

		Persister: persister,
		IngestUC:  ingestUC,
		ProcessUC: processUC,
		QueryUC:   queryUC,

		closeFn: closeAll,
	}, nil
}

func openSideStore(ctx context.Context, cfg config.Config) (ports.DocumentRepository, ports.ChunkRepository, func(), error) {
	switch cfg.StorageDriver {
	case "postgres":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		documents := postgres.NewDocumentRepository(db)
		if err := documents.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return documents, postgres.NewChunkRepository(db), func() { _ = db.Close() }, nil
	case "sqlite":
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return store, store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func newModels(ctx context.Context, cfg config.Config, executor *resilience.Executor) (ports.Embedder, ports.Generator, error) {
	var (
		ollamaClient *ollama.Client
		geminiClient *gemini.Client
	)
	if cfg.EmbeddingProvider == "ollama" || cfg.GenerationProvider == "ollama" {
		ollamaClient = ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, executor)
	}
	if cfg.EmbeddingProvider == "gemini" || cfg.GenerationProvider == "gemini" {
		client, err := gemini.New(ctx, gemini.Config{
			APIKey:          cfg.GeminiAPIKey,
			GenerationModel: cfg.GeminiGenModel,
			EmbeddingModel:  cfg.GeminiEmbedModel,
			Dimension:       cfg.EmbedDimension,
		}, executor)
		if err != nil {
			return nil, nil, fmt.Errorf("init gemini: %w", err)
		}
		geminiClient = client
	}

	var (
		raw       ports.Embedder
		dimension = cfg.EmbedDimension
	)
	switch cfg.EmbeddingProvider {
	case "hashing":
		hashing := embedding.NewHashing(cfg.EmbedDimension)
		raw, dimension = hashing, hashing.Dimension()
	case "ollama":
		raw = ollama.NewEmbedder(ollamaClient)
	case "gemini":
		raw = gemini.NewEmbedder(geminiClient)
	default:
		return nil, nil, fmt.Errorf("unsupported embedding provider %q", cfg.EmbeddingProvider)
	}
	var embedder ports.Embedder = embedding.NewNormalizing(raw, dimension, cfg.EmbedBatchSize)
	if cfg.QueryCacheSize > 0 {
		cached, err := embedding.NewCached(embedder, cfg.QueryCacheSize)
		if err != nil {
			return nil, nil, fmt.Errorf("init query cache: %w", err)
		}
		embedder = cached
	}

	var generator ports.Generator
	switch cfg.GenerationProvider {
	case "ollama":
		generator = ollama.NewGenerator(ollamaClient)
	case "gemini":
		generator = gemini.NewGenerator(geminiClient)
	case "none":
		generator = none.Generator{}
	default:
		return nil, nil, fmt.Errorf("unsupported generation provider %q", cfg.GenerationProvider)
	}
	return embedder, generator, nil
}

// LoadIndex restores the persisted snapshot for the configured model. When
// none exists and rebuild is set, the index is rebuilt from the document
// store, so a writer never applies incremental updates to an empty index
// while older documents are on record.
func (a *App) LoadIndex(ctx context.Context, rebuild bool) error {
	modelID := a.Embedder.ModelID()
	loaded, err := a.Persister.Load(ctx, modelID)
	switch {
	case err != nil:
		return fmt.Errorf("load index snapshot: %w", err)
	case loaded:
		status := a.Index.Status()
		slog.Info("index_loaded", "model_id", status.ModelID, "total_chunks", status.TotalChunks, "built_at", status.BuiltAt)
		return nil
	case !rebuild:
		slog.Warn("index_not_found", "model_id", modelID)
		return nil
	}

	docs, err := a.Documents.List(ctx)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	if len(docs) == 0 {
		slog.Info("index_empty_corpus", "model_id", modelID)
		return nil
	}
	slog.Info("index_rebuild_on_start", "model_id", modelID, "documents", len(docs))
	if _, err := a.ProcessUC.RebuildAll(ctx); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	return nil
}

// WatchIndexUpdates reloads the snapshot whenever another process announces
// one for the configured model. It blocks until ctx ends.
func (a *App) WatchIndexUpdates(ctx context.Context) error {
	if a.Queue == nil {
		return nil
	}
	modelID := a.Embedder.ModelID()
	return a.Queue.SubscribeIndexUpdated(ctx, func(handlerCtx context.Context, announced string) error {
		if announced != modelID {
			slog.Info("index_update_ignored", "announced_model_id", announced, "model_id", modelID)
			return nil
		}
		loadCtx, cancel := context.WithTimeout(handlerCtx, time.Minute)
		defer cancel()
		loaded, err := a.Persister.Load(loadCtx, modelID)
		if err != nil {
			if domain.IsKind(err, domain.ErrModelMismatch) || errors.Is(err, context.Canceled) {
				slog.Warn("index_reload_skipped", "model_id", modelID, "error", err)
				return nil
			}
			return fmt.Errorf("reload index: %w", err)
		}
		if loaded {
			status := a.Index.Status()
			slog.Info("index_reloaded", "model_id", modelID, "total_chunks", status.TotalChunks, "built_at", status.BuiltAt)
		}
		return nil
	})
}

// Rebuilder is the full-rebuild entry point for this process. It is nil when
// a queue is configured, since the worker is then the only index writer.
func (a *App) Rebuilder() ports.IndexRebuilder {
	if a.Config.QueueEnabled() || a.ProcessUC == nil {
		return nil
	}
	return a.ProcessUC
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
