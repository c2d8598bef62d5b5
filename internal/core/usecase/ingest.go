package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/core/ports"
)

type IngestUseCase struct {
	repo    ports.DocumentRepository
	storage ports.ObjectStorage
	queue   ports.MessageQueue
	inline  ports.DocumentProcessor
	now     func() time.Time
}

// NewIngestUseCase wires document submission. With a nil queue, submitted
// documents are indexed synchronously by inline.
func NewIngestUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	queue ports.MessageQueue,
	inline ports.DocumentProcessor,
) *IngestUseCase {
	return &IngestUseCase{
		repo:    repo,
		storage: storage,
		queue:   queue,
		inline:  inline,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (uc *IngestUseCase) Submit(ctx context.Context, req domain.SubmitDocumentRequest) (*domain.Document, error) {
	req.ID = strings.TrimSpace(req.ID)
	if err := validateStruct("validate document", req); err != nil {
		return nil, domain.WrapError(domain.ErrIngest, "submit document", err)
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, domain.WrapError(domain.ErrIngest, "submit document", errors.New("document text is blank"))
	}
	hash := domain.ContentHash(req.Text)
	now := uc.now()

	existing, err := uc.repo.GetByID(ctx, req.ID)
	switch {
	case err == nil:
		if existing.ContentHash == hash && existing.Status == domain.StatusIndexed {
			slog.Info("document_unchanged", "document_id", req.ID, "content_hash", hash)
			return existing, nil
		}
	case domain.IsKind(err, domain.ErrDocumentNotFound):
		existing = nil
	default:
		return nil, fmt.Errorf("load existing document: %w", err)
	}

	storageKey := fmt.Sprintf("documents/%s/%s.txt", sanitizeKey(req.ID), hash[:16])
	if err := uc.storage.Save(ctx, storageKey, strings.NewReader(req.Text)); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	doc := &domain.Document{
		ID:          req.ID,
		SourceURL:   req.SourceURL,
		Title:       strings.TrimSpace(req.Title),
		Category:    strings.TrimSpace(req.Category),
		FetchedAt:   req.FetchedAt,
		ContentHash: hash,
		StoragePath: storageKey,
		Status:      domain.StatusSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing != nil {
		doc.CreatedAt = existing.CreatedAt
	}
	if err := uc.repo.Upsert(ctx, doc); err != nil {
		return nil, fmt.Errorf("upsert document metadata: %w", err)
	}

	if uc.queue != nil {
		if err := uc.queue.PublishDocumentSubmitted(ctx, doc.ID); err != nil {
			return nil, fmt.Errorf("publish submission event: %w", err)
		}
		return doc, nil
	}
	if uc.inline != nil {
		if err := uc.inline.ProcessByID(ctx, doc.ID); err != nil {
			return nil, fmt.Errorf("index document: %w", err)
		}
		if indexed, err := uc.repo.GetByID(ctx, doc.ID); err == nil {
			return indexed, nil
		}
	}
	return doc, nil
}

// sanitizeKey maps a document id onto a single storage path segment.
func sanitizeKey(id string) string {
	key := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
	key = strings.Trim(key, ".")
	if key == "" {
		return "document"
	}
	return key
}
