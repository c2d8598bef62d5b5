package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/core/ports"
)

type ProcessDocumentUseCase struct {
	repo    ports.DocumentRepository
	builder *IndexBuilder
}

func NewProcessDocumentUseCase(repo ports.DocumentRepository, builder *IndexBuilder) *ProcessDocumentUseCase {
	return &ProcessDocumentUseCase{
		repo:    repo,
		builder: builder,
	}
}

func (uc *ProcessDocumentUseCase) ProcessByID(ctx context.Context, documentID string) error {
	if err := uc.markStatus(ctx, documentID, domain.StatusIndexing, ""); err != nil {
		return fmt.Errorf("set status=indexing: %w", err)
	}

	doc, err := uc.repo.GetByID(ctx, documentID)
	if err != nil {
		return uc.fail(ctx, documentID, fmt.Errorf("fetch document by id: %w", err))
	}

	report, err := uc.builder.Update(ctx, []domain.Document{*doc})
	if report == nil {
		return uc.fail(ctx, documentID, err)
	}
	if failure, ok := report.FailureFor(documentID); ok {
		return uc.fail(ctx, documentID, errors.New(failure.Error))
	}

	if statusErr := uc.markStatus(ctx, documentID, domain.StatusIndexed, ""); statusErr != nil {
		return fmt.Errorf("set status=indexed: %w", statusErr)
	}
	// The index swap succeeded; a persistence error only affects restarts.
	return err
}

// RebuildAll rebuilds the index from every stored document and records the
// per-document outcome as document status.
func (uc *ProcessDocumentUseCase) RebuildAll(ctx context.Context) (*domain.BuildReport, error) {
	docs, err := uc.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	report, err := uc.builder.Build(ctx, docs)
	if report == nil {
		return nil, err
	}

	for _, id := range report.Indexed {
		if statusErr := uc.markStatus(ctx, id, domain.StatusIndexed, ""); statusErr != nil {
			slog.Warn("document_status_update_failed", "document_id", id, "error", statusErr)
		}
	}
	for _, failure := range report.Failed {
		if statusErr := uc.markStatus(ctx, failure.DocumentID, domain.StatusFailed, failure.Error); statusErr != nil {
			slog.Warn("document_status_update_failed", "document_id", failure.DocumentID, "error", statusErr)
		}
	}
	return report, err
}

func (uc *ProcessDocumentUseCase) markStatus(ctx context.Context, documentID string, status domain.DocumentStatus, errMessage string) error {
	return uc.repo.UpdateStatus(ctx, documentID, status, errMessage)
}

func (uc *ProcessDocumentUseCase) fail(ctx context.Context, documentID string, processErr error) error {
	if failErr := uc.markStatus(ctx, documentID, domain.StatusFailed, processErr.Error()); failErr != nil {
		return fmt.Errorf("%w; mark failed status: %v", processErr, failErr)
	}
	return processErr
}
