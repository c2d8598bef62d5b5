package ports

import (
	"context"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

// DocumentSubmitter is the inbound contract used by the scraper/ETL collaborator.
type DocumentSubmitter interface {
	Submit(ctx context.Context, req domain.SubmitDocumentRequest) (*domain.Document, error)
}

// QueryService is the inbound contract for grounded answers and diagnostics.
type QueryService interface {
	AnswerQuery(ctx context.Context, query domain.Query) (*domain.Answer, error)
	SearchOnly(ctx context.Context, query domain.Query) (*domain.RetrievalResult, error)
	IndexStatus(ctx context.Context) domain.IndexStatus
}

// DocumentReader is the inbound read model for document metadata/state.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
}

// DocumentProcessor indexes one submitted document.
type DocumentProcessor interface {
	ProcessByID(ctx context.Context, documentID string) error
}

// IndexRebuilder rebuilds the whole index from the document store.
type IndexRebuilder interface {
	RebuildAll(ctx context.Context) (*domain.BuildReport, error)
}
