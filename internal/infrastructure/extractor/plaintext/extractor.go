package plaintext

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/core/ports"
)

// Extractor loads the stored text of a document. The bytes are returned
// unchanged: chunk spans are offsets into exactly this text.
type Extractor struct {
	storage ports.ObjectStorage
}

func NewExtractor(storage ports.ObjectStorage) *Extractor {
	return &Extractor{storage: storage}
}

func (e *Extractor) Extract(ctx context.Context, doc *domain.Document) (string, error) {
	if strings.TrimSpace(doc.StoragePath) == "" {
		return "", fmt.Errorf("document %s has no stored text", doc.ID)
	}
	reader, err := e.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return "", fmt.Errorf("open source document: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read source document: %w", err)
	}
	if !utf8.Valid(raw) {
		return "", domain.WrapError(domain.ErrIngest, "extract text", fmt.Errorf("document %s is not valid UTF-8", doc.ID))
	}

	text := string(raw)
	if doc.ContentHash != "" && domain.ContentHash(text) != doc.ContentHash {
		return "", fmt.Errorf("stored text of %s does not match content hash %s", doc.ID, doc.ContentHash)
	}
	return text, nil
}
