package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type DocumentStatus string

const (
	StatusSubmitted DocumentStatus = "submitted"
	StatusIndexing  DocumentStatus = "indexing"
	StatusIndexed   DocumentStatus = "indexed"
	StatusFailed    DocumentStatus = "failed"
)

// Document is one scraped statistical release. A re-scrape with different
// text supersedes the previous version; the row is never edited in place.
type Document struct {
	ID          string         `json:"id"`
	SourceURL   string         `json:"source_url"`
	Title       string         `json:"title"`
	Category    string         `json:"category,omitempty"`
	Text        string         `json:"-"`
	FetchedAt   time.Time      `json:"fetched_at"`
	ContentHash string         `json:"content_hash"`
	StoragePath string         `json:"storage_path"`
	Status      DocumentStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type SubmitDocumentRequest struct {
	ID        string    `json:"id" validate:"required,max=256"`
	SourceURL string    `json:"source_url" validate:"required,url"`
	Title     string    `json:"title" validate:"max=1024"`
	Category  string    `json:"category" validate:"max=256"`
	Text      string    `json:"text"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Span is a half-open byte range [Start, End) within a document's text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s Span) Len() int { return s.End - s.Start }

type Chunk struct {
	ID          string `json:"id"`
	DocumentID  string `json:"document_id"`
	ContentHash string `json:"content_hash"`
	Sequence    int    `json:"sequence"`
	Span        Span   `json:"span"`
	TokenCount  int    `json:"token_count"`
	Text        string `json:"text"`
}

// ContentHash returns the hex SHA-256 of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkID derives a stable chunk identifier from the owning document, its
// content version and the chunk's byte span.
func ChunkID(documentID, contentHash string, span Span) string {
	version := contentHash
	if len(version) > 12 {
		version = version[:12]
	}
	return fmt.Sprintf("%s:%s:%d-%d", documentID, version, span.Start, span.End)
}

type CorpusStats struct {
	Documents    int                  `json:"documents"`
	Chunks       int                  `json:"chunks"`
	TopDocuments []DocumentChunkCount `json:"top_documents"`
}

type DocumentChunkCount struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Chunks     int    `json:"chunks"`
}
