package domain

import "time"

const (
	MinTopK     = 1
	MaxTopK     = 10
	DefaultTopK = 5
)

type Query struct {
	Text        string  `json:"text"`
	K           int     `json:"k" validate:"min=1,max=10"`
	Temperature float64 `json:"temperature" validate:"min=0,max=1"`
	Category    string  `json:"category,omitempty" validate:"max=256"`
}

// ScoredID is one raw vector index hit.
type ScoredID struct {
	ChunkID string
	Score   float64
}

type RetrievedChunk struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Sequence   int     `json:"sequence"`
	Span       Span    `json:"span"`
	Title      string  `json:"title"`
	SourceURL  string  `json:"source_url"`
	Category   string  `json:"category,omitempty"`
	Text       string  `json:"text"`
	Snippet    string  `json:"snippet,omitempty"`
	Score      float64 `json:"score"`
}

type RetrievalResult struct {
	Query   string           `json:"query"`
	ModelID string           `json:"model_id"`
	Chunks  []RetrievedChunk `json:"chunks"`
}

type QueryState string

const (
	StateReceived             QueryState = "received"
	StateEmbedded             QueryState = "embedded"
	StateRetrieved            QueryState = "retrieved"
	StateSynthesizing         QueryState = "synthesizing"
	StateAnswered             QueryState = "answered"
	StateDegradedNoGeneration QueryState = "degraded_no_generation"
	StateFailed               QueryState = "failed"
)

type Citation struct {
	Marker     int    `json:"marker"`
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	SourceURL  string `json:"source_url"`
}

type Answer struct {
	Text      string           `json:"text"`
	State     QueryState       `json:"state"`
	Degraded  bool             `json:"degraded"`
	Reason    string           `json:"reason,omitempty"`
	Citations []Citation       `json:"citations"`
	Sources   []RetrievedChunk `json:"sources"`
	Warnings  []string         `json:"warnings,omitempty"`

	// PromptTokens is the counted size of the generation prompt; 0 when no
	// prompt was sent.
	PromptTokens int `json:"prompt_tokens,omitempty"`
}

type GenerationRequest struct {
	Prompt      string
	Temperature float64
}

type IndexStatus struct {
	Loaded      bool      `json:"loaded"`
	TotalChunks int       `json:"total_chunks"`
	ModelID     string    `json:"model_id"`
	Dimension   int       `json:"dimension"`
	BuiltAt     time.Time `json:"built_at,omitempty"`
}

type DocumentFailure struct {
	DocumentID string `json:"document_id"`
	Error      string `json:"error"`
}

type BuildReport struct {
	Mode          string            `json:"mode"`
	ModelID       string            `json:"model_id"`
	Indexed       []string          `json:"indexed"`
	Unchanged     []string          `json:"unchanged,omitempty"`
	Failed        []DocumentFailure `json:"failed,omitempty"`
	ChunksAdded   int               `json:"chunks_added"`
	ChunksRemoved int               `json:"chunks_removed"`
	TotalChunks   int               `json:"total_chunks"`
	Duration      time.Duration     `json:"duration"`
}

func (r *BuildReport) FailureFor(documentID string) (DocumentFailure, bool) {
	if r == nil {
		return DocumentFailure{}, false
	}
	for _, f := range r.Failed {
		if f.DocumentID == documentID {
			return f, true
		}
	}
	return DocumentFailure{}, false
}
