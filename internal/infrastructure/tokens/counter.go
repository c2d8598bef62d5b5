package tokens

import (
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kirillkom/statsrag/internal/infrastructure/chunking"
)

const DefaultEncoding = "cl100k_base"

// Tiktoken counts BPE tokens for the prompt budget.
type Tiktoken struct {
	encoding string
	tke      *tiktoken.Tiktoken
}

func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &Tiktoken{encoding: encoding, tke: tke}, nil
}

func (t *Tiktoken) CountTokens(text string) int {
	return len(t.tke.Encode(text, nil, nil))
}

func (t *Tiktoken) Encoding() string { return t.encoding }

// Whitespace counts whitespace-delimited words, the unit the chunker uses.
type Whitespace struct{}

func (Whitespace) CountTokens(text string) int {
	return chunking.CountTokens(text)
}

// Counter is what the synthesizer needs from either implementation.
type Counter interface {
	CountTokens(text string) int
}

// WhitespaceEncoding selects the word counter without loading BPE ranks.
const WhitespaceEncoding = "whitespace"

// New returns a tiktoken counter, or the whitespace counter when the BPE
// ranks cannot be loaded (tiktoken-go fetches them on first use).
func New(encoding string) Counter {
	if encoding == WhitespaceEncoding {
		return Whitespace{}
	}
	counter, err := NewTiktoken(encoding)
	if err != nil {
		slog.Warn("token_counter_fallback", "encoding", encoding, "error", err)
		return Whitespace{}
	}
	return counter
}
