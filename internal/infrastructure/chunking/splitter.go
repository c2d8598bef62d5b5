package chunking

import (
	"strings"
	"unicode"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

const (
	DefaultChunkSize    = 200
	DefaultChunkOverlap = 40
)

// Splitter cuts text into windows of at most ChunkSize whitespace-delimited
// tokens, sharing Overlap tokens between neighbours. Windows are pulled back
// to the last sentence end in their second half when one exists.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

type token struct {
	start int
	end   int
}

func (s *Splitter) Split(doc domain.Document) []domain.Chunk {
	text := doc.Text
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	hash := doc.ContentHash
	if hash == "" {
		hash = domain.ContentHash(text)
	}

	out := make([]domain.Chunk, 0, len(tokens)/(s.ChunkSize-s.Overlap)+1)
	prevEnd := 0
	for start := 0; start < len(tokens); {
		end := start + s.ChunkSize
		if end >= len(tokens) {
			end = len(tokens)
		} else {
			end = s.snapToSentence(text, tokens, start, end, prevEnd)
		}

		span := domain.Span{Start: tokens[start].start, End: len(text)}
		if start == 0 {
			span.Start = 0
		}
		if end < len(tokens) {
			span.End = tokens[end].start
		}

		out = append(out, domain.Chunk{
			ID:          domain.ChunkID(doc.ID, hash, span),
			DocumentID:  doc.ID,
			ContentHash: hash,
			Sequence:    len(out),
			Span:        span,
			TokenCount:  end - start,
			Text:        text[span.Start:span.End],
		})

		if end == len(tokens) {
			break
		}
		prevEnd = end
		next := end - s.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return out
}

// snapToSentence moves a window end back to just after a sentence-final
// token, keeping at least half a window and always moving past prevEnd so a
// chunk never consists only of overlap.
func (s *Splitter) snapToSentence(text string, tokens []token, start, end, prevEnd int) int {
	lowest := start + s.ChunkSize/2
	if lowest <= prevEnd {
		lowest = prevEnd + 1
	}
	for t := end - 1; t >= lowest && t > start; t-- {
		if endsSentence(text[tokens[t].start:tokens[t].end]) {
			return t + 1
		}
	}
	return end
}

func endsSentence(word string) bool {
	word = strings.TrimRight(word, `"')]»”’`)
	if word == "" {
		return false
	}
	switch word[len(word)-1] {
	case '.', '!', '?', ';':
		return true
	default:
		return false
	}
}

func tokenize(text string) []token {
	tokens := make([]token, 0, len(text)/6+1)
	inToken := false
	tokenStart := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inToken {
				tokens = append(tokens, token{start: tokenStart, end: i})
				inToken = false
			}
			continue
		}
		if !inToken {
			tokenStart = i
			inToken = true
		}
	}
	if inToken {
		tokens = append(tokens, token{start: tokenStart, end: len(text)})
	}
	return tokens
}

// CountTokens reports the number of whitespace-delimited tokens in text.
func CountTokens(text string) int {
	return len(tokenize(text))
}
