package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"maps"
	"slices"
	"strings"
	"unicode"
)

const DefaultHashingDimension = 256

// bm25K saturates repeated terms so one number repeated across a table does
// not dominate the vector.
const bm25K = 1.2

// Hashing is an offline embedding model: lowercased alphanumeric terms and
// adjacent-term bigrams are hashed into a fixed number of signed buckets.
// Output is deterministic and not normalized; wrap it in Normalizing.
type Hashing struct {
	dim int
}

func NewHashing(dimension int) *Hashing {
	if dimension <= 0 {
		dimension = DefaultHashingDimension
	}
	return &Hashing{dim: dimension}
}

func (h *Hashing) ModelID() string {
	return fmt.Sprintf("hashing-v1-%d", h.dim)
}

func (h *Hashing) Dimension() int { return h.dim }

func (h *Hashing) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *Hashing) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := h.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (h *Hashing) vector(text string) []float32 {
	terms := make([]string, 0, 32)
	for _, token := range tokenizeAlphaNum(text) {
		if _, stop := stopwords[token]; stop {
			continue
		}
		terms = append(terms, token)
	}

	termFreq := make(map[string]float64, len(terms)*2)
	for i, term := range terms {
		termFreq[term]++
		if i > 0 {
			termFreq[terms[i-1]+" "+term] += 0.5
		}
	}
	if len(termFreq) == 0 {
		// Text without content terms still needs a direction.
		termFreq[""] = 1
	}

	vec := make([]float32, h.dim)
	for _, term := range slices.Sorted(maps.Keys(termFreq)) {
		tf := termFreq[term]
		sum := hashTerm(term)
		weight := (tf * (bm25K + 1)) / (tf + bm25K)
		if sum&(1<<31) != 0 {
			weight = -weight
		}
		vec[int(sum%uint32(h.dim))] += float32(weight)
	}
	return vec
}

func hashTerm(term string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	return h.Sum32()
}

func tokenizeAlphaNum(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 24)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"did": {}, "do": {}, "does": {}, "for": {}, "from": {}, "has": {}, "have": {},
	"how": {}, "in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {},
	"that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "were": {}, "what": {},
	"when": {}, "which": {}, "while": {}, "who": {}, "why": {}, "will": {}, "with": {},
}
