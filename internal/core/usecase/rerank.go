package usecase

import (
	"sort"
	"strings"
	"unicode"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

// LexicalOverlapAdjuster blends the normalized vector score with query term
// overlap in the chunk text and title.
type LexicalOverlapAdjuster struct{}

func (LexicalOverlapAdjuster) Adjust(query domain.Query, candidates []domain.RetrievedChunk) []domain.RetrievedChunk {
	if len(candidates) == 0 {
		return candidates
	}

	out := make([]domain.RetrievedChunk, len(candidates))
	copy(out, candidates)
	queryTokens := toTokenSet(query.Text)

	minScore := out[0].Score
	maxScore := out[0].Score
	for _, chunk := range out[1:] {
		minScore = min(minScore, chunk.Score)
		maxScore = max(maxScore, chunk.Score)
	}

	rangeScore := maxScore - minScore
	normalize := func(v float64) float64 {
		if rangeScore <= 0 {
			if v > 0 {
				return 1
			}
			return 0
		}
		return (v - minScore) / rangeScore
	}

	for i := range out {
		overlap := tokenOverlap(queryTokens, toTokenSet(out[i].Text))
		titleBoost := titleTokenHit(queryTokens, out[i].Title)
		out[i].Score = 0.60*normalize(out[i].Score) + 0.30*overlap + 0.10*titleBoost
	}

	// Stable: equal scores keep vector-search order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

func tokenOverlap(query, chunk map[string]struct{}) float64 {
	if len(query) == 0 || len(chunk) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := chunk[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func titleTokenHit(query map[string]struct{}, title string) float64 {
	if len(query) == 0 || title == "" {
		return 0
	}
	titleTokens := toTokenSet(title)
	for token := range query {
		if _, ok := titleTokens[token]; ok {
			return 1
		}
	}
	return 0
}

func toTokenSet(s string) map[string]struct{} {
	tokens := splitAlphaNumLower(s)
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

func splitAlphaNumLower(s string) []string {
	if s == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
