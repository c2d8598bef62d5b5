package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/core/ports"
)

const answerInstructions = `You are a precise assistant for statistical releases of India's Ministry of Statistics and Programme Implementation (MoSPI).
Answer the question only from the numbered context blocks below.
If the context does not contain the answer, say that you don't have enough information.
Cite the blocks you used with their markers, for example [1] or [1, 3]. Never cite a number that is not listed.
Be concise and factual. Use bullet points when appropriate.`

// buildAnswerPrompt packs context blocks in rank order until the token budget
// is spent. The first block is always included. Markers in the prompt index
// into the returned chunks.
func buildAnswerPrompt(
	question string,
	chunks []domain.RetrievedChunk,
	budget int,
	counter ports.TokenCounter,
) (string, []domain.RetrievedChunk, int) {
	head := fmt.Sprintf("%s\n\nQuestion:\n%s\n\nContext:\n", answerInstructions, question)
	used := counter.CountTokens(head)

	var contextBuilder strings.Builder
	included := make([]domain.RetrievedChunk, 0, len(chunks))
	for _, chunk := range chunks {
		block := fmt.Sprintf("[%d] %s\nSource: %s\n%s\n\n",
			len(included)+1,
			chunk.Title,
			chunk.SourceURL,
			strings.TrimSpace(chunk.Text),
		)
		cost := counter.CountTokens(block)
		if len(included) > 0 && used+cost > budget {
			break
		}
		contextBuilder.WriteString(block)
		included = append(included, chunk)
		used += cost
	}

	return head + contextBuilder.String(), included, used
}
