package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/core/ports"
)

// QueryObserver receives one observation per answered or failed query.
type QueryObserver interface {
	ObserveQuery(state domain.QueryState, retrieved, promptTokens int, duration time.Duration)
}

type QueryUseCase struct {
	retriever   *Retriever
	synthesizer *Synthesizer
	index       ports.VectorIndex
	observer    QueryObserver
}

func NewQueryUseCase(
	retriever *Retriever,
	synthesizer *Synthesizer,
	index ports.VectorIndex,
	observer QueryObserver,
) *QueryUseCase {
	return &QueryUseCase{
		retriever:   retriever,
		synthesizer: synthesizer,
		index:       index,
		observer:    observer,
	}
}

func (uc *QueryUseCase) AnswerQuery(ctx context.Context, query domain.Query) (*domain.Answer, error) {
	started := time.Now()
	states := []domain.QueryState{domain.StateReceived}

	query, err := normalizeQuery(query)
	if err != nil {
		uc.finish(query, append(states, domain.StateFailed), 0, 0, started, err)
		return nil, err
	}

	result, err := uc.retriever.Retrieve(ctx, query)
	if err != nil {
		if !domain.IsKind(err, domain.ErrEmbeddingUnavailable) && !domain.IsKind(err, domain.ErrQueryEmpty) {
			states = append(states, domain.StateEmbedded)
		}
		uc.finish(query, append(states, domain.StateFailed), 0, 0, started, err)
		return nil, err
	}
	states = append(states, domain.StateEmbedded, domain.StateRetrieved)
	if len(result.Chunks) > 0 {
		states = append(states, domain.StateSynthesizing)
	}

	answer, err := uc.synthesizer.Synthesize(ctx, result.Query, result, query.Temperature)
	if err != nil {
		uc.finish(query, append(states, domain.StateFailed), len(result.Chunks), 0, started, err)
		return nil, err
	}
	uc.finish(query, append(states, answer.State), len(result.Chunks), answer.PromptTokens, started, nil)
	return answer, nil
}

func (uc *QueryUseCase) SearchOnly(ctx context.Context, query domain.Query) (*domain.RetrievalResult, error) {
	query, err := normalizeQuery(query)
	if err != nil {
		return nil, err
	}
	return uc.retriever.Retrieve(ctx, query)
}

func (uc *QueryUseCase) IndexStatus(context.Context) domain.IndexStatus {
	return uc.index.Status()
}

func (uc *QueryUseCase) finish(
	query domain.Query,
	states []domain.QueryState,
	retrieved, promptTokens int,
	started time.Time,
	err error,
) {
	final := states[len(states)-1]
	duration := time.Since(started)
	attrs := []any{
		"state", final,
		"states", states,
		"k", query.K,
		"category", query.Category,
		"retrieved", retrieved,
		"prompt_tokens", promptTokens,
		"duration_ms", duration.Milliseconds(),
	}
	if err != nil {
		slog.Warn("rag_query", append(attrs, "error", err)...)
	} else {
		slog.Info("rag_query", attrs...)
	}
	if uc.observer != nil {
		uc.observer.ObserveQuery(final, retrieved, promptTokens, duration)
	}
}

// normalizeQuery applies the default k and validates bounds. Text emptiness
// is checked by the retriever so it fails before any embedding call.
func normalizeQuery(query domain.Query) (domain.Query, error) {
	if query.K == 0 {
		query.K = domain.DefaultTopK
	}
	if err := validateStruct("validate query", query); err != nil {
		return query, err
	}
	return query, nil
}
