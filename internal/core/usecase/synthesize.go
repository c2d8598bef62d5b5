package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/core/ports"
)

const (
	DefaultContextTokens     = 3000
	DefaultGenerationTimeout = 30 * time.Second

	insufficientInformation = "I don't have enough information in the retrieved context to answer that."
	extractiveHeader        = "Here is what I found in the retrieved MoSPI context:"
	extractiveFooter        = "(Generated without the generative model due to configuration or error.)"
	extractiveBullets       = 3
)

type Synthesizer struct {
	generator     ports.Generator
	counter       ports.TokenCounter
	contextTokens int
	timeout       time.Duration
}

type SynthesizerOptions struct {
	ContextTokens int
	Timeout       time.Duration
}

func NewSynthesizer(generator ports.Generator, counter ports.TokenCounter, opts SynthesizerOptions) *Synthesizer {
	if opts.ContextTokens <= 0 {
		opts.ContextTokens = DefaultContextTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultGenerationTimeout
	}
	return &Synthesizer{
		generator:     generator,
		counter:       counter,
		contextTokens: opts.ContextTokens,
		timeout:       opts.Timeout,
	}
}

type generation struct {
	text string
	err  error
}

// Synthesize answers question from the retrieved chunks. Generation failures
// and timeouts degrade to an extractive answer; cancellation of ctx is
// returned as is.
func (s *Synthesizer) Synthesize(
	ctx context.Context,
	question string,
	result *domain.RetrievalResult,
	temperature float64,
) (*domain.Answer, error) {
	if result == nil || len(result.Chunks) == 0 {
		return &domain.Answer{
			Text:      insufficientInformation,
			State:     domain.StateAnswered,
			Citations: []domain.Citation{},
			Sources:   []domain.RetrievedChunk{},
		}, nil
	}

	prompt, used, promptTokens := buildAnswerPrompt(question, result.Chunks, s.contextTokens, s.counter)

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan generation, 1)
	go func() {
		text, err := s.generator.Generate(genCtx, domain.GenerationRequest{
			Prompt:      prompt,
			Temperature: temperature,
		})
		done <- generation{text: text, err: err}
	}()

	var out generation
	select {
	case out = <-done:
	case <-genCtx.Done():
		out.err = genCtx.Err()
	}

	if out.err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reason := "generation_unavailable"
		if errors.Is(out.err, context.DeadlineExceeded) || domain.IsKind(out.err, domain.ErrGenerationTimeout) {
			reason = "generation_timeout"
		}
		slog.Warn("generation_degraded", "reason", reason, "error", out.err)
		return degradedAnswer(result.Chunks, reason, promptTokens), nil
	}

	text := strings.TrimSpace(out.text)
	if text == "" {
		slog.Warn("generation_degraded", "reason", "empty_generation")
		return degradedAnswer(result.Chunks, "empty_generation", promptTokens), nil
	}

	clean, citations, warnings := applyCitations(text, used)
	return &domain.Answer{
		Text:         clean,
		State:        domain.StateAnswered,
		Citations:    citations,
		Sources:      used,
		Warnings:     warnings,
		PromptTokens: promptTokens,
	}, nil
}

func degradedAnswer(chunks []domain.RetrievedChunk, reason string, promptTokens int) *domain.Answer {
	var b strings.Builder
	b.WriteString(extractiveHeader)
	b.WriteString("\n\n")
	for i, chunk := range chunks[:min(extractiveBullets, len(chunks))] {
		if i > 0 {
			b.WriteString("\n")
		}
		text := chunk.Snippet
		if text == "" {
			text = snippet(chunk.Text)
		}
		b.WriteString("- " + text)
	}
	b.WriteString("\n\n")
	b.WriteString(extractiveFooter)

	return &domain.Answer{
		Text:         b.String(),
		State:        domain.StateDegradedNoGeneration,
		Degraded:     true,
		Reason:       reason,
		Citations:    []domain.Citation{},
		Sources:      chunks,
		Warnings:     []string{"generation unavailable: returned an extractive summary of the retrieved context"},
		PromptTokens: promptTokens,
	}
}
