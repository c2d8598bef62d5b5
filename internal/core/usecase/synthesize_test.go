package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

func retrievedFixture() *domain.RetrievalResult {
	return &domain.RetrievalResult{
		Query: "gdp growth",
		Chunks: []domain.RetrievedChunk{
			{ChunkID: "gdp:1", DocumentID: "gdp", Title: "GDP Q4", SourceURL: "https://mospi.gov.in/gdp", Text: "GDP grew by 7.8 percent."},
			{ChunkID: "gdp:2", DocumentID: "gdp", Title: "GDP Q4", SourceURL: "https://mospi.gov.in/gdp", Text: "Annual growth was 8.2 percent."},
			{ChunkID: "cpi:1", DocumentID: "cpi", Title: "CPI April", SourceURL: "https://mospi.gov.in/cpi", Text: "Inflation was 4.83 percent."},
			{ChunkID: "plfs:1", DocumentID: "plfs", Title: "PLFS", SourceURL: "https://mospi.gov.in/plfs", Text: "Unemployment was 6.7 percent."},
		},
	}
}

func TestSynthesizeDegradesWithinTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	// Ignores its context on purpose.
	generator := generatorFunc(func(context.Context, domain.GenerationRequest) (string, error) {
		<-release
		return "too late [1]", nil
	})
	synth := NewSynthesizer(generator, wordCounter{}, SynthesizerOptions{Timeout: 50 * time.Millisecond})

	started := time.Now()
	answer, err := synth.Synthesize(context.Background(), "gdp growth", retrievedFixture(), 0.2)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("degraded answer took %v", elapsed)
	}
	if answer.State != domain.StateDegradedNoGeneration || !answer.Degraded || answer.Reason != "generation_timeout" {
		t.Fatalf("unexpected degraded answer: state=%s degraded=%v reason=%s", answer.State, answer.Degraded, answer.Reason)
	}
	if len(answer.Sources) != 4 || len(answer.Citations) != 0 {
		t.Fatalf("expected all sources and no citations, got %d/%d", len(answer.Sources), len(answer.Citations))
	}
	if !strings.HasPrefix(answer.Text, extractiveHeader) || strings.Count(answer.Text, "\n- ") != extractiveBullets {
		t.Fatalf("unexpected extractive text:\n%s", answer.Text)
	}
}

func TestSynthesizeDegradesOnUnavailableGenerator(t *testing.T) {
	generator := generatorFunc(func(context.Context, domain.GenerationRequest) (string, error) {
		return "", domain.WrapError(domain.ErrGenerationUnavailable, "generate", errors.New("503"))
	})
	synth := NewSynthesizer(generator, wordCounter{}, SynthesizerOptions{})

	answer, err := synth.Synthesize(context.Background(), "gdp growth", retrievedFixture(), 0)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if !answer.Degraded || answer.Reason != "generation_unavailable" {
		t.Fatalf("expected unavailable degradation, got %+v", answer)
	}
	if !strings.Contains(answer.Text, "- GDP grew by 7.8 percent.") {
		t.Fatalf("expected top snippet bullet, got:\n%s", answer.Text)
	}
}

func TestSynthesizeDegradesOnEmptyGeneration(t *testing.T) {
	generator := generatorFunc(func(context.Context, domain.GenerationRequest) (string, error) {
		return "   ", nil
	})
	answer, err := NewSynthesizer(generator, wordCounter{}, SynthesizerOptions{}).
		Synthesize(context.Background(), "gdp", retrievedFixture(), 0)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if !answer.Degraded || answer.Reason != "empty_generation" {
		t.Fatalf("expected empty_generation degradation, got %+v", answer)
	}
}

func TestSynthesizeReturnsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	generator := generatorFunc(func(ctx context.Context, _ domain.GenerationRequest) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	})
	synth := NewSynthesizer(generator, wordCounter{}, SynthesizerOptions{Timeout: time.Minute})

	answer, err := synth.Synthesize(ctx, "gdp growth", retrievedFixture(), 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if answer != nil {
		t.Fatalf("expected no answer on cancellation, got %+v", answer)
	}
}

func TestSynthesizeWithoutChunksSkipsGeneration(t *testing.T) {
	generator := generatorFunc(func(context.Context, domain.GenerationRequest) (string, error) {
		t.Fatal("generator must not be called without context")
		return "", nil
	})
	answer, err := NewSynthesizer(generator, wordCounter{}, SynthesizerOptions{}).
		Synthesize(context.Background(), "gdp", &domain.RetrievalResult{}, 0)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if answer.State != domain.StateAnswered || answer.Text != insufficientInformation {
		t.Fatalf("unexpected answer %+v", answer)
	}
	if len(answer.Citations) != 0 || len(answer.Sources) != 0 {
		t.Fatalf("expected no citations or sources, got %+v", answer)
	}
}

func TestSynthesizeCitationsAreSubsetOfSources(t *testing.T) {
	generator := generatorFunc(func(_ context.Context, req domain.GenerationRequest) (string, error) {
		if req.Temperature != 0.3 {
			return "", errors.New("temperature not forwarded")
		}
		return "Growth was 7.8 percent [2, 1] while inflation was 4.83 percent [3] [3] [12].", nil
	})
	answer, err := NewSynthesizer(generator, wordCounter{}, SynthesizerOptions{}).
		Synthesize(context.Background(), "gdp", retrievedFixture(), 0.3)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	var markers []int
	for _, c := range answer.Citations {
		markers = append(markers, c.Marker)
		if answer.Sources[c.Marker-1].ChunkID != c.ChunkID {
			t.Fatalf("citation %d points at %s, source is %s", c.Marker, c.ChunkID, answer.Sources[c.Marker-1].ChunkID)
		}
	}
	if len(markers) != 3 || markers[0] != 2 || markers[1] != 1 || markers[2] != 3 {
		t.Fatalf("expected markers in first-appearance order [2 1 3], got %v", markers)
	}
}

func TestBuildAnswerPromptRespectsTokenBudget(t *testing.T) {
	chunks := retrievedFixture().Chunks
	full, used, tokens := buildAnswerPrompt("gdp growth", chunks, 10_000, wordCounter{})
	if len(used) != len(chunks) {
		t.Fatalf("expected every block under a large budget, got %d", len(used))
	}
	if !strings.Contains(full, "[4] PLFS\nSource: https://mospi.gov.in/plfs\n") {
		t.Fatalf("unexpected block layout:\n%s", full)
	}

	head := wordCounter{}.CountTokens(answerInstructions) + 4
	_, used, small := buildAnswerPrompt("gdp growth", chunks, head+1, wordCounter{})
	if len(used) != 1 {
		t.Fatalf("expected only the first block under a tight budget, got %d", len(used))
	}
	if small >= tokens {
		t.Fatalf("expected fewer tokens under the tight budget: %d >= %d", small, tokens)
	}
}
