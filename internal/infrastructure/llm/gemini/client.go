package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/infrastructure/resilience"
)

const (
	DefaultGenerationModel = "gemini-2.0-flash"
	DefaultEmbeddingModel  = "text-embedding-004"
)

type Client struct {
	genai      *genai.Client
	genModel   string
	embedModel string
	dimension  int
	executor   *resilience.Executor
}

type Config struct {
	APIKey          string
	GenerationModel string
	EmbeddingModel  string
	// Dimension requests a reduced embedding size; 0 keeps the model default.
	Dimension int
	// BaseURL overrides the API endpoint.
	BaseURL string
}

func New(ctx context.Context, cfg Config, executor *resilience.Executor) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if cfg.GenerationModel == "" {
		cfg.GenerationModel = DefaultGenerationModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	return &Client{
		genai:      client,
		genModel:   cfg.GenerationModel,
		embedModel: cfg.EmbeddingModel,
		dimension:  cfg.Dimension,
		executor:   executor,
	}, nil
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) ModelID() string {
	if e.client.dimension > 0 {
		return fmt.Sprintf("gemini/%s@%d", e.client.embedModel, e.client.dimension)
	}
	return "gemini/" + e.client.embedModel
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, texts, "RETRIEVAL_DOCUMENT")
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{text}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}
	cfg := &genai.EmbedContentConfig{TaskType: taskType}
	if e.client.dimension > 0 {
		cfg.OutputDimensionality = genai.Ptr(int32(e.client.dimension))
	}

	var resp *genai.EmbedContentResponse
	err := e.client.call(ctx, "gemini.embed", func(callCtx context.Context) error {
		var err error
		resp, err = e.client.genai.Models.EmbedContent(callCtx, e.client.embedModel, contents, cfg)
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "gemini embed", err)
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		got := 0
		if resp != nil {
			got = len(resp.Embeddings)
		}
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "gemini embed",
			fmt.Errorf("got %d embeddings for %d inputs", got, len(texts)))
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "gemini embed",
				fmt.Errorf("missing embedding %d", i))
		}
		out[i] = emb.Values
	}
	return out, nil
}

type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) Generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	var resp *genai.GenerateContentResponse
	err := g.client.call(ctx, "gemini.generate", func(callCtx context.Context) error {
		var err error
		resp, err = g.client.genai.Models.GenerateContent(callCtx, g.client.genModel, genai.Text(req.Prompt), cfg)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return "", err
	case errors.Is(err, context.DeadlineExceeded):
		return "", domain.WrapError(domain.ErrGenerationTimeout, "gemini generate", err)
	default:
		return "", domain.WrapError(domain.ErrGenerationUnavailable, "gemini generate", err)
	}
	if resp == nil {
		return "", domain.WrapError(domain.ErrGenerationUnavailable, "gemini generate", errors.New("empty response"))
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (c *Client) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor == nil {
		return fn(ctx)
	}
	return c.executor.Execute(ctx, operation, fn, classifyGeminiError)
}

func classifyGeminiError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		default:
			return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
		}
	}
	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}
