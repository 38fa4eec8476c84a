package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/easeaico/memory-journal/internal/errs"
)

// GeminiClient wraps the Google GenAI client for generation and embeddings.
type GeminiClient struct {
	client         *genai.Client
	embeddingModel string
	dim            int32
}

// NewGeminiClient creates a new client with the given API key.
func NewGeminiClient(ctx context.Context, apiKey, embeddingModel string, dim int) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		client:         client,
		embeddingModel: embeddingModel,
		dim:            int32(dim),
	}, nil
}

// Generate runs one generation call with the request's profile.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Profile.Temperature),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Profile.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(ctx, req.Profile.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return "", classifyGenAI("failed to generate content", err)
	}

	text := resp.Text()
	if text == "" {
		return "", errs.Malformed("failed to generate content", errors.New("empty response"))
	}
	return text, nil
}

// Embed generates an embedding vector for the given text.
func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, genai.Text(text), &genai.EmbedContentConfig{
		OutputDimensionality: genai.Ptr(c.dim),
	})
	if err != nil {
		return nil, classifyGenAI("failed to embed content", err)
	}

	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, errs.Malformed("failed to embed content", errors.New("no embedding returned"))
	}

	return resp.Embeddings[0].Values, nil
}

func classifyGenAI(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return errs.FromStatus(op, apiErr.Code, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	// Transport failures carry no status code.
	return errs.Unavailable(op, err)
}

var (
	_ Generator = (*GeminiClient)(nil)
	_ Embedder  = (*GeminiClient)(nil)
)
