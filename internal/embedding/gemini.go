package embedding

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

// GeminiEmbedder embeds text with the Gemini API using the semantic
// similarity task type, since questions are compared with other questions.
type GeminiEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int
}

func NewGeminiEmbedder(ctx context.Context, cfg GeminiConfig) (*GeminiEmbedder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "text-embedding-004"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      strings.TrimSpace(cfg.APIKey),
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: strings.TrimSpace(cfg.BaseURL)},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiEmbedder{client: client, model: model, dimensions: cfg.Dimensions}, nil
}

func (e *GeminiEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	config := &genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"}
	if e.dimensions > 0 {
		config.OutputDimensionality = genai.Ptr(int32(e.dimensions))
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(text), config)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(result.Embeddings) == 0 || result.Embeddings[0] == nil {
		return nil, fmt.Errorf("no embedding returned")
	}
	return checkDimensions(result.Embeddings[0].Values, e.dimensions)
}
