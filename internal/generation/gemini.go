package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

type GeminiConfig struct {
	APIKey string
	// BaseURL overrides the Gemini API endpoint. Empty uses the default.
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
	timeout     time.Duration
}

func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.0-flash-001"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      strings.TrimSpace(cfg.APIKey),
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: strings.TrimSpace(cfg.BaseURL)},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{
		client:      client,
		model:       model,
		temperature: float32(cfg.Temperature),
		timeout:     timeout,
	}, nil
}

func (c *GeminiClient) Model() string {
	return c.model
}

func (c *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	return bounded(ctx, c.timeout, func(ctx context.Context) (string, error) {
		resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(SystemInstruction, genai.RoleUser),
			Temperature:       genai.Ptr(c.temperature),
		})
		if err != nil {
			return "", fmt.Errorf("generate content: %w", err)
		}
		return resp.Text(), nil
	})
}
