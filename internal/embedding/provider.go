package embedding

import (
	"context"
	"fmt"

	"github.com/textql/textql/internal/config"
)

// FromConfig builds the embedder named by cfg.Provider.
func FromConfig(ctx context.Context, cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		client, err := NewOpenAIEmbedder(OpenAIConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "gemini":
		client, err := NewGeminiEmbedder(ctx, GeminiConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
}
