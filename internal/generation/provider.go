package generation

import (
	"context"
	"fmt"

	"github.com/textql/textql/internal/config"
)

// FromConfig builds the generator named by cfg.Provider.
func FromConfig(ctx context.Context, cfg config.AIConfig) (Generator, error) {
	switch cfg.Provider {
	case "openai":
		client, err := NewOpenAIClient(OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "gemini":
		client, err := NewGeminiClient(ctx, GeminiConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported generation provider %q", cfg.Provider)
	}
}
