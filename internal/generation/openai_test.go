package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/textql/textql/internal/textql"
)

func TestOpenAIClientReturnsRawContent(t *testing.T) {
	raw := "Here you go:\n```sql\nSELECT * FROM flights;\n```"
	var gotAuth, gotPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		var payload struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if len(payload.Messages) == 2 {
			gotPrompt = payload.Messages[1].Content
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": raw}}},
		})
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL + "/", APIKey: "secret", Model: "test-model"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	got, err := client.Generate(context.Background(), "the prompt")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != raw {
		t.Fatalf("Generate() = %q, want the raw text unmodified", got)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotPrompt != "the prompt" {
		t.Fatalf("prompt = %q", gotPrompt)
	}
}

func TestOpenAIClientMapsFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "upstream exploded with internal detail", http.StatusInternalServerError)
		},
		"no choices": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		},
		"empty content": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":""}}]}`))
		},
		"bad json": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(handler)
			defer server.Close()

			client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "k"})
			if err != nil {
				t.Fatalf("NewOpenAIClient() error = %v", err)
			}
			_, err = client.Generate(context.Background(), "p")
			if !errors.Is(err, textql.ErrGenerationFailed) {
				t.Fatalf("Generate() error = %v, want ErrGenerationFailed", err)
			}
			if strings.Contains(err.Error(), "internal detail") {
				t.Fatalf("error leaks upstream body: %v", err)
			}
		})
	}
}

func TestOpenAIClientEnforcesTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "k", Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	start := time.Now()
	_, err = client.Generate(context.Background(), "p")
	if !errors.Is(err, textql.ErrGenerationFailed) {
		t.Fatalf("Generate() error = %v, want ErrGenerationFailed", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Generate() took %s, timeout not enforced", time.Since(start))
	}
}

func TestOpenAIClientPassesThroughCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: "http://127.0.0.1:1", APIKey: "k"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	if _, err := client.Generate(ctx, "p"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Generate() error = %v, want context.Canceled", err)
	}
}

func TestNewOpenAIClientRequiresSettings(t *testing.T) {
	if _, err := NewOpenAIClient(OpenAIConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
	if _, err := NewOpenAIClient(OpenAIConfig{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected error for missing api key")
	}
}
