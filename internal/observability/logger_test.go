package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/textql/textql/internal/config"
)

func TestNewLoggerAddsServiceAndProfile(t *testing.T) {
	cfg := config.Config{
		Profile:       config.ProfileTest,
		Service:       config.ServiceConfig{Name: "textql-api"},
		Observability: config.ObservabilityConfig{LogLevel: slog.LevelInfo, LogJSON: true},
	}
	var buf bytes.Buffer
	NewLogger(cfg, &buf).Info("started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["service"] != "textql-api" || record["profile"] != "test" {
		t.Fatalf("log record = %#v", record)
	}
}
