// Package generation sends an assembled prompt to a language model and
// returns its raw text. Responses are never interpreted here; extracting and
// validating SQL belongs to sqlguard.
package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/textql/textql/internal/observability"
	"github.com/textql/textql/internal/textql"
)

const (
	defaultTimeout   = 20 * time.Second
	maxResponseBytes = 1 << 20
)

// SystemInstruction frames every request. The prompt itself carries the
// schema, samples, examples and question.
const SystemInstruction = "Act as a database analyst. You translate questions into a single read-only DuckDB SQL query. " +
	"Return the SQL query only. No other text."

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// bounded runs call under a hard timeout and maps every failure onto
// ErrGenerationFailed. There is no retry.
func bounded(ctx context.Context, timeout time.Duration, call func(context.Context) (string, error)) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	text, err := call(callCtx)
	observability.ObserveModelLatency(time.Since(start))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%w: model call timed out after %s", textql.ErrGenerationFailed, timeout)
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", textql.ErrGenerationFailed, err)
	}
	if text == "" {
		return "", fmt.Errorf("%w: model returned an empty response", textql.ErrGenerationFailed)
	}
	return text, nil
}
