// Package embedding turns question text into fixed-dimension vectors for the
// example similarity index.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultTimeout = 5 * time.Second

// ErrDimensionMismatch reports a vector whose length differs from the
// configured dimension. Mixing dimensions would corrupt distance ordering.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

func checkDimensions(vector []float32, want int) ([]float32, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	if want > 0 && len(vector) != want {
		return nil, fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(vector), want)
	}
	return vector, nil
}
