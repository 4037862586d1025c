// Package retrieval finds stored question/SQL pairs similar to an incoming
// question so they can be used as few-shot examples.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/textql/textql/internal/embedding"
	"github.com/textql/textql/internal/textql"
)

type Config struct {
	K           int
	MaxDistance float64
	Timeout     time.Duration
}

type ExampleFinder interface {
	FindSimilar(ctx context.Context, q textql.SimilarityQuery) ([]textql.Example, error)
}

type Retriever struct {
	embedder embedding.Embedder
	finder   ExampleFinder
	cfg      Config
}

func New(embedder embedding.Embedder, finder ExampleFinder, cfg Config) *Retriever {
	if cfg.K <= 0 {
		cfg.K = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Retriever{embedder: embedder, finder: finder, cfg: cfg}
}

// Retrieve returns at most K examples within the distance threshold, closest
// first. Fewer than K, including none, is a valid result. Failing to reach
// the embedder or the index yields ErrContextUnavailable.
func (r *Retriever) Retrieve(ctx context.Context, question string) ([]textql.Example, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	vector, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, unavailable("embed question", err)
	}
	examples, err := r.finder.FindSimilar(ctx, textql.SimilarityQuery{
		Embedding:   vector,
		K:           r.cfg.K,
		MaxDistance: r.cfg.MaxDistance,
	})
	if err != nil {
		return nil, unavailable("find similar examples", err)
	}
	if len(examples) > r.cfg.K {
		examples = examples[:r.cfg.K]
	}
	if examples == nil {
		examples = []textql.Example{}
	}
	return examples, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, textql.ErrContextUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, textql.ErrContextUnavailable, err)
}
