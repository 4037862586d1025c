// Package contextstore composes the relational schema source and the example
// index into the single context store the generation pipeline reads from.
package contextstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/textql/textql/internal/query"
	"github.com/textql/textql/internal/textql"
)

type ExampleIndex interface {
	FindSimilar(ctx context.Context, q textql.SimilarityQuery) ([]textql.Example, error)
	AppendExample(ctx context.Context, example textql.Example) (textql.Example, error)
}

// Store reads schema and samples live on every call so imports committed to
// the relational store are visible to the next request.
type Store struct {
	schema query.SchemaSource
	index  ExampleIndex
}

func New(schema query.SchemaSource, index ExampleIndex) *Store {
	return &Store{schema: schema, index: index}
}

func (s *Store) GetSchema(ctx context.Context) (textql.SchemaDescriptor, error) {
	schema, err := s.schema.Schema(ctx)
	if err != nil {
		return textql.SchemaDescriptor{}, unavailable("get schema", err)
	}
	return schema, nil
}

func (s *Store) GetSamples(ctx context.Context, limit int) (textql.SampleSet, error) {
	samples, err := s.schema.Samples(ctx, limit)
	if err != nil {
		return nil, unavailable("get samples", err)
	}
	return samples, nil
}

func (s *Store) FindSimilar(ctx context.Context, q textql.SimilarityQuery) ([]textql.Example, error) {
	examples, err := s.index.FindSimilar(ctx, q)
	if err != nil {
		return nil, unavailable("find similar", err)
	}
	return examples, nil
}

func (s *Store) AppendExample(ctx context.Context, example textql.Example) (textql.Example, error) {
	stored, err := s.index.AppendExample(ctx, example)
	if err != nil {
		return textql.Example{}, unavailable("append example", err)
	}
	return stored, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, textql.ErrContextUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, textql.ErrContextUnavailable, err)
}

var _ textql.ContextStore = (*Store)(nil)
