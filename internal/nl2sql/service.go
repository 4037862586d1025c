// Package nl2sql runs the question-to-SQL pipeline: sanitize, gather context,
// prompt the model, validate its output, and bind the result to a token. It
// also exposes execution by token and feedback capture.
package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/textql/textql/internal/feedback"
	"github.com/textql/textql/internal/generation"
	"github.com/textql/textql/internal/observability"
	"github.com/textql/textql/internal/query"
	"github.com/textql/textql/internal/sqlguard"
	"github.com/textql/textql/internal/textql"
	"github.com/textql/textql/internal/tokenstore"
)

type Retriever interface {
	Retrieve(ctx context.Context, question string) ([]textql.Example, error)
}

type TokenStore interface {
	Issue(session, question string, q sqlguard.ValidatedQuery) (tokenstore.Entry, error)
	Resolve(session, token string) (tokenstore.Entry, error)
}

type FeedbackRecorder interface {
	Record(ctx context.Context, session string, in feedback.Input) (feedback.Result, error)
}

type Config struct {
	MaxQuestionLength int
	SampleRows        int
	DefaultPageSize   int
	MaxPageSize       int
}

type Dependencies struct {
	Context   textql.ContextStore
	Retriever Retriever
	Generator generation.Generator
	Validator *sqlguard.Validator
	Tokens    TokenStore
	Executor  query.Engine
	Feedback  FeedbackRecorder
	Logger    *slog.Logger
}

type Service struct {
	cfg  Config
	deps Dependencies
}

func NewService(cfg Config, deps Dependencies) *Service {
	if cfg.MaxQuestionLength <= 0 {
		cfg.MaxQuestionLength = DefaultMaxQuestionLength
	}
	if cfg.SampleRows < 0 {
		cfg.SampleRows = 0
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 50
	}
	if cfg.MaxPageSize < cfg.DefaultPageSize {
		cfg.MaxPageSize = cfg.DefaultPageSize
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{cfg: cfg, deps: deps}
}

type Generated struct {
	SQL          string
	DisplaySQL   string
	Token        string
	ExpiresAt    time.Time
	ExamplesUsed int
}

// GenerateSQL turns question into a validated statement bound to a fresh
// token. A failure at any stage returns before anything is stored.
func (s *Service) GenerateSQL(ctx context.Context, session, question string) (Generated, error) {
	start := time.Now()
	generated, err := s.generate(ctx, session, question)
	observability.ObserveGeneration(string(textql.Classify(err).Code), generated.ExamplesUsed, time.Since(start))
	return generated, err
}

func (s *Service) generate(ctx context.Context, session, question string) (Generated, error) {
	request, err := Sanitize(question, s.cfg.MaxQuestionLength)
	if err != nil {
		return Generated{}, err
	}

	var (
		schema   textql.SchemaDescriptor
		samples  textql.SampleSet
		examples []textql.Example
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		schema, err = s.deps.Context.GetSchema(groupCtx)
		return err
	})
	if s.cfg.SampleRows > 0 {
		group.Go(func() error {
			var err error
			samples, err = s.deps.Context.GetSamples(groupCtx, s.cfg.SampleRows)
			return err
		})
	}
	group.Go(func() error {
		var err error
		examples, err = s.deps.Retriever.Retrieve(groupCtx, request.SanitizedQuestion)
		return err
	})
	if err := group.Wait(); err != nil {
		s.logStageFailure(ctx, "context", err)
		return Generated{}, err
	}

	prompt := BuildPrompt(schema, samples, examples, request.SanitizedQuestion)
	raw, err := s.deps.Generator.Generate(ctx, prompt)
	if err != nil {
		s.logStageFailure(ctx, "generate", err)
		return Generated{ExamplesUsed: len(examples)}, err
	}

	validated, err := s.deps.Validator.Check(raw, schema)
	if err != nil {
		var unsafe *textql.UnsafeQueryError
		if errors.As(err, &unsafe) {
			observability.IncrementValidationRejection(unsafe.Reason)
		} else if errors.Is(err, textql.ErrMalformedOutput) {
			observability.IncrementValidationRejection("malformed")
		}
		s.logStageFailure(ctx, "validate", err)
		s.deps.Logger.DebugContext(ctx, "rejected model output", slog.String("raw", raw))
		return Generated{ExamplesUsed: len(examples)}, err
	}

	entry, err := s.deps.Tokens.Issue(session, request.SanitizedQuestion, validated)
	if err != nil {
		s.logStageFailure(ctx, "tokenize", err)
		return Generated{ExamplesUsed: len(examples)}, err
	}
	s.deps.Logger.DebugContext(ctx, "generated sql", slog.String("sql", validated.SQL()), slog.Int("examples", len(examples)))

	return Generated{
		SQL:          validated.SQL(),
		DisplaySQL:   sqlguard.Pretty(validated.SQL()),
		Token:        entry.Token,
		ExpiresAt:    entry.ExpiresAt,
		ExamplesUsed: len(examples),
	}, nil
}

// ExecuteQuery runs the statement bound to token and returns the requested
// page. Executor failures never carry driver text outward.
func (s *Service) ExecuteQuery(ctx context.Context, session, token string, page, pageSize int) (query.Page, error) {
	entry, err := s.deps.Tokens.Resolve(session, token)
	if err != nil {
		return query.Page{}, err
	}

	start := time.Now()
	result, err := s.deps.Executor.Execute(ctx, query.Request{SQL: entry.Query.SQL()})
	elapsed := time.Since(start)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			observability.ObserveExecution("timeout", elapsed)
			s.logStageFailure(ctx, "execute", err)
			return query.Page{}, fmt.Errorf("%w after %s", textql.ErrExecutionTimeout, elapsed.Round(time.Millisecond))
		case ctx.Err() != nil:
			observability.ObserveExecution("canceled", elapsed)
			return query.Page{}, ctx.Err()
		default:
			observability.ObserveExecution("error", elapsed)
			s.logStageFailure(ctx, "execute", err)
			return query.Page{}, textql.ErrExecutionFailed
		}
	}
	observability.ObserveExecution("ok", elapsed)

	if pageSize <= 0 {
		pageSize = s.cfg.DefaultPageSize
	}
	if pageSize > s.cfg.MaxPageSize {
		pageSize = s.cfg.MaxPageSize
	}
	return query.Paginate(result, page, pageSize), nil
}

func (s *Service) SubmitFeedback(ctx context.Context, session string, in feedback.Input) (feedback.Result, error) {
	result, err := s.deps.Feedback.Record(ctx, session, in)
	if err != nil {
		s.logStageFailure(ctx, "feedback", err)
		return feedback.Result{}, err
	}
	return result, nil
}

// Schema returns the schema and sample rows the prompts are built from.
func (s *Service) Schema(ctx context.Context) (textql.SchemaDescriptor, textql.SampleSet, error) {
	schema, err := s.deps.Context.GetSchema(ctx)
	if err != nil {
		return textql.SchemaDescriptor{}, nil, err
	}
	samples := textql.SampleSet{}
	if s.cfg.SampleRows > 0 {
		samples, err = s.deps.Context.GetSamples(ctx, s.cfg.SampleRows)
		if err != nil {
			return textql.SchemaDescriptor{}, nil, err
		}
	}
	return schema, samples, nil
}

func (s *Service) logStageFailure(ctx context.Context, stage string, err error) {
	classification := textql.Classify(err)
	s.deps.Logger.WarnContext(ctx, "pipeline stage failed",
		slog.String("stage", stage),
		slog.String("error_code", string(classification.Code)),
		slog.Any("error", err),
	)
}
