// Package feedback records verdicts on generated queries and feeds approved
// or corrected SQL back into the example index.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/textql/textql/internal/embedding"
	"github.com/textql/textql/internal/observability"
	"github.com/textql/textql/internal/sqlguard"
	"github.com/textql/textql/internal/textql"
	"github.com/textql/textql/internal/tokenstore"
)

type TokenLookup interface {
	Peek(session, token string) (tokenstore.Entry, error)
}

type Repository interface {
	InsertFeedback(ctx context.Context, record textql.FeedbackRecord) error
}

type ExampleStore interface {
	GetSchema(ctx context.Context) (textql.SchemaDescriptor, error)
	AppendExample(ctx context.Context, example textql.Example) (textql.Example, error)
}

type Input struct {
	Token        string
	Verdict      textql.Verdict
	CorrectedSQL *string
}

type Result struct {
	Record textql.FeedbackRecord
	// Example is the example appended to the index, if any.
	Example *textql.Example
}

type Recorder struct {
	tokens    TokenLookup
	repo      Repository
	store     ExampleStore
	embedder  embedding.Embedder
	validator *sqlguard.Validator
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

func NewRecorder(tokens TokenLookup, repo Repository, store ExampleStore, embedder embedding.Embedder, validator *sqlguard.Validator, opts ...Option) *Recorder {
	r := &Recorder{
		tokens:    tokens,
		repo:      repo,
		store:     store,
		embedder:  embedder,
		validator: validator,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record persists one feedback record for the query bound to token. An
// approval adds an example built from the original SQL; a correction adds
// one built from the corrected SQL after it passes the same validation as
// generated SQL. A rejection without a correction adds nothing. Every check
// and the embedding happen before anything is written.
func (r *Recorder) Record(ctx context.Context, session string, in Input) (Result, error) {
	if in.Verdict != textql.VerdictApproved && in.Verdict != textql.VerdictRejected {
		return Result{}, fmt.Errorf("%w: unknown verdict %q", textql.ErrInvalidFeedback, in.Verdict)
	}
	entry, err := r.tokens.Peek(session, in.Token)
	if err != nil {
		return Result{}, err
	}

	record := textql.FeedbackRecord{
		ID:        uuid.NewString(),
		Token:     in.Token,
		Question:  entry.Question,
		SQL:       entry.Query.SQL(),
		Verdict:   in.Verdict,
		CreatedAt: r.now().UTC(),
	}

	exampleSQL := ""
	if in.CorrectedSQL != nil && strings.TrimSpace(*in.CorrectedSQL) != "" {
		schema, err := r.store.GetSchema(ctx)
		if err != nil {
			return Result{}, err
		}
		corrected, err := r.validator.Check(*in.CorrectedSQL, schema)
		if err != nil {
			var unsafe *textql.UnsafeQueryError
			if errors.As(err, &unsafe) {
				observability.IncrementValidationRejection(unsafe.Reason)
			}
			return Result{}, fmt.Errorf("validate corrected sql: %w", err)
		}
		correctedSQL := corrected.SQL()
		record.CorrectedSQL = &correctedSQL
		exampleSQL = correctedSQL
	} else if in.Verdict == textql.VerdictApproved {
		exampleSQL = record.SQL
	}

	var vector []float32
	if exampleSQL != "" {
		vector, err = r.embedder.Embed(ctx, record.Question)
		if err != nil {
			return Result{}, fmt.Errorf("embed question: %w: %v", textql.ErrContextUnavailable, err)
		}
	}

	if err := r.repo.InsertFeedback(ctx, record); err != nil {
		return Result{}, fmt.Errorf("insert feedback: %w", err)
	}
	observability.IncrementFeedback(string(record.Verdict))

	result := Result{Record: record}
	if exampleSQL == "" {
		return result, nil
	}
	example, err := r.store.AppendExample(ctx, textql.Example{
		Question:  record.Question,
		SQL:       exampleSQL,
		Embedding: vector,
		Source:    textql.SourceFeedback,
		CreatedAt: record.CreatedAt,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "feedback recorded but example append failed", slog.String("feedback_id", record.ID), slog.Any("error", err))
		return Result{}, fmt.Errorf("append example: %w", err)
	}
	observability.IncrementExamplesAppended(string(textql.SourceFeedback))
	result.Example = &example
	return result, nil
}
