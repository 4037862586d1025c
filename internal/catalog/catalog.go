// Package catalog is the durable side of the service: the example index
// with its embeddings, the append-only feedback log and the cursor the
// archiver resumes from.
package catalog

import (
	"context"
	"errors"

	"github.com/textql/textql/internal/textql"
)

var ErrNotFound = errors.New("catalog: not found")

type Repository interface {
	HealthCheck(ctx context.Context) error
	FindSimilar(ctx context.Context, q textql.SimilarityQuery) ([]textql.Example, error)
	AppendExample(ctx context.Context, example textql.Example) (textql.Example, error)
	CountExamples(ctx context.Context) (int64, error)
	InsertFeedback(ctx context.Context, record textql.FeedbackRecord) error
	ListFeedbackAfter(ctx context.Context, cursor textql.FeedbackCursor, limit int) ([]textql.FeedbackRecord, error)
	GetArchiveCursor(ctx context.Context, name string) (textql.FeedbackCursor, error)
	SaveArchiveCursor(ctx context.Context, name string, cursor textql.FeedbackCursor) error
}
