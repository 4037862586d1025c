package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/textql/textql/internal/catalog"
	"github.com/textql/textql/internal/textql"
)

const (
	defaultFeedbackPageSize = 500
	nilUUID                 = "00000000-0000-0000-0000-000000000000"
)

// Repository stores examples in a pgvector column and ranks them with the
// operator matching the configured metric.
type Repository struct {
	db     *sql.DB
	metric textql.Metric
}

var _ catalog.Repository = (*Repository)(nil)

func NewRepository(db *sql.DB, metric textql.Metric) *Repository {
	if metric == "" {
		metric = textql.MetricCosine
	}
	return &Repository{db: db, metric: metric}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

func distanceOperator(metric textql.Metric) (string, error) {
	switch metric {
	case textql.MetricCosine:
		return "<=>", nil
	case textql.MetricL2:
		return "<->", nil
	case textql.MetricInnerProduct:
		return "<#>", nil
	default:
		return "", fmt.Errorf("unsupported distance metric %q", metric)
	}
}

// vectorLiteral renders an embedding in the pgvector text input format.
func vectorLiteral(values []float32) string {
	var b strings.Builder
	b.Grow(len(values) * 10)
	b.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func similarityQuery(operator string, thresholded bool) string {
	where := ""
	limitArg := "$2"
	if thresholded {
		where = "\nWHERE distance <= $2"
		limitArg = "$3"
	}
	return `
SELECT example_id, question, sql_text, source, created_at, distance
FROM (
	SELECT example_id, question, sql_text, source, created_at, embedding ` + operator + ` $1::vector AS distance
	FROM nl_example
) AS ranked` + where + `
ORDER BY distance ASC, created_at DESC, example_id DESC
LIMIT ` + limitArg
}

// FindSimilar returns up to q.K examples ordered by distance, newest first
// on ties. Embeddings are not loaded back.
func (r *Repository) FindSimilar(ctx context.Context, q textql.SimilarityQuery) ([]textql.Example, error) {
	if q.K <= 0 {
		return []textql.Example{}, nil
	}
	if len(q.Embedding) == 0 {
		return nil, fmt.Errorf("find similar examples: embedding is required")
	}
	operator, err := distanceOperator(r.metric)
	if err != nil {
		return nil, err
	}

	args := []any{vectorLiteral(q.Embedding)}
	thresholded := q.MaxDistance != 0
	if thresholded {
		args = append(args, q.MaxDistance)
	}
	args = append(args, q.K)

	rows, err := r.db.QueryContext(ctx, similarityQuery(operator, thresholded), args...)
	if err != nil {
		return nil, fmt.Errorf("find similar examples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	examples := make([]textql.Example, 0, q.K)
	for rows.Next() {
		var (
			example textql.Example
			source  string
		)
		if err := rows.Scan(&example.ID, &example.Question, &example.SQL, &source, &example.CreatedAt, &example.Distance); err != nil {
			return nil, fmt.Errorf("scan example row: %w", err)
		}
		example.Source = textql.ExampleSource(source)
		examples = append(examples, example)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate example rows: %w", err)
	}
	return examples, nil
}

func (r *Repository) AppendExample(ctx context.Context, example textql.Example) (textql.Example, error) {
	if len(example.Embedding) == 0 {
		return textql.Example{}, fmt.Errorf("append example: embedding is required")
	}
	if example.Source == "" {
		example.Source = textql.SourceImport
	}

	query := `
INSERT INTO nl_example (question, sql_text, embedding, source)
VALUES ($1, $2, $3::vector, $4)
RETURNING example_id, created_at`
	if err := r.db.QueryRowContext(ctx, query,
		example.Question,
		example.SQL,
		vectorLiteral(example.Embedding),
		string(example.Source),
	).Scan(&example.ID, &example.CreatedAt); err != nil {
		return textql.Example{}, fmt.Errorf("append example: %w", err)
	}
	example.Distance = 0
	return example, nil
}

func (r *Repository) CountExamples(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nl_example`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count examples: %w", err)
	}
	return count, nil
}

func (r *Repository) InsertFeedback(ctx context.Context, record textql.FeedbackRecord) error {
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
INSERT INTO feedback (feedback_id, token, question, sql_text, verdict, corrected_sql, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.Token,
		record.Question,
		record.SQL,
		string(record.Verdict),
		nullableString(record.CorrectedSQL),
		createdAt,
	); err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// ListFeedbackAfter pages through the feedback log in (created_at, id)
// order, starting strictly after cursor.
func (r *Repository) ListFeedbackAfter(ctx context.Context, cursor textql.FeedbackCursor, limit int) ([]textql.FeedbackRecord, error) {
	if limit <= 0 {
		limit = defaultFeedbackPageSize
	}
	afterID := cursor.ID
	if afterID == "" {
		afterID = nilUUID
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT feedback_id, token, question, sql_text, verdict, corrected_sql, created_at
FROM feedback
WHERE (created_at, feedback_id) > ($1, $2::uuid)
ORDER BY created_at ASC, feedback_id ASC
LIMIT $3`, cursor.CreatedAt, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]textql.FeedbackRecord, 0)
	for rows.Next() {
		var (
			record    textql.FeedbackRecord
			verdict   string
			corrected sql.NullString
		)
		if err := rows.Scan(&record.ID, &record.Token, &record.Question, &record.SQL, &verdict, &corrected, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback row: %w", err)
		}
		record.Verdict = textql.Verdict(verdict)
		if corrected.Valid {
			value := corrected.String
			record.CorrectedSQL = &value
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback rows: %w", err)
	}
	return records, nil
}

func (r *Repository) GetArchiveCursor(ctx context.Context, name string) (textql.FeedbackCursor, error) {
	query := `
SELECT created_at, feedback_id
FROM archive_cursor
WHERE name = $1`

	var cursor textql.FeedbackCursor
	if err := r.db.QueryRowContext(ctx, query, name).Scan(&cursor.CreatedAt, &cursor.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return textql.FeedbackCursor{}, catalog.ErrNotFound
		}
		return textql.FeedbackCursor{}, fmt.Errorf("get archive cursor: %w", err)
	}
	return cursor, nil
}

func (r *Repository) SaveArchiveCursor(ctx context.Context, name string, cursor textql.FeedbackCursor) error {
	if cursor.ID == "" {
		return fmt.Errorf("save archive cursor: feedback id is required")
	}
	query := `
INSERT INTO archive_cursor (name, created_at, feedback_id, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (name)
DO UPDATE SET created_at = EXCLUDED.created_at, feedback_id = EXCLUDED.feedback_id, updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query, name, cursor.CreatedAt, cursor.ID); err != nil {
		return fmt.Errorf("save archive cursor: %w", err)
	}
	return nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
