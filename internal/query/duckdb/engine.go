package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	duckdb "github.com/marcboeker/go-duckdb/v2"

	"github.com/textql/textql/internal/query"
	"github.com/textql/textql/internal/textql"
)

type Config struct {
	// Path is the database file. Empty opens an in-memory database.
	Path        string
	ReadOnly    bool
	ExecTimeout time.Duration
	MaxRows     int
}

// Engine is the relational store the generated SQL runs against. It serves
// schema introspection and sample rows for prompts and executes validated
// statements inside a transaction that is always rolled back.
type Engine struct {
	db  *sql.DB
	cfg Config
}

func Open(cfg Config) (*Engine, error) {
	dsn := strings.TrimSpace(cfg.Path)
	if dsn != "" && cfg.ReadOnly {
		dsn += "?access_mode=read_only"
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return NewEngine(db, cfg), nil
}

func NewEngine(db *sql.DB, cfg Config) *Engine {
	return &Engine{db: db, cfg: cfg}
}

func (e *Engine) Close() error {
	return e.db.Close()
}

func (e *Engine) HealthCheck(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping duckdb: %w", err)
	}
	return nil
}

const schemaSQL = `SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = 'main'
ORDER BY table_name, ordinal_position`

// Schema lists the tables and views of the main schema ordered by name,
// columns in declaration order.
func (e *Engine) Schema(ctx context.Context) (textql.SchemaDescriptor, error) {
	rows, err := e.db.QueryContext(ctx, schemaSQL)
	if err != nil {
		return textql.SchemaDescriptor{}, fmt.Errorf("query schema: %w", err)
	}
	defer func() { _ = rows.Close() }()

	schema := textql.SchemaDescriptor{Tables: []textql.Table{}}
	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return textql.SchemaDescriptor{}, fmt.Errorf("scan schema row: %w", err)
		}
		last := len(schema.Tables) - 1
		if last < 0 || schema.Tables[last].Name != tableName {
			schema.Tables = append(schema.Tables, textql.Table{Name: tableName})
			last++
		}
		schema.Tables[last].Columns = append(schema.Tables[last].Columns, textql.Column{Name: columnName, Type: dataType})
	}
	if err := rows.Err(); err != nil {
		return textql.SchemaDescriptor{}, fmt.Errorf("iterate schema rows: %w", err)
	}
	return schema, nil
}

// Samples reads up to limit rows from every table in the schema.
func (e *Engine) Samples(ctx context.Context, limit int) (textql.SampleSet, error) {
	schema, err := e.Schema(ctx)
	if err != nil {
		return nil, err
	}
	samples := make(textql.SampleSet, len(schema.Tables))
	if limit <= 0 {
		return samples, nil
	}
	for _, table := range schema.Tables {
		statement := fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(table.Name), limit)
		columns, rows, err := collectRows(ctx, e.db, statement)
		if err != nil {
			return nil, fmt.Errorf("sample table %q: %w", table.Name, err)
		}
		samples[table.Name] = textql.SampleRows{Columns: columns, Rows: rows}
	}
	return samples, nil
}

// Execute runs one statement bounded by the configured timeout. Results
// beyond the row cap are dropped and reported through Result.Truncated. An
// expired deadline is returned wrapping context.DeadlineExceeded.
func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}

	runCtx := ctx
	if e.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.ExecTimeout)
		defer cancel()
	}

	limit := request.RowLimit
	if limit <= 0 {
		limit = e.cfg.MaxRows
	}
	if limit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, limit+1)
	}

	start := time.Now()
	tx, err := e.db.BeginTx(runCtx, nil)
	if err != nil {
		return query.Result{}, executionError(runCtx, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	columns, rows, err := collectRows(runCtx, tx, sqlText)
	if err != nil {
		return query.Result{}, executionError(runCtx, "execute query", err)
	}

	truncated := false
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
		truncated = true
	}
	return query.Result{
		Columns:   columns,
		Rows:      rows,
		Truncated: truncated,
		Duration:  time.Since(start),
	}, nil
}

func executionError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func collectRows(ctx context.Context, q queryer, sqlText string) ([]string, [][]any, error) {
	rows, err := q.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return columns, resultRows, nil
}

// normalizeValues converts driver types into values that encode cleanly as
// JSON and render predictably in prompts.
func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case duckdb.Decimal:
			normalized[i] = typed.Float64()
		case *big.Int:
			normalized[i] = typed.String()
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
