package query

import (
	"context"
	"time"

	"github.com/textql/textql/internal/textql"
)

type Request struct {
	SQL string
	// RowLimit caps the rows returned; Result.Truncated reports whether more
	// were available.
	RowLimit int
}

type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

// Engine runs one validated statement, bounded by the caller's context.
type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

// SchemaSource describes the relational store the generated SQL targets.
type SchemaSource interface {
	Schema(ctx context.Context) (textql.SchemaDescriptor, error)
	Samples(ctx context.Context, limit int) (textql.SampleSet, error)
}

// Page is one slice of an executed result.
type Page struct {
	Columns    []string
	Rows       [][]any
	Page       int
	PageSize   int
	TotalRows  int
	TotalPages int
	Truncated  bool
}

// Paginate slices result into pages of pageSize rows. Pages are 1-based; a
// page past the end yields no rows rather than an error.
func Paginate(result Result, page, pageSize int) Page {
	if pageSize <= 0 {
		pageSize = len(result.Rows)
		if pageSize == 0 {
			pageSize = 1
		}
	}
	if page <= 0 {
		page = 1
	}
	total := len(result.Rows)
	totalPages := (total + pageSize - 1) / pageSize

	start := (page - 1) * pageSize
	rows := [][]any{}
	if start < total {
		end := start + pageSize
		if end > total {
			end = total
		}
		rows = result.Rows[start:end]
	}
	return Page{
		Columns:    result.Columns,
		Rows:       rows,
		Page:       page,
		PageSize:   pageSize,
		TotalRows:  total,
		TotalPages: totalPages,
		Truncated:  result.Truncated,
	}
}
