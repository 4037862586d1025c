// Package textql holds the domain types shared by the generation pipeline:
// the schema and sample context handed to the model, stored question/SQL
// examples, feedback records and the error taxonomy.
package textql

import (
	"context"
	"strings"
	"time"
)

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// SchemaDescriptor lists tables in a stable order. Table names resolve
// case-insensitively, matching how unquoted identifiers resolve in SQL.
type SchemaDescriptor struct {
	Tables []Table `json:"tables"`
}

func (s SchemaDescriptor) Lookup(name string) (Table, bool) {
	for _, table := range s.Tables {
		if strings.EqualFold(table.Name, name) {
			return table, true
		}
	}
	return Table{}, false
}

func (s SchemaDescriptor) Has(name string) bool {
	_, ok := s.Lookup(name)
	return ok
}

func (s SchemaDescriptor) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, table := range s.Tables {
		names = append(names, table.Name)
	}
	return names
}

type SampleRows struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// SampleSet maps a table name to a handful of representative rows. It is
// prompt context only and is never executed against.
type SampleSet map[string]SampleRows

type ExampleSource string

const (
	SourceImport   ExampleSource = "import"
	SourceFeedback ExampleSource = "feedback"
)

type Example struct {
	ID        int64         `json:"id"`
	Question  string        `json:"question"`
	SQL       string        `json:"sql"`
	Embedding []float32     `json:"-"`
	Source    ExampleSource `json:"source"`
	CreatedAt time.Time     `json:"created_at"`
	// Distance is set only on examples returned by a similarity lookup.
	Distance float64 `json:"distance,omitempty"`
}

type GenerationRequest struct {
	RawQuestion       string
	SanitizedQuestion string
}

type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

func ParseVerdict(raw string) (Verdict, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved", "approve", "yes", "y":
		return VerdictApproved, true
	case "rejected", "reject", "no", "n":
		return VerdictRejected, true
	default:
		return "", false
	}
}

type FeedbackRecord struct {
	ID           string    `json:"id"`
	Token        string    `json:"token"`
	Question     string    `json:"question"`
	SQL          string    `json:"sql"`
	Verdict      Verdict   `json:"verdict"`
	CorrectedSQL *string   `json:"corrected_sql,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// FeedbackCursor orders feedback records by creation time then ID. Listing
// after a cursor returns records strictly greater than it.
type FeedbackCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

func (c FeedbackCursor) Before(record FeedbackRecord) bool {
	if !record.CreatedAt.Equal(c.CreatedAt) {
		return record.CreatedAt.After(c.CreatedAt)
	}
	return record.ID > c.ID
}

// Metric names the distance function of the example index. Smaller is
// always closer; inner_product distance is the negated dot product.
type Metric string

const (
	MetricCosine       Metric = "cosine"
	MetricL2           Metric = "l2"
	MetricInnerProduct Metric = "inner_product"
)

func ParseMetric(raw string) (Metric, bool) {
	switch Metric(strings.ToLower(strings.TrimSpace(raw))) {
	case MetricCosine:
		return MetricCosine, true
	case MetricL2:
		return MetricL2, true
	case MetricInnerProduct:
		return MetricInnerProduct, true
	default:
		return "", false
	}
}

type SimilarityQuery struct {
	Embedding []float32
	K         int
	// MaxDistance keeps only examples at or below this distance. Zero
	// disables the threshold.
	MaxDistance float64
}

// ContextStore is the contract over schema metadata, sample rows and the
// append-only example index.
type ContextStore interface {
	GetSchema(ctx context.Context) (SchemaDescriptor, error)
	GetSamples(ctx context.Context, limit int) (SampleSet, error)
	FindSimilar(ctx context.Context, q SimilarityQuery) ([]Example, error)
	AppendExample(ctx context.Context, example Example) (Example, error)
}
