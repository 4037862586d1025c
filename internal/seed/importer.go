// Package seed imports curated question/SQL pairs into the example index.
// Every pair passes the same validation generated SQL does before it can
// become an example.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/textql/textql/internal/embedding"
	"github.com/textql/textql/internal/nl2sql"
	"github.com/textql/textql/internal/observability"
	"github.com/textql/textql/internal/sqlguard"
	"github.com/textql/textql/internal/textql"
)

type ExampleStore interface {
	GetSchema(ctx context.Context) (textql.SchemaDescriptor, error)
	AppendExample(ctx context.Context, example textql.Example) (textql.Example, error)
}

type Skipped struct {
	Index    int    `json:"index"`
	Question string `json:"question"`
	Reason   string `json:"reason"`
}

type Report struct {
	Imported int       `json:"imported"`
	Skipped  []Skipped `json:"skipped"`
}

type Importer struct {
	store     ExampleStore
	embedder  embedding.Embedder
	validator *sqlguard.Validator
	logger    *slog.Logger
	// DryRun validates every pair without embedding or appending.
	DryRun bool
}

func NewImporter(store ExampleStore, embedder embedding.Embedder, validator *sqlguard.Validator, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: store, embedder: embedder, validator: validator, logger: logger}
}

// Import appends every valid pair and reports the rest. Invalid pairs are
// skipped; a failing embedder or store aborts the run because later pairs
// would fail the same way.
func (i *Importer) Import(ctx context.Context, pairs []Pair) (Report, error) {
	report := Report{Skipped: make([]Skipped, 0)}

	schema, err := i.store.GetSchema(ctx)
	if err != nil {
		return report, fmt.Errorf("load schema: %w", err)
	}

	seen := make(map[string]struct{}, len(pairs))
	for index, pair := range pairs {
		skip := func(reason string) {
			report.Skipped = append(report.Skipped, Skipped{Index: index, Question: pair.text(), Reason: reason})
			i.logger.WarnContext(ctx, "seed pair skipped", slog.Int("index", index), slog.String("reason", reason))
		}

		request, err := nl2sql.Sanitize(pair.text(), 0)
		if err != nil {
			skip(err.Error())
			continue
		}
		if strings.TrimSpace(pair.SQL) == "" {
			skip("sql is empty")
			continue
		}
		validated, err := i.validator.Check(pair.SQL, schema)
		if err != nil {
			var unsafe *textql.UnsafeQueryError
			if errors.As(err, &unsafe) || errors.Is(err, textql.ErrMalformedOutput) {
				skip(err.Error())
				continue
			}
			return report, err
		}

		key := request.SanitizedQuestion + "\x00" + validated.SQL()
		if _, ok := seen[key]; ok {
			skip("duplicate pair")
			continue
		}
		seen[key] = struct{}{}

		if i.DryRun {
			report.Imported++
			continue
		}

		vector, err := i.embedder.Embed(ctx, request.SanitizedQuestion)
		if err != nil {
			return report, fmt.Errorf("%w: embed pair %d: %v", textql.ErrContextUnavailable, index, err)
		}
		if _, err := i.store.AppendExample(ctx, textql.Example{
			Question:  request.SanitizedQuestion,
			SQL:       validated.SQL(),
			Embedding: vector,
			Source:    textql.SourceImport,
		}); err != nil {
			return report, fmt.Errorf("append pair %d: %w", index, err)
		}
		observability.IncrementExamplesAppended(string(textql.SourceImport))
		report.Imported++
	}

	i.logger.InfoContext(ctx, "seed import finished",
		slog.Int("imported", report.Imported),
		slog.Int("skipped", len(report.Skipped)),
		slog.Bool("dry_run", i.DryRun),
	)
	return report, nil
}
