package nl2sql

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/textql/textql/internal/contextstore"
	"github.com/textql/textql/internal/feedback"
	"github.com/textql/textql/internal/query"
	"github.com/textql/textql/internal/retrieval"
	"github.com/textql/textql/internal/sqlguard"
	"github.com/textql/textql/internal/textql"
	"github.com/textql/textql/internal/tokenstore"
)

type flightsSource struct {
	err error
}

func (f flightsSource) Schema(context.Context) (textql.SchemaDescriptor, error) {
	if f.err != nil {
		return textql.SchemaDescriptor{}, f.err
	}
	return textql.SchemaDescriptor{Tables: []textql.Table{{
		Name: "flights",
		Columns: []textql.Column{
			{Name: "origin", Type: "VARCHAR"},
			{Name: "origin_airport", Type: "VARCHAR"},
			{Name: "destination", Type: "VARCHAR"},
		},
	}}}, nil
}

func (f flightsSource) Samples(context.Context, int) (textql.SampleSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	return textql.SampleSet{"flights": {Columns: []string{"origin", "origin_airport", "destination"}, Rows: [][]any{{"JFK", "JFK", "LAX"}}}}, nil
}

type scriptedGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	return g.reply, g.err
}

type keywordEmbedder struct{}

func (keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(strings.ToLower(text), "jfk") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func (keywordEmbedder) Dimensions() int { return 2 }

type fakeExecutor struct {
	got    query.Request
	result query.Result
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, request query.Request) (query.Result, error) {
	f.got = request
	return f.result, f.err
}

type harness struct {
	service   *Service
	generator *scriptedGenerator
	executor  *fakeExecutor
	tokens    *tokenstore.Store
	index     *contextstore.MemoryIndex
	repo      *feedback.MemoryRepository
}

func newHarness(t *testing.T, source flightsSource) harness {
	t.Helper()
	index := contextstore.NewMemoryIndex(textql.MetricCosine, 2)
	store := contextstore.New(source, index)
	tokens := tokenstore.New(tokenstore.Config{TTL: 10 * time.Minute})
	validator := sqlguard.New(sqlguard.Policy{})
	repo := feedback.NewMemoryRepository()
	generator := &scriptedGenerator{}
	executor := &fakeExecutor{}

	service := NewService(Config{SampleRows: 5, DefaultPageSize: 2, MaxPageSize: 3}, Dependencies{
		Context:   store,
		Retriever: retrieval.New(keywordEmbedder{}, store, retrieval.Config{K: 3, MaxDistance: 0.35}),
		Generator: generator,
		Validator: validator,
		Tokens:    tokens,
		Executor:  executor,
		Feedback:  feedback.NewRecorder(tokens, repo, store, keywordEmbedder{}, validator),
	})
	return harness{service: service, generator: generator, executor: executor, tokens: tokens, index: index, repo: repo}
}

func TestShowFlightsFromJFKEndToEnd(t *testing.T) {
	h := newHarness(t, flightsSource{})
	h.generator.reply = "```sql\nSELECT * FROM flights WHERE origin = 'JFK';\n```"
	ctx := context.Background()

	generated, err := h.service.GenerateSQL(ctx, "", "Show flights from JFK")
	if err != nil {
		t.Fatalf("GenerateSQL() error = %v", err)
	}
	if generated.SQL != "SELECT * FROM flights WHERE origin = 'JFK'" {
		t.Fatalf("GenerateSQL() sql = %q", generated.SQL)
	}
	if generated.ExamplesUsed != 0 {
		t.Fatalf("ExamplesUsed = %d, want 0 with an empty index", generated.ExamplesUsed)
	}
	if strings.Contains(h.generator.prompts[0], "references") {
		t.Fatal("first prompt should have no example section")
	}

	entry, err := h.tokens.Resolve("", generated.Token)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if entry.Query.SQL() != generated.SQL {
		t.Fatalf("Resolve() sql = %q, want %q", entry.Query.SQL(), generated.SQL)
	}

	corrected := "SELECT * FROM flights WHERE origin_airport = 'JFK'"
	verdict, _ := textql.ParseVerdict("no")
	result, err := h.service.SubmitFeedback(ctx, "", feedback.Input{Token: generated.Token, Verdict: verdict, CorrectedSQL: &corrected})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if result.Example == nil || result.Example.SQL != corrected {
		t.Fatalf("SubmitFeedback() example = %+v", result.Example)
	}

	if _, err := h.service.GenerateSQL(ctx, "", "Show flights from JFK"); err != nil {
		t.Fatalf("second GenerateSQL() error = %v", err)
	}
	second := h.generator.prompts[1]
	if !strings.Contains(second, "- Show flights from JFK: "+corrected) {
		t.Fatalf("second prompt missing the corrected example:\n%s", second)
	}
}

func TestAdversarialOutputIsRejectedAndNoTokenIssued(t *testing.T) {
	h := newHarness(t, flightsSource{})
	h.generator.reply = "Sure! Here's the SQL: SELECT * FROM flights; DROP TABLE flights;"

	_, err := h.service.GenerateSQL(context.Background(), "", "Show flights from JFK")
	if !errors.Is(err, textql.ErrUnsafeQuery) {
		t.Fatalf("GenerateSQL() error = %v, want ErrUnsafeQuery", err)
	}
	if h.tokens.Len() != 0 {
		t.Fatalf("token store has %d entries after a rejection", h.tokens.Len())
	}
	if h.executor.got.SQL != "" {
		t.Fatal("executor was called")
	}
}

func TestGenerateSQLFailureModes(t *testing.T) {
	cases := []struct {
		name     string
		source   flightsSource
		reply    string
		genErr   error
		question string
		want     error
	}{
		{name: "empty question", question: "  ", want: textql.ErrInvalidQuestion},
		{name: "context down", source: flightsSource{err: errors.New("connection refused")}, question: "q", want: textql.ErrContextUnavailable},
		{name: "model failed", genErr: textql.ErrGenerationFailed, question: "q", want: textql.ErrGenerationFailed},
		{name: "prose only", reply: "I cannot answer that.", question: "q", want: textql.ErrMalformedOutput},
		{name: "unknown table", reply: "SELECT * FROM passengers", question: "q", want: textql.ErrUnsafeQuery},
		{name: "mutation", reply: "DELETE FROM flights", question: "q", want: textql.ErrUnsafeQuery},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.source)
			h.generator.reply = tc.reply
			h.generator.err = tc.genErr
			if _, err := h.service.GenerateSQL(context.Background(), "", tc.question); !errors.Is(err, tc.want) {
				t.Fatalf("GenerateSQL() error = %v, want %v", err, tc.want)
			}
			if h.tokens.Len() != 0 {
				t.Fatal("no token may be issued on failure")
			}
		})
	}
}

func TestExecuteQueryPaginatesAndCapsPageSize(t *testing.T) {
	h := newHarness(t, flightsSource{})
	h.generator.reply = "SELECT origin FROM flights"
	generated, err := h.service.GenerateSQL(context.Background(), "alice", "origins")
	if err != nil {
		t.Fatalf("GenerateSQL() error = %v", err)
	}
	h.executor.result = query.Result{Columns: []string{"origin"}, Rows: [][]any{{"a"}, {"b"}, {"c"}, {"d"}, {"e"}}}

	page, err := h.service.ExecuteQuery(context.Background(), "alice", generated.Token, 2, 0)
	if err != nil {
		t.Fatalf("ExecuteQuery() error = %v", err)
	}
	if h.executor.got.SQL != generated.SQL {
		t.Fatalf("executor got %q, want %q", h.executor.got.SQL, generated.SQL)
	}
	if page.PageSize != 2 || len(page.Rows) != 2 || page.Rows[0][0] != "c" || page.TotalPages != 3 {
		t.Fatalf("page = %+v", page)
	}

	page, err = h.service.ExecuteQuery(context.Background(), "alice", generated.Token, 1, 100)
	if err != nil {
		t.Fatalf("ExecuteQuery() error = %v", err)
	}
	if page.PageSize != 3 || len(page.Rows) != 3 {
		t.Fatalf("page size not capped: %+v", page)
	}

	page, err = h.service.ExecuteQuery(context.Background(), "alice", generated.Token, 9, 2)
	if err != nil {
		t.Fatalf("ExecuteQuery() past the end error = %v", err)
	}
	if len(page.Rows) != 0 {
		t.Fatalf("page past the end has %d rows", len(page.Rows))
	}
}

func TestExecuteQueryErrors(t *testing.T) {
	h := newHarness(t, flightsSource{})
	h.generator.reply = "SELECT origin FROM flights"
	generated, err := h.service.GenerateSQL(context.Background(), "", "origins")
	if err != nil {
		t.Fatalf("GenerateSQL() error = %v", err)
	}

	if _, err := h.service.ExecuteQuery(context.Background(), "", "nope", 1, 10); !errors.Is(err, textql.ErrTokenNotFound) {
		t.Fatalf("ExecuteQuery() error = %v, want ErrTokenNotFound", err)
	}

	h.executor.err = context.DeadlineExceeded
	if _, err := h.service.ExecuteQuery(context.Background(), "", generated.Token, 1, 10); !errors.Is(err, textql.ErrExecutionTimeout) {
		t.Fatalf("ExecuteQuery() error = %v, want ErrExecutionTimeout", err)
	}

	h.executor.err = errors.New(`Catalog Error: Table with name "secret_internal" does not exist`)
	_, err = h.service.ExecuteQuery(context.Background(), "", generated.Token, 1, 10)
	if !errors.Is(err, textql.ErrExecutionFailed) {
		t.Fatalf("ExecuteQuery() error = %v, want ErrExecutionFailed", err)
	}
	if strings.Contains(err.Error(), "secret_internal") {
		t.Fatalf("execution error leaks driver text: %v", err)
	}
}

func TestSchemaReturnsSamples(t *testing.T) {
	h := newHarness(t, flightsSource{})
	schema, samples, err := h.service.Schema(context.Background())
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	if !schema.Has("flights") || len(samples["flights"].Rows) != 1 {
		t.Fatalf("Schema() = %+v, %+v", schema, samples)
	}
}
