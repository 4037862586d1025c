package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/textql/textql/internal/feedback"
	"github.com/textql/textql/internal/nl2sql"
	"github.com/textql/textql/internal/query"
	"github.com/textql/textql/internal/textql"
)

func TestGenerateReturnsTokenAndSQL(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	pipeline := &fakePipeline{generated: nl2sql.Generated{
		SQL:          "SELECT * FROM flights WHERE origin = 'JFK'",
		DisplaySQL:   "SELECT *\nFROM flights\nWHERE origin = 'JFK'",
		Token:        "tok-1",
		ExpiresAt:    testExpiry,
		ExamplesUsed: 2,
	}}
	h := NewHandler(cfg, Dependencies{Pipeline: pipeline})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, jsonRequest(http.MethodPost, "/v1/sql/generate", `{"question":"Show flights from JFK"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["token"] != "tok-1" || body["sql"] != pipeline.generated.SQL {
		t.Fatalf("body = %v", body)
	}
	if body["examples_used"] != float64(2) {
		t.Fatalf("examples_used = %v", body["examples_used"])
	}
	if body["expires_at"] != testExpiry.Format(time.RFC3339) {
		t.Fatalf("expires_at = %v", body["expires_at"])
	}
	if pipeline.gotQuestion != "Show flights from JFK" {
		t.Fatalf("question = %q", pipeline.gotQuestion)
	}
}

func TestGenerateRejectsBadBodies(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	cases := []struct {
		name string
		body string
		code string
	}{
		{name: "not json", body: `question`, code: "INVALID_JSON"},
		{name: "unknown field", body: `{"question":"q","sql":"DROP TABLE x"}`, code: "INVALID_JSON"},
		{name: "blank question", body: `{"question":"   "}`, code: "INVALID_QUESTION"},
		{name: "oversized body", body: `{"question":"` + strings.Repeat("a", maxRequestBodyBytes) + `"}`, code: "INVALID_JSON"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pipeline := &fakePipeline{}
			h := NewHandler(cfg, Dependencies{Pipeline: pipeline})
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, jsonRequest(http.MethodPost, "/v1/sql/generate", tc.body))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rr.Code)
			}
			if body := decodeBody(t, rr); body["error_code"] != tc.code {
				t.Fatalf("error_code = %v, want %s", body["error_code"], tc.code)
			}
			if pipeline.calls != 0 {
				t.Fatal("pipeline called for a bad body")
			}
		})
	}
}

func TestPipelineErrorsMapToStatus(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	cases := []struct {
		err       error
		status    int
		code      string
		retryable bool
	}{
		{err: fmt.Errorf("%w: question has 900 characters", textql.ErrInvalidQuestion), status: http.StatusBadRequest, code: "INVALID_QUESTION"},
		{err: textql.ErrMalformedOutput, status: http.StatusUnprocessableEntity, code: "MALFORMED_OUTPUT"},
		{err: &textql.UnsafeQueryError{Reason: "mutation", Clause: "DROP TABLE flights"}, status: http.StatusUnprocessableEntity, code: "UNSAFE_QUERY"},
		{err: fmt.Errorf("%w: upstream 503", textql.ErrGenerationFailed), status: http.StatusBadGateway, code: "GENERATION_FAILED", retryable: true},
		{err: fmt.Errorf("%w: dial tcp 10.0.0.5:5432", textql.ErrContextUnavailable), status: http.StatusServiceUnavailable, code: "CONTEXT_UNAVAILABLE", retryable: true},
		{err: fmt.Errorf("pq: password authentication failed"), status: http.StatusInternalServerError, code: "INTERNAL", retryable: true},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			h := NewHandler(cfg, Dependencies{Pipeline: &fakePipeline{err: tc.err}})
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, jsonRequest(http.MethodPost, "/v1/sql/generate", `{"question":"q"}`))
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d", rr.Code, tc.status)
			}
			body := decodeBody(t, rr)
			if body["error_code"] != tc.code {
				t.Fatalf("error_code = %v, want %s", body["error_code"], tc.code)
			}
			if body["retryable"] != tc.retryable {
				t.Fatalf("retryable = %v, want %v", body["retryable"], tc.retryable)
			}
			message, _ := body["message"].(string)
			if strings.Contains(message, "10.0.0.5") || strings.Contains(message, "password") {
				t.Fatalf("message leaks internals: %q", message)
			}
		})
	}
}

func TestUnsafeQueryCarriesReason(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	h := NewHandler(cfg, Dependencies{Pipeline: &fakePipeline{err: &textql.UnsafeQueryError{Reason: "multiple_statements", Clause: "DROP TABLE flights"}}})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, jsonRequest(http.MethodPost, "/v1/sql/generate", `{"question":"q"}`))
	body := decodeBody(t, rr)
	extra, _ := body["context"].(map[string]any)
	if extra["reason"] != "multiple_statements" || extra["clause"] != "DROP TABLE flights" {
		t.Fatalf("context = %v", body["context"])
	}
}

func TestGenerateIsRateLimitedPerCaller(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	pipeline := &fakePipeline{generated: nl2sql.Generated{SQL: "SELECT 1", Token: "tok"}}
	h := NewHandler(cfg, Dependencies{Pipeline: pipeline, GenerateLimiter: NewRateLimiter(time.Hour, 1)})

	first := jsonRequest(http.MethodPost, "/v1/sql/generate", `{"question":"q"}`)
	first.RemoteAddr = "10.1.1.1:5000"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, first)
	if rr.Code != http.StatusOK {
		t.Fatalf("first status = %d", rr.Code)
	}

	second := jsonRequest(http.MethodPost, "/v1/sql/generate", `{"question":"q"}`)
	second.RemoteAddr = "10.1.1.1:5001"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, second)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	if body := decodeBody(t, rr); body["error_code"] != "RATE_LIMITED" || body["retryable"] != true {
		t.Fatalf("body = %v", body)
	}

	other := jsonRequest(http.MethodPost, "/v1/sql/generate", `{"question":"q"}`)
	other.RemoteAddr = "10.2.2.2:5000"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, other)
	if rr.Code != http.StatusOK {
		t.Fatalf("other caller status = %d", rr.Code)
	}
	if pipeline.calls != 2 {
		t.Fatalf("pipeline calls = %d, want 2", pipeline.calls)
	}
}

func TestExecuteReturnsPage(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	pipeline := &fakePipeline{page: query.Page{
		Columns:    []string{"origin", "flights"},
		Rows:       [][]any{{"JFK", int64(3)}},
		Page:       2,
		PageSize:   1,
		TotalRows:  2,
		TotalPages: 2,
	}}
	h := NewHandler(cfg, Dependencies{Pipeline: pipeline})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, jsonRequest(http.MethodPost, "/v1/sql/execute", `{"token":" tok-1 ","page":2,"page_size":1}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if pipeline.gotToken != "tok-1" || pipeline.gotPage != 2 || pipeline.gotPageSize != 1 {
		t.Fatalf("pipeline got token=%q page=%d size=%d", pipeline.gotToken, pipeline.gotPage, pipeline.gotPageSize)
	}
	body := decodeBody(t, rr)
	if body["total_rows"] != float64(2) || body["total_pages"] != float64(2) || body["truncated"] != false {
		t.Fatalf("body = %v", body)
	}
	rows, _ := body["rows"].([]any)
	if len(rows) != 1 {
		t.Fatalf("rows = %v", body["rows"])
	}
}

func TestExecuteValidatesRequest(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	cases := []struct {
		body string
		code string
	}{
		{body: `{"page":1}`, code: "TOKEN_REQUIRED"},
		{body: `{"token":"t","page":-1}`, code: "INVALID_PAGE"},
		{body: `{"token":"t","sql":"SELECT 1"}`, code: "INVALID_JSON"},
	}
	for _, tc := range cases {
		pipeline := &fakePipeline{}
		h := NewHandler(cfg, Dependencies{Pipeline: pipeline})
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, jsonRequest(http.MethodPost, "/v1/sql/execute", tc.body))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", tc.body, rr.Code)
		}
		if body := decodeBody(t, rr); body["error_code"] != tc.code {
			t.Fatalf("%s: error_code = %v, want %s", tc.body, body["error_code"], tc.code)
		}
		if pipeline.calls != 0 {
			t.Fatalf("%s: pipeline called", tc.body)
		}
	}
}

func TestExecuteTokenErrors(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	cases := []struct {
		err    error
		status int
	}{
		{err: textql.ErrTokenNotFound, status: http.StatusNotFound},
		{err: textql.ErrTokenExpired, status: http.StatusGone},
		{err: textql.ErrExecutionTimeout, status: http.StatusGatewayTimeout},
		{err: textql.ErrExecutionFailed, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		h := NewHandler(cfg, Dependencies{Pipeline: &fakePipeline{err: tc.err}})
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, jsonRequest(http.MethodPost, "/v1/sql/execute", `{"token":"t"}`))
		if rr.Code != tc.status {
			t.Fatalf("%v: status = %d, want %d", tc.err, rr.Code, tc.status)
		}
	}
}

func TestFeedbackRecordsCorrection(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	corrected := "SELECT * FROM flights WHERE origin_airport = 'JFK'"
	pipeline := &fakePipeline{result: feedback.Result{
		Record:  textql.FeedbackRecord{ID: "fb-1", Verdict: textql.VerdictRejected, CorrectedSQL: &corrected},
		Example: &textql.Example{ID: 42, SQL: corrected},
	}}
	h := NewHandler(cfg, Dependencies{Pipeline: pipeline})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, jsonRequest(http.MethodPost, "/v1/feedback", `{"token":"tok-1","verdict":"no","corrected_sql":"`+corrected+`"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if pipeline.gotFeedback.Verdict != textql.VerdictRejected {
		t.Fatalf("verdict = %q", pipeline.gotFeedback.Verdict)
	}
	if pipeline.gotFeedback.CorrectedSQL == nil || *pipeline.gotFeedback.CorrectedSQL != corrected {
		t.Fatalf("corrected sql = %v", pipeline.gotFeedback.CorrectedSQL)
	}
	body := decodeBody(t, rr)
	if body["feedback_id"] != "fb-1" || body["example_added"] != true || body["example_id"] != float64(42) {
		t.Fatalf("body = %v", body)
	}
}

func TestFeedbackWithoutExampleOmitsID(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	pipeline := &fakePipeline{result: feedback.Result{Record: textql.FeedbackRecord{ID: "fb-2", Verdict: textql.VerdictRejected}}}
	h := NewHandler(cfg, Dependencies{Pipeline: pipeline})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, jsonRequest(http.MethodPost, "/v1/feedback", `{"token":"tok","verdict":"rejected"}`))
	body := decodeBody(t, rr)
	if body["example_added"] != false {
		t.Fatalf("example_added = %v", body["example_added"])
	}
	if _, ok := body["example_id"]; ok {
		t.Fatalf("example_id present: %v", body)
	}
}

func TestFeedbackRejectsUnknownVerdict(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	pipeline := &fakePipeline{}
	h := NewHandler(cfg, Dependencies{Pipeline: pipeline})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, jsonRequest(http.MethodPost, "/v1/feedback", `{"token":"tok","verdict":"maybe"}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error_code"] != "INVALID_FEEDBACK" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
	if pipeline.calls != 0 {
		t.Fatal("pipeline called for an unknown verdict")
	}
}

func TestSchemaListsTablesWithSamples(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	pipeline := &fakePipeline{
		schema: textql.SchemaDescriptor{Tables: []textql.Table{
			{Name: "airports", Columns: []textql.Column{{Name: "code", Type: "VARCHAR"}}},
			{Name: "flights", Columns: []textql.Column{{Name: "origin", Type: "VARCHAR"}, {Name: "delay", Type: "INTEGER"}}},
		}},
		samples: textql.SampleSet{"flights": {Columns: []string{"origin", "delay"}, Rows: [][]any{{"JFK", 12}}}},
	}
	h := NewHandler(cfg, Dependencies{Pipeline: pipeline})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	tables, _ := decodeBody(t, rr)["tables"].([]any)
	if len(tables) != 2 {
		t.Fatalf("tables = %v", tables)
	}
	airports := tables[0].(map[string]any)
	if rows, _ := airports["sample_rows"].([]any); airports["name"] != "airports" || rows == nil || len(rows) != 0 {
		t.Fatalf("airports = %v", airports)
	}
	flights := tables[1].(map[string]any)
	columns, _ := flights["columns"].([]any)
	rows, _ := flights["sample_rows"].([]any)
	if len(columns) != 2 || len(rows) != 1 {
		t.Fatalf("flights = %v", flights)
	}
}
