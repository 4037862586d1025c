package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/textql/textql/internal/auth"
	"github.com/textql/textql/internal/feedback"
	"github.com/textql/textql/internal/textql"
)

type generateRequest struct {
	Question string `json:"question"`
}

type generateResponse struct {
	SQL          string    `json:"sql"`
	DisplaySQL   string    `json:"display_sql"`
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExamplesUsed int       `json:"examples_used"`
}

type executeRequest struct {
	Token    string `json:"token"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

type executeResponse struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalRows  int      `json:"total_rows"`
	TotalPages int      `json:"total_pages"`
	Truncated  bool     `json:"truncated"`
}

type feedbackRequest struct {
	Token        string  `json:"token"`
	Verdict      string  `json:"verdict"`
	CorrectedSQL *string `json:"corrected_sql"`
}

type feedbackResponse struct {
	FeedbackID   string `json:"feedback_id"`
	Verdict      string `json:"verdict"`
	ExampleAdded bool   `json:"example_added"`
	ExampleID    *int64 `json:"example_id,omitempty"`
}

type schemaColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type schemaTable struct {
	Name          string         `json:"name"`
	Columns       []schemaColumn `json:"columns"`
	SampleColumns []string       `json:"sample_columns"`
	SampleRows    [][]any        `json:"sample_rows"`
}

func handleGenerate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "sql generation is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAnalyst); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request generateRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid generate request body", false, map[string]any{"details": err.Error()})
		return
	}

	// Blank questions are rejected before they spend a rate limit token.
	if strings.TrimSpace(request.Question) == "" {
		writePipelineError(deps, w, r, fmt.Errorf("%w: question is empty", textql.ErrInvalidQuestion))
		return
	}
	if deps.GenerateLimiter != nil {
		if ok, delay := deps.GenerateLimiter.Allow(callerKey(r)); !ok {
			w.Header().Set("Retry-After", retryAfterSeconds(delay))
			writeError(r.Context(), w, http.StatusTooManyRequests, "RATE_LIMITED", "too many generation requests; slow down", true, map[string]any{
				"retry_after_ms": delay.Milliseconds(),
			})
			return
		}
	}

	generated, err := deps.Pipeline.GenerateSQL(r.Context(), auth.Subject(r.Context()), request.Question)
	if err != nil {
		writePipelineError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{
		SQL:          generated.SQL,
		DisplaySQL:   generated.DisplaySQL,
		Token:        generated.Token,
		ExpiresAt:    generated.ExpiresAt,
		ExamplesUsed: generated.ExamplesUsed,
	})
}

func handleExecute(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "query execution is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAnalyst); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request executeRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid execute request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Token) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TOKEN_REQUIRED", "token is required", false, nil)
		return
	}
	if request.Page < 0 || request.PageSize < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PAGE", "page and page_size must not be negative", false, nil)
		return
	}

	page, err := deps.Pipeline.ExecuteQuery(r.Context(), auth.Subject(r.Context()), strings.TrimSpace(request.Token), request.Page, request.PageSize)
	if err != nil {
		writePipelineError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		Columns:    page.Columns,
		Rows:       page.Rows,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalRows:  page.TotalRows,
		TotalPages: page.TotalPages,
		Truncated:  page.Truncated,
	})
}

func handleFeedback(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "feedback is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleReviewer); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request feedbackRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid feedback request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Token) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TOKEN_REQUIRED", "token is required", false, nil)
		return
	}
	verdict, ok := textql.ParseVerdict(request.Verdict)
	if !ok {
		writePipelineError(deps, w, r, fmt.Errorf("%w: verdict must be approved or rejected", textql.ErrInvalidFeedback))
		return
	}

	result, err := deps.Pipeline.SubmitFeedback(r.Context(), auth.Subject(r.Context()), feedback.Input{
		Token:        strings.TrimSpace(request.Token),
		Verdict:      verdict,
		CorrectedSQL: request.CorrectedSQL,
	})
	if err != nil {
		writePipelineError(deps, w, r, err)
		return
	}

	response := feedbackResponse{
		FeedbackID:   result.Record.ID,
		Verdict:      string(result.Record.Verdict),
		ExampleAdded: result.Example != nil,
	}
	if result.Example != nil {
		id := result.Example.ID
		response.ExampleID = &id
	}
	writeJSON(w, http.StatusOK, response)
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "schema is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAnalyst); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	schema, samples, err := deps.Pipeline.Schema(r.Context())
	if err != nil {
		writePipelineError(deps, w, r, err)
		return
	}

	tables := make([]schemaTable, 0, len(schema.Tables))
	for _, table := range schema.Tables {
		columns := make([]schemaColumn, 0, len(table.Columns))
		for _, column := range table.Columns {
			columns = append(columns, schemaColumn{Name: column.Name, Type: column.Type})
		}
		entry := schemaTable{Name: table.Name, Columns: columns, SampleColumns: []string{}, SampleRows: [][]any{}}
		if sample, ok := samples[table.Name]; ok {
			entry.SampleColumns = append(entry.SampleColumns, sample.Columns...)
			entry.SampleRows = append(entry.SampleRows, sample.Rows...)
		}
		tables = append(tables, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}
