package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/textql/textql/internal/textql"
)

type errorResponse struct {
	status  int
	message string
}

// Messages are fixed per code so store and driver errors never reach the
// caller. Question, feedback and safety errors are user facing and carry
// their own text.
var errorResponses = map[textql.Code]errorResponse{
	textql.CodeInvalidQuestion:    {http.StatusBadRequest, ""},
	textql.CodeInvalidFeedback:    {http.StatusBadRequest, ""},
	textql.CodeMalformedOutput:    {http.StatusUnprocessableEntity, "the model did not return exactly one SQL statement; generate again"},
	textql.CodeUnsafeQuery:        {http.StatusUnprocessableEntity, "the SQL was rejected by the safety policy"},
	textql.CodeGenerationFailed:   {http.StatusBadGateway, "the language model did not answer; try again"},
	textql.CodeContextUnavailable: {http.StatusServiceUnavailable, "schema or example context is unavailable; try again"},
	textql.CodeTokenNotFound:      {http.StatusNotFound, "query token not found; generate the query again"},
	textql.CodeTokenExpired:       {http.StatusGone, "query token expired; generate the query again"},
	textql.CodeExecutionTimeout:   {http.StatusGatewayTimeout, "query execution timed out"},
	textql.CodeExecutionFailed:    {http.StatusBadRequest, "query execution failed"},
	textql.CodeCanceled:           {http.StatusRequestTimeout, "request canceled"},
	textql.CodeInternal:           {http.StatusInternalServerError, "internal error"},
}

func writePipelineError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	classification := textql.Classify(err)
	response, ok := errorResponses[classification.Code]
	if !ok {
		response = errorResponses[textql.CodeInternal]
	}

	message := response.message
	if message == "" {
		message = err.Error()
	}

	var extra map[string]any
	var unsafe *textql.UnsafeQueryError
	if errors.As(err, &unsafe) {
		extra = map[string]any{"reason": unsafe.Reason, "clause": unsafe.Clause}
	}

	if classification.Code == textql.CodeInternal && deps.Logger != nil {
		deps.Logger.ErrorContext(r.Context(), "unclassified pipeline error", slog.Any("error", err))
	}
	writeError(r.Context(), w, response.status, string(classification.Code), message, classification.Retryable, extra)
}
