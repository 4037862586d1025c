package textql

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrContextUnavailable = errors.New("context store unavailable")
	ErrGenerationFailed   = errors.New("generation failed")
	ErrMalformedOutput    = errors.New("malformed model output")
	ErrUnsafeQuery        = errors.New("unsafe query")
	ErrTokenNotFound      = errors.New("query token not found")
	ErrTokenExpired       = errors.New("query token expired")
	ErrExecutionFailed    = errors.New("query execution failed")
	ErrExecutionTimeout   = errors.New("query execution timed out")
	ErrInvalidQuestion    = errors.New("invalid question")
	ErrInvalidFeedback    = errors.New("invalid feedback")
)

// UnsafeQueryError reports the clause that made a statement fail the
// safety policy.
type UnsafeQueryError struct {
	Reason string
	Clause string
}

func (e *UnsafeQueryError) Error() string {
	if e.Clause == "" {
		return fmt.Sprintf("unsafe query: %s", e.Reason)
	}
	return fmt.Sprintf("unsafe query: %s: %q", e.Reason, e.Clause)
}

func (e *UnsafeQueryError) Is(target error) bool {
	return target == ErrUnsafeQuery
}

type Code string

const (
	CodeContextUnavailable Code = "CONTEXT_UNAVAILABLE"
	CodeGenerationFailed   Code = "GENERATION_FAILED"
	CodeMalformedOutput    Code = "MALFORMED_OUTPUT"
	CodeUnsafeQuery        Code = "UNSAFE_QUERY"
	CodeTokenNotFound      Code = "TOKEN_NOT_FOUND"
	CodeTokenExpired       Code = "TOKEN_EXPIRED"
	CodeExecutionFailed    Code = "EXECUTION_FAILED"
	CodeExecutionTimeout   Code = "EXECUTION_TIMEOUT"
	CodeInvalidQuestion    Code = "INVALID_QUESTION"
	CodeInvalidFeedback    Code = "INVALID_FEEDBACK"
	CodeCanceled           Code = "CANCELED"
	CodeInternal           Code = "INTERNAL"
)

type Classification struct {
	Code      Code
	Retryable bool
}

// Classify maps an error from any pipeline stage onto its stable code.
// Unknown errors classify as internal and retryable.
func Classify(err error) Classification {
	switch {
	case err == nil:
		return Classification{}
	case errors.Is(err, ErrUnsafeQuery):
		return Classification{Code: CodeUnsafeQuery}
	case errors.Is(err, ErrMalformedOutput):
		return Classification{Code: CodeMalformedOutput}
	case errors.Is(err, ErrTokenNotFound):
		return Classification{Code: CodeTokenNotFound}
	case errors.Is(err, ErrTokenExpired):
		return Classification{Code: CodeTokenExpired}
	case errors.Is(err, ErrInvalidQuestion):
		return Classification{Code: CodeInvalidQuestion}
	case errors.Is(err, ErrInvalidFeedback):
		return Classification{Code: CodeInvalidFeedback}
	case errors.Is(err, ErrContextUnavailable):
		return Classification{Code: CodeContextUnavailable, Retryable: true}
	case errors.Is(err, ErrGenerationFailed):
		return Classification{Code: CodeGenerationFailed, Retryable: true}
	case errors.Is(err, ErrExecutionTimeout):
		return Classification{Code: CodeExecutionTimeout, Retryable: true}
	case errors.Is(err, ErrExecutionFailed):
		return Classification{Code: CodeExecutionFailed}
	case errors.Is(err, context.Canceled):
		return Classification{Code: CodeCanceled, Retryable: true}
	default:
		return Classification{Code: CodeInternal, Retryable: true}
	}
}
