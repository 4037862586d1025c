package nl2sql

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/textql/textql/internal/textql"
)

const DefaultMaxQuestionLength = 500

// Sanitize strips control and invisible format characters, collapses
// whitespace and enforces maxLength in runes. Over-long questions are
// rejected rather than truncated.
func Sanitize(raw string, maxLength int) (textql.GenerationRequest, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxQuestionLength
	}
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == utf8.RuneError:
			return -1
		case unicode.IsControl(r), unicode.IsSpace(r):
			return ' '
		case unicode.Is(unicode.Cf, r):
			return -1
		default:
			return r
		}
	}, strings.ToValidUTF8(raw, ""))
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if cleaned == "" {
		return textql.GenerationRequest{}, fmt.Errorf("%w: question is empty", textql.ErrInvalidQuestion)
	}
	if n := utf8.RuneCountInString(cleaned); n > maxLength {
		return textql.GenerationRequest{}, fmt.Errorf("%w: question has %d characters, limit is %d", textql.ErrInvalidQuestion, n, maxLength)
	}
	return textql.GenerationRequest{RawQuestion: raw, SanitizedQuestion: cleaned}, nil
}
