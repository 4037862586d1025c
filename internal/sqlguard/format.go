package sqlguard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/textql/textql/internal/textql"
)

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:[A-Za-z0-9_+-]*[ \\t]*\\r?\\n)?(.*?)```")

// statementKeywords are the verbs that may open a statement. Mutating verbs
// are listed so a model that answers with DROP is reported as unsafe rather
// than as unparseable.
var statementKeywords = map[string]struct{}{
	"SELECT": {}, "WITH": {}, "VALUES": {}, "TABLE": {}, "FROM": {},
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "MERGE": {}, "UPSERT": {}, "REPLACE": {},
	"DROP": {}, "ALTER": {}, "CREATE": {}, "TRUNCATE": {}, "GRANT": {}, "REVOKE": {},
	"ATTACH": {}, "DETACH": {}, "COPY": {}, "EXPORT": {}, "IMPORT": {}, "INSTALL": {},
	"LOAD": {}, "PRAGMA": {}, "SET": {}, "RESET": {}, "CALL": {}, "EXEC": {},
	"EXECUTE": {}, "VACUUM": {}, "CHECKPOINT": {}, "BEGIN": {}, "COMMIT": {},
	"ROLLBACK": {}, "EXPLAIN": {}, "SHOW": {}, "DESCRIBE": {}, "SUMMARIZE": {},
	"USE": {}, "DECLARE": {}, "PREPARE": {},
}

// clauseKeywords may open a continuation line of a statement that the model
// split with a blank line.
var clauseKeywords = map[string]struct{}{
	"FROM": {}, "WHERE": {}, "GROUP": {}, "ORDER": {}, "HAVING": {}, "LIMIT": {},
	"OFFSET": {}, "JOIN": {}, "LEFT": {}, "RIGHT": {}, "INNER": {}, "OUTER": {},
	"FULL": {}, "CROSS": {}, "NATURAL": {}, "UNION": {}, "INTERSECT": {},
	"EXCEPT": {}, "WINDOW": {}, "QUALIFY": {}, "FETCH": {},
}

var statementStartPattern = regexp.MustCompile(`(?i)\b(` + keywordAlternation() + `)\b`)

func keywordAlternation() string {
	words := []string{
		"SELECT", "WITH", "VALUES", "INSERT", "UPDATE", "DELETE", "MERGE", "UPSERT", "REPLACE",
		"DROP", "ALTER", "CREATE", "TRUNCATE", "GRANT", "REVOKE", "ATTACH", "DETACH", "COPY",
		"EXPORT", "IMPORT", "INSTALL", "LOAD", "PRAGMA", "SET", "RESET", "CALL", "EXEC",
		"EXECUTE", "VACUUM", "CHECKPOINT", "BEGIN", "COMMIT", "ROLLBACK", "EXPLAIN", "SHOW",
		"DESCRIBE", "SUMMARIZE", "USE", "DECLARE", "PREPARE",
	}
	return strings.Join(words, "|")
}

// Format turns raw model output into a single normalized candidate
// statement. It strips code fences, leading prose such as "Here is the
// query:", a leading "SQL" label, comments, trailing prose and trailing
// semicolons. It never decides whether the statement is safe; a second
// statement glued on with a semicolon is kept so Validate can reject it.
//
// Output with no recognizable statement, or with more than one candidate
// the caller would have to choose between, fails with ErrMalformedOutput.
func Format(raw string) (string, error) {
	text := strings.TrimSpace(strings.ReplaceAll(raw, "\r\n", "\n"))
	if text == "" {
		return "", malformed("empty model output")
	}

	body, err := extractFenced(text)
	if err != nil {
		return "", err
	}

	start := findStatementStart(body, false)
	if start < 0 {
		return "", malformed("no SQL statement found")
	}
	body = body[start:]

	tokens, rest, err := collectStatement(body)
	if err != nil {
		return "", malformed(err.Error())
	}
	if findStatementStart(rest, true) >= 0 {
		return "", malformed("multiple candidate statements")
	}

	for len(tokens) > 0 && tokens[len(tokens)-1].kind == tokSemicolon {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return "", malformed("no SQL statement found")
	}
	return render(tokens), nil
}

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", textql.ErrMalformedOutput, reason)
}

// extractFenced returns the body of the single fenced block in text, or text
// itself when nothing is fenced. Several fenced blocks that each hold a
// statement are ambiguous.
func extractFenced(text string) (string, error) {
	matches := fencedBlockPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		if idx := strings.Index(text, "```"); idx >= 0 {
			// Unclosed fence: keep everything after the opening line.
			after := text[idx+3:]
			if nl := strings.IndexByte(after, '\n'); nl >= 0 && !strings.ContainsAny(after[:nl], " \t") {
				after = after[nl+1:]
			}
			return strings.TrimSpace(after), nil
		}
		return text, nil
	}

	var candidates []string
	for _, match := range matches {
		content := strings.TrimSpace(match[1])
		if findStatementStart(content, false) >= 0 {
			candidates = append(candidates, content)
		}
	}
	switch len(candidates) {
	case 0:
		return strings.TrimSpace(matches[0][1]), nil
	case 1:
		return candidates[0], nil
	default:
		return "", malformed("multiple SQL code blocks")
	}
}

// findStatementStart locates the byte offset where a statement begins. A
// keyword written in one case that opens a line or follows a colon wins;
// otherwise the first upper-case keyword does. Title-case words such as
// "With" or "Select" open sentences, not statements. Strict mode only
// accepts the first kind.
func findStatementStart(text string, strict bool) int {
	locs := statementStartPattern.FindAllStringIndex(text, -1)
	for _, loc := range locs {
		word := text[loc[0]:loc[1]]
		if word != strings.ToUpper(word) && word != strings.ToLower(word) {
			continue
		}
		if opensLine(text, loc[0]) || followsColon(text, loc[0]) {
			return loc[0]
		}
	}
	if strict {
		return -1
	}
	for _, loc := range locs {
		word := text[loc[0]:loc[1]]
		if word == strings.ToUpper(word) {
			return loc[0]
		}
	}
	return -1
}

func opensLine(text string, offset int) bool {
	for i := offset - 1; i >= 0; i-- {
		switch text[i] {
		case ' ', '\t':
			continue
		case '\n':
			return true
		default:
			return false
		}
	}
	return true
}

func followsColon(text string, offset int) bool {
	for i := offset - 1; i >= 0; i-- {
		switch text[i] {
		case ' ', '\t', '\n':
			continue
		case ':':
			return true
		default:
			return false
		}
	}
	return false
}

// collectStatement lexes body until the statement ends and returns the
// tokens plus whatever text was left behind. A top-level semicolon ends the
// statement unless SQL follows it; a blank line ends it unless the next line
// continues with a clause keyword.
func collectStatement(body string) ([]token, string, error) {
	lx := newLexer(body)
	var tokens []token
	depth := 0
	for {
		mark := lx.pos
		tok, err := lx.next()
		if err != nil {
			return nil, "", err
		}
		if tok.kind == tokEOF {
			return tokens, "", nil
		}
		if depth == 0 && len(tokens) > 0 && tok.newlines > 0 {
			if tok.newlines >= 2 && !continuesStatement(tokens[len(tokens)-1], tok) {
				return tokens, body[mark:], nil
			}
			if tok.kind == tokWord && looksLikeProse(lineFrom(body, tok.pos)) {
				return tokens, body[mark:], nil
			}
		}
		tokens = append(tokens, tok)
		switch tok.kind {
		case tokLParen:
			depth++
		case tokRParen:
			if depth > 0 {
				depth--
			}
		case tokSemicolon:
			if depth == 0 {
				more, err := followedByStatement(body[tok.end:])
				if err != nil {
					return nil, "", err
				}
				if !more {
					return tokens, body[tok.end:], nil
				}
			}
		}
	}
}

func continuesStatement(prev, tok token) bool {
	if prev.kind == tokSemicolon {
		return tok.kind == tokWord && isStatementKeyword(tok.value)
	}
	if tok.kind != tokWord {
		return true
	}
	if isStatementKeyword(tok.value) {
		return true
	}
	_, ok := clauseKeywords[tok.value]
	return ok
}

// looksLikeProse reports whether a line reads as an explanatory sentence:
// it opens with a word SQL would not start a line with and ends like a
// sentence.
func looksLikeProse(line string) bool {
	line = strings.TrimSpace(line)
	if !strings.HasSuffix(line, ".") && !strings.HasSuffix(line, ":") {
		return false
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return false
	}
	first := strings.ToUpper(strings.TrimRight(fields[0], ",:"))
	if isStatementKeyword(first) {
		return false
	}
	if _, ok := clauseKeywords[first]; ok {
		return false
	}
	_, ok := connectiveKeywords[first]
	return !ok
}

var connectiveKeywords = map[string]struct{}{
	"AND": {}, "OR": {}, "ON": {}, "NOT": {}, "AS": {}, "CASE": {}, "WHEN": {},
	"THEN": {}, "ELSE": {}, "END": {}, "USING": {}, "BY": {}, "IN": {}, "IS": {},
}

func lineFrom(text string, offset int) string {
	if nl := strings.IndexByte(text[offset:], '\n'); nl >= 0 {
		return text[offset : offset+nl]
	}
	return text[offset:]
}

// followedByStatement reports whether the first token after a top-level
// semicolon, comments skipped and in any case, opens another statement.
func followedByStatement(text string) (bool, error) {
	tok, err := newLexer(text).next()
	if err != nil {
		return false, err
	}
	switch tok.kind {
	case tokSemicolon, tokLParen:
		return true, nil
	case tokWord:
		return isStatementKeyword(tok.value), nil
	default:
		return false, nil
	}
}

func isStatementKeyword(upper string) bool {
	_, ok := statementKeywords[upper]
	return ok
}
