package sqlguard

import "strings"

var prettyKeywords = map[string]struct{}{
	"SELECT": {}, "DISTINCT": {}, "FROM": {}, "WHERE": {}, "GROUP": {}, "BY": {},
	"HAVING": {}, "ORDER": {}, "LIMIT": {}, "OFFSET": {}, "JOIN": {}, "LEFT": {},
	"RIGHT": {}, "INNER": {}, "OUTER": {}, "FULL": {}, "CROSS": {}, "NATURAL": {},
	"ON": {}, "USING": {}, "AS": {}, "AND": {}, "OR": {}, "NOT": {}, "IN": {},
	"IS": {}, "NULL": {}, "LIKE": {}, "ILIKE": {}, "BETWEEN": {}, "CASE": {},
	"WHEN": {}, "THEN": {}, "ELSE": {}, "END": {}, "WITH": {}, "UNION": {},
	"ALL": {}, "INTERSECT": {}, "EXCEPT": {}, "ASC": {}, "DESC": {}, "OVER": {},
	"PARTITION": {}, "QUALIFY": {}, "WINDOW": {}, "EXISTS": {}, "CAST": {},
	"TRUE": {}, "FALSE": {}, "NULLS": {}, "FIRST": {}, "LAST": {}, "RECURSIVE": {},
	"COUNT": {}, "SUM": {}, "AVG": {}, "MIN": {}, "MAX": {},
}

// lineBreakers start a new line when they appear outside parentheses. Only
// the first word of a multi-word clause is listed.
var lineBreakers = map[string]struct{}{
	"FROM": {}, "WHERE": {}, "GROUP": {}, "HAVING": {}, "ORDER": {}, "LIMIT": {},
	"OFFSET": {}, "JOIN": {}, "LEFT": {}, "RIGHT": {}, "INNER": {}, "FULL": {},
	"CROSS": {}, "NATURAL": {}, "UNION": {}, "INTERSECT": {}, "EXCEPT": {},
	"QUALIFY": {}, "WINDOW": {},
}

// Pretty renders a statement for display with upper-case keywords and one
// major clause per line. The result is cosmetic and must never be executed;
// input that does not lex is returned unchanged.
func Pretty(statement string) string {
	tokens, err := tokenize(statement)
	if err != nil || len(tokens) == 0 {
		return statement
	}
	var b strings.Builder
	depth := 0
	for i, tok := range tokens {
		text := tok.text
		if tok.kind == tokWord {
			if _, ok := prettyKeywords[tok.value]; ok {
				text = tok.value
			}
		}
		if i > 0 {
			_, breaks := lineBreakers[tok.value]
			prevJoinQualifier := tokens[i-1].kind == tokWord && isJoinQualifier(tokens[i-1].value)
			switch {
			case depth == 0 && tok.kind == tokWord && breaks && !prevJoinQualifier:
				b.WriteByte('\n')
			case tok.spaceBefore:
				b.WriteByte(' ')
			}
		}
		b.WriteString(text)
		switch tok.kind {
		case tokLParen:
			depth++
		case tokRParen:
			if depth > 0 {
				depth--
			}
		}
	}
	return b.String()
}

func isJoinQualifier(upper string) bool {
	switch upper {
	case "LEFT", "RIGHT", "INNER", "OUTER", "FULL", "CROSS", "NATURAL":
		return true
	default:
		return false
	}
}
