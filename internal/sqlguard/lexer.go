package sqlguard

import (
	"errors"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokQuoted
	tokString
	tokNumber
	tokParam
	tokOp
	tokComma
	tokDot
	tokLParen
	tokRParen
	tokSemicolon
	tokIllegal
)

var (
	errUnterminatedString  = errors.New("unterminated string literal")
	errUnterminatedQuote   = errors.New("unterminated quoted identifier")
	errUnterminatedComment = errors.New("unterminated block comment")
)

type token struct {
	kind tokenKind
	// text is the exact source text of the token.
	text string
	// value is the upper-cased text for words and the unquoted name for
	// quoted identifiers.
	value       string
	pos         int
	end         int
	spaceBefore bool
	newlines    int
}

func (t token) isWord(upper string) bool {
	return t.kind == tokWord && t.value == upper
}

type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

func (l *lexer) next() (token, error) {
	spaced, newlines, err := l.skipSpaceAndComments()
	if err != nil {
		return token{}, err
	}
	start := l.pos
	tok := token{pos: start, spaceBefore: spaced, newlines: newlines}
	if l.pos >= len(l.input) {
		tok.kind = tokEOF
		tok.end = start
		return tok, nil
	}

	ch := l.input[l.pos]
	switch {
	case isWordStart(ch):
		for l.pos < len(l.input) && isWordPart(l.input[l.pos]) {
			l.pos++
		}
		tok.kind = tokWord
		tok.text = l.input[start:l.pos]
		tok.value = strings.ToUpper(tok.text)
	case isDigit(ch) || (ch == '.' && l.pos+1 < len(l.input) && isDigit(l.input[l.pos+1])):
		l.readNumber()
		tok.kind = tokNumber
		tok.text = l.input[start:l.pos]
		tok.value = tok.text
	case ch == '\'':
		value, err := l.readQuoted('\'')
		if err != nil {
			return token{}, errUnterminatedString
		}
		tok.kind = tokString
		tok.text = l.input[start:l.pos]
		tok.value = value
	case ch == '"' || ch == '`':
		value, err := l.readQuoted(ch)
		if err != nil {
			return token{}, errUnterminatedQuote
		}
		tok.kind = tokQuoted
		tok.text = l.input[start:l.pos]
		tok.value = value
	case ch == '$' && l.pos+1 < len(l.input) && isDigit(l.input[l.pos+1]):
		l.pos++
		for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
			l.pos++
		}
		tok.kind = tokParam
		tok.text = l.input[start:l.pos]
	case ch == '?':
		l.pos++
		tok.kind = tokParam
		tok.text = "?"
	case ch == ',':
		l.pos++
		tok.kind = tokComma
		tok.text = ","
	case ch == '.':
		l.pos++
		tok.kind = tokDot
		tok.text = "."
	case ch == '(':
		l.pos++
		tok.kind = tokLParen
		tok.text = "("
	case ch == ')':
		l.pos++
		tok.kind = tokRParen
		tok.text = ")"
	case ch == ';':
		l.pos++
		tok.kind = tokSemicolon
		tok.text = ";"
	case isOpChar(ch):
		for l.pos < len(l.input) && isOpChar(l.input[l.pos]) && !l.atComment() {
			l.pos++
		}
		tok.kind = tokOp
		tok.text = l.input[start:l.pos]
		if tok.text == "!" {
			tok.kind = tokIllegal
		}
	default:
		l.pos++
		// Keep multi-byte runes together so clauses quote cleanly.
		for l.pos < len(l.input) && l.input[l.pos]&0xC0 == 0x80 {
			l.pos++
		}
		tok.kind = tokIllegal
		tok.text = l.input[start:l.pos]
	}
	tok.end = l.pos
	return tok, nil
}

func (l *lexer) skipSpaceAndComments() (bool, int, error) {
	spaced := false
	newlines := 0
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case ch == '\n':
			newlines++
			spaced = true
			l.pos++
		case ch == ' ' || ch == '\t' || ch == '\r' || ch == '\f' || ch == '\v':
			spaced = true
			l.pos++
		case ch == '-' && l.peek(1) == '-':
			spaced = true
			for l.pos < len(l.input) && l.input[l.pos] != '\n' {
				l.pos++
			}
		case ch == '/' && l.peek(1) == '*':
			spaced = true
			closing := strings.Index(l.input[l.pos+2:], "*/")
			if closing < 0 {
				return spaced, newlines, errUnterminatedComment
			}
			newlines += strings.Count(l.input[l.pos:l.pos+2+closing], "\n")
			l.pos += closing + 4
		default:
			return spaced, newlines, nil
		}
	}
	return spaced, newlines, nil
}

func (l *lexer) atComment() bool {
	ch := l.input[l.pos]
	return (ch == '-' && l.peek(1) == '-') || (ch == '/' && l.peek(1) == '*')
}

func (l *lexer) peek(offset int) byte {
	if l.pos+offset >= len(l.input) {
		return 0
	}
	return l.input[l.pos+offset]
}

// readQuoted consumes a quoted run where a doubled quote escapes itself.
func (l *lexer) readQuoted(quote byte) (string, error) {
	var b strings.Builder
	l.pos++
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == quote {
			if l.peek(1) == quote {
				b.WriteByte(quote)
				l.pos += 2
				continue
			}
			l.pos++
			return b.String(), nil
		}
		b.WriteByte(ch)
		l.pos++
	}
	return "", errUnterminatedString
}

func (l *lexer) readNumber() {
	for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || l.input[l.pos] == '.' || l.input[l.pos] == '_') {
		l.pos++
	}
	if l.pos < len(l.input) && (l.input[l.pos] == 'e' || l.input[l.pos] == 'E') {
		save := l.pos
		l.pos++
		if l.pos < len(l.input) && (l.input[l.pos] == '+' || l.input[l.pos] == '-') {
			l.pos++
		}
		if l.pos < len(l.input) && isDigit(l.input[l.pos]) {
			for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
				l.pos++
			}
		} else {
			l.pos = save
		}
	}
}

func tokenize(input string) ([]token, error) {
	lx := newLexer(input)
	var tokens []token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		if tok.kind == tokEOF {
			return tokens, nil
		}
		tokens = append(tokens, tok)
	}
}

func render(tokens []token) string {
	var b strings.Builder
	for i, tok := range tokens {
		if i > 0 && tok.spaceBefore {
			b.WriteByte(' ')
		}
		b.WriteString(tok.text)
	}
	return b.String()
}

func isWordStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isWordPart(ch byte) bool {
	return isWordStart(ch) || isDigit(ch) || ch == '$'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isOpChar(ch byte) bool {
	switch ch {
	case '+', '-', '*', '/', '%', '=', '<', '>', '|', '&', '^', '~', '!', ':', '[', ']':
		return true
	default:
		return false
	}
}
