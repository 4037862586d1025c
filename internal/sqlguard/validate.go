// Package sqlguard turns raw model output into a statement that is safe to
// hand to the executor. Format extracts one normalized candidate; Validate
// enforces the read-only policy against the current schema and is the only
// place a ValidatedQuery can be constructed.
package sqlguard

import (
	"strings"
	"time"

	"github.com/textql/textql/internal/textql"
)

const maxClauseLength = 80

// ValidatedQuery is a statement that passed the safety policy. The zero
// value is not a valid query.
type ValidatedQuery struct {
	sql      string
	issuedAt time.Time
}

func (q ValidatedQuery) SQL() string         { return q.sql }
func (q ValidatedQuery) IssuedAt() time.Time { return q.issuedAt }
func (q ValidatedQuery) IsZero() bool        { return q.sql == "" }

// Policy configures the validator. Zero fields fall back to the read-only
// defaults.
type Policy struct {
	// AllowedVerbs lists the statement verbs that may open a query.
	AllowedVerbs []string
	// AllowedTableFunctions may appear in FROM in place of a table.
	AllowedTableFunctions []string
	// AllowedFunctions admits individual functions from a restricted
	// family, for example duckdb_version.
	AllowedFunctions []string
	Now              func() time.Time
}

type Validator struct {
	verbs          map[string]struct{}
	tableFunctions map[string]struct{}
	functions      map[string]struct{}
	now            func() time.Time
}

func New(policy Policy) *Validator {
	verbs := policy.AllowedVerbs
	if len(verbs) == 0 {
		verbs = []string{"SELECT", "WITH"}
	}
	tableFunctions := policy.AllowedTableFunctions
	if tableFunctions == nil {
		tableFunctions = []string{"unnest", "generate_series", "range"}
	}
	now := policy.Now
	if now == nil {
		now = time.Now
	}
	v := &Validator{
		verbs:          make(map[string]struct{}, len(verbs)),
		tableFunctions: make(map[string]struct{}, len(tableFunctions)),
		functions:      make(map[string]struct{}, len(policy.AllowedFunctions)),
		now:            now,
	}
	for _, verb := range verbs {
		v.verbs[strings.ToUpper(verb)] = struct{}{}
	}
	for _, fn := range tableFunctions {
		v.tableFunctions[strings.ToLower(fn)] = struct{}{}
	}
	for _, fn := range policy.AllowedFunctions {
		v.functions[strings.ToLower(fn)] = struct{}{}
	}
	return v
}

// forbiddenKeywords never appear in a read-only query, wherever they sit.
var forbiddenKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "MERGE": {}, "UPSERT": {}, "REPLACE": {},
	"DROP": {}, "ALTER": {}, "CREATE": {}, "TRUNCATE": {}, "GRANT": {}, "REVOKE": {},
	"ATTACH": {}, "DETACH": {}, "COPY": {}, "EXPORT": {}, "IMPORT": {}, "INSTALL": {},
	"LOAD": {}, "PRAGMA": {}, "VACUUM": {}, "CHECKPOINT": {}, "INTO": {}, "EXECUTE": {},
	"BEGIN": {}, "COMMIT": {}, "ROLLBACK": {}, "SAVEPOINT": {}, "LOCK": {},
}

// callableKeywords are forbidden keywords that are harmless as function
// names, such as replace(s, 'a', 'b').
var callableKeywords = map[string]struct{}{
	"REPLACE": {},
}

// dangerousFunctions read files, reach other databases or expose engine
// internals.
var dangerousFunctions = map[string]struct{}{
	"read_csv": {}, "read_csv_auto": {}, "read_parquet": {}, "parquet_scan": {},
	"parquet_metadata": {}, "parquet_schema": {}, "read_json": {}, "read_json_auto": {},
	"read_ndjson": {}, "read_ndjson_auto": {}, "read_text": {}, "read_blob": {},
	"glob": {}, "sqlite_scan": {}, "sqlite_attach": {}, "postgres_scan": {},
	"postgres_query": {}, "mysql_scan": {}, "iceberg_scan": {}, "delta_scan": {},
	"query": {}, "query_table": {}, "getenv": {}, "load_extension": {},
	"duckdb_extensions": {}, "duckdb_settings": {}, "duckdb_databases": {},
	"duckdb_secrets": {}, "duckdb_tables": {}, "duckdb_columns": {},
	"pragma_database_list": {}, "pragma_table_info": {}, "pg_sleep": {},
	"pg_read_file": {}, "pg_read_binary_file": {}, "pg_ls_dir": {}, "pg_stat_file": {},
	"lo_import": {}, "lo_export": {}, "dblink": {}, "set_config": {},
	"current_setting": {}, "randomblob": {}, "zeroblob": {}, "sleep": {}, "benchmark": {},
}

// restrictedFunctionPrefixes name function families the engine keeps
// growing: catalog views, pragmas, file readers and foreign scanners.
var restrictedFunctionPrefixes = []string{
	"duckdb_", "pragma_", "read_", "parquet_", "sqlite_", "postgres_",
	"mysql_", "iceberg_", "delta_", "pg_",
}

// subqueryOpeners may follow an opening parenthesis to start a query.
var subqueryOpeners = map[string]struct{}{
	"SELECT": {}, "WITH": {}, "VALUES": {}, "FROM": {}, "TABLE": {},
	"PIVOT": {}, "UNPIVOT": {},
}

// relationKeywords take a table name as their operand when they open a
// parenthesized query.
var relationKeywords = map[string]struct{}{
	"TABLE": {}, "PIVOT": {}, "UNPIVOT": {},
}

// fromEnders close a FROM list at the same nesting level.
var fromEnders = map[string]struct{}{
	"WHERE": {}, "GROUP": {}, "HAVING": {}, "ORDER": {}, "LIMIT": {}, "OFFSET": {},
	"QUALIFY": {}, "WINDOW": {}, "UNION": {}, "INTERSECT": {}, "EXCEPT": {},
	"FETCH": {}, "SELECT": {}, "RETURNING": {},
}

// Validate checks a formatted statement against the read-only policy and
// the current schema. Every failure is an *textql.UnsafeQueryError naming
// the offending clause. Validation is pure: the same statement and schema
// always give the same verdict.
func (v *Validator) Validate(statement string, schema textql.SchemaDescriptor) (ValidatedQuery, error) {
	tokens, err := tokenize(statement)
	if err != nil {
		return ValidatedQuery{}, unsafe("unparseable statement", err.Error())
	}
	for len(tokens) > 0 && tokens[len(tokens)-1].kind == tokSemicolon {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return ValidatedQuery{}, unsafe("empty statement", "")
	}

	for i, tok := range tokens {
		switch tok.kind {
		case tokIllegal:
			return ValidatedQuery{}, unsafe("unexpected character", tok.text)
		case tokSemicolon:
			return ValidatedQuery{}, unsafe("multiple statements", clauseFrom(statement, tokens, i+1))
		}
	}

	first := tokens[0]
	if first.kind != tokWord {
		return ValidatedQuery{}, unsafe("statement must start with a query verb", first.text)
	}
	if _, ok := v.verbs[first.value]; !ok {
		return ValidatedQuery{}, unsafe("statement verb not allowed", first.text)
	}

	matching, err := matchParens(tokens)
	if err != nil {
		return ValidatedQuery{}, err
	}
	ctes := collectCTENames(tokens, matching)

	walk := walker{v: v, tokens: tokens, statement: statement}
	refs, err := walk.run()
	if err != nil {
		return ValidatedQuery{}, err
	}
	for _, ref := range refs {
		if _, ok := ctes[strings.ToLower(ref)]; ok {
			continue
		}
		if !schema.Has(ref) {
			return ValidatedQuery{}, unsafe("table not in schema", ref)
		}
	}

	return ValidatedQuery{sql: render(tokens), issuedAt: v.now()}, nil
}

// Check formats raw model output and validates the result.
func (v *Validator) Check(raw string, schema textql.SchemaDescriptor) (ValidatedQuery, error) {
	statement, err := Format(raw)
	if err != nil {
		return ValidatedQuery{}, err
	}
	return v.Validate(statement, schema)
}

type frame struct {
	query      bool
	fromActive bool
}

type walker struct {
	v         *Validator
	tokens    []token
	statement string
}

func (w walker) run() ([]string, error) {
	tokens := w.tokens
	stack := []frame{{query: true}}
	expectTable := false
	var refs []string

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		top := &stack[len(stack)-1]

		if expectTable {
			expectTable = false
			switch tok.kind {
			case tokWord, tokQuoted:
				if tok.kind == tokWord && (tok.value == "LATERAL" || tok.value == "ONLY") {
					expectTable = true
					continue
				}
				if i+1 < len(tokens) && tokens[i+1].kind == tokDot {
					return nil, unsafe("qualified table reference", clauseFrom(w.statement, tokens, i))
				}
				if i+1 < len(tokens) && tokens[i+1].kind == tokLParen {
					name := strings.ToLower(tok.value)
					if err := w.v.checkFunction(name, tok.text); err != nil {
						return nil, err
					}
					if _, ok := w.v.tableFunctions[name]; !ok {
						return nil, unsafe("table function not allowed", tok.text)
					}
					continue
				}
				if tok.kind == tokWord {
					refs = append(refs, tok.text)
				} else {
					refs = append(refs, tok.value)
				}
				continue
			case tokLParen:
				// A derived table, or a parenthesized join whose members are
				// table positions themselves.
				next, err := w.openFrame(i)
				if err != nil {
					return nil, err
				}
				if !next.query {
					next = frame{query: true, fromActive: true}
					expectTable = true
				}
				stack = append(stack, next)
				continue
			default:
				return nil, unsafe("unexpected token after FROM", clauseFrom(w.statement, tokens, i))
			}
		}

		switch tok.kind {
		case tokLParen:
			next, err := w.openFrame(i)
			if err != nil {
				return nil, err
			}
			stack = append(stack, next)
		case tokRParen:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case tokComma:
			if top.query && top.fromActive {
				expectTable = true
			}
		case tokWord, tokQuoted:
			next := token{}
			if i+1 < len(tokens) {
				next = tokens[i+1]
			}
			if next.kind == tokLParen {
				if err := w.v.checkFunction(strings.ToLower(tok.value), tok.text); err != nil {
					return nil, err
				}
			}
			if tok.kind == tokQuoted {
				continue
			}
			if _, ok := forbiddenKeywords[tok.value]; ok {
				_, callable := callableKeywords[tok.value]
				if !(callable && next.kind == tokLParen) {
					return nil, unsafe("forbidden keyword "+tok.value, clauseFrom(w.statement, tokens, i))
				}
			}
			if _, ok := relationKeywords[tok.value]; ok && i > 0 && tokens[i-1].kind == tokLParen &&
				(next.kind == tokWord || next.kind == tokQuoted) {
				expectTable = true
				continue
			}
			if !top.query {
				switch {
				case tok.value == "JOIN":
					return nil, unsafe("join outside a FROM clause", clauseFrom(w.statement, tokens, i))
				case tok.value == "SELECT" || tok.value == "WITH" || tok.value == "VALUES":
					// A set operation such as ((SELECT 1) UNION SELECT ...).
					top.query = true
				case tok.value == "FROM" && i > 0 && isSetOperator(tokens[i-1]):
					top.query = true
				default:
					continue
				}
			}
			switch {
			case tok.value == "FROM":
				if isDistinctFrom(tokens, i) {
					continue
				}
				top.fromActive = true
				expectTable = true
			case tok.value == "JOIN":
				top.fromActive = true
				expectTable = true
			default:
				if _, ok := fromEnders[tok.value]; ok {
					top.fromActive = false
				}
			}
		}
	}
	if expectTable {
		return nil, unsafe("missing table after FROM", "")
	}
	return refs, nil
}

// openFrame classifies the parenthesis at i by its first token. Anything
// that can open a query, FROM-first included, starts a query frame; any
// other statement verb is rejected outright.
func (w walker) openFrame(i int) (frame, error) {
	if i+1 >= len(w.tokens) || w.tokens[i+1].kind != tokWord {
		return frame{}, nil
	}
	first := w.tokens[i+1]
	if _, ok := subqueryOpeners[first.value]; ok {
		return frame{query: true}, nil
	}
	if _, ok := forbiddenKeywords[first.value]; ok {
		// Reported by the keyword check with its own reason.
		return frame{}, nil
	}
	if isStatementKeyword(first.value) {
		if i+2 < len(w.tokens) && w.tokens[i+2].kind == tokLParen {
			// A function call such as replace(...).
			return frame{}, nil
		}
		return frame{}, unsafe("nested statement not allowed", clauseFrom(w.statement, w.tokens, i+1))
	}
	return frame{}, nil
}

// checkFunction rejects calls that read files, reach other databases or
// expose engine internals. Families named by a restricted prefix fail
// closed: only names listed in the policy get through.
func (v *Validator) checkFunction(name, text string) error {
	if _, ok := dangerousFunctions[name]; ok {
		return unsafe("function not allowed", text)
	}
	for _, prefix := range restrictedFunctionPrefixes {
		if strings.HasPrefix(name, prefix) {
			if _, ok := v.functions[name]; !ok {
				return unsafe("function not allowed", text)
			}
			return nil
		}
	}
	return nil
}

func isSetOperator(tok token) bool {
	switch tok.value {
	case "UNION", "INTERSECT", "EXCEPT", "ALL", "NAME":
		return tok.kind == tokWord
	}
	return false
}

// isDistinctFrom reports whether the FROM at i belongs to
// IS [NOT] DISTINCT FROM.
func isDistinctFrom(tokens []token, i int) bool {
	return i > 0 && tokens[i-1].isWord("DISTINCT") && i > 1 &&
		(tokens[i-2].isWord("IS") || tokens[i-2].isWord("NOT"))
}

func matchParens(tokens []token) (map[int]int, error) {
	matching := make(map[int]int)
	var open []int
	for i, tok := range tokens {
		switch tok.kind {
		case tokLParen:
			open = append(open, i)
		case tokRParen:
			if len(open) == 0 {
				return nil, unsafe("unbalanced parentheses", tok.text)
			}
			matching[open[len(open)-1]] = i
			open = open[:len(open)-1]
		}
	}
	if len(open) > 0 {
		return nil, unsafe("unbalanced parentheses", "(")
	}
	return matching, nil
}

// collectCTENames gathers the names bound by every WITH clause so FROM
// references to them resolve without the schema. Constructs that are not a
// CTE list, such as WITH TIME ZONE, bind nothing.
func collectCTENames(tokens []token, matching map[int]int) map[string]struct{} {
	names := make(map[string]struct{})
	for i, tok := range tokens {
		if !tok.isWord("WITH") {
			continue
		}
		j := i + 1
		if j < len(tokens) && tokens[j].isWord("RECURSIVE") {
			j++
		}
		for j < len(tokens) {
			nameTok := tokens[j]
			if nameTok.kind != tokWord && nameTok.kind != tokQuoted {
				break
			}
			j++
			if j < len(tokens) && tokens[j].kind == tokLParen {
				j = matching[j] + 1
			}
			if j >= len(tokens) || !tokens[j].isWord("AS") {
				break
			}
			j++
			if j < len(tokens) && tokens[j].isWord("NOT") {
				j++
			}
			if j < len(tokens) && tokens[j].isWord("MATERIALIZED") {
				j++
			}
			if j >= len(tokens) || tokens[j].kind != tokLParen {
				break
			}
			names[strings.ToLower(nameTok.value)] = struct{}{}
			j = matching[j] + 1
			if j >= len(tokens) || tokens[j].kind != tokComma {
				break
			}
			j++
		}
	}
	return names
}

func clauseFrom(statement string, tokens []token, i int) string {
	if i >= len(tokens) {
		return ""
	}
	clause := strings.TrimSpace(statement[tokens[i].pos:])
	if len(clause) > maxClauseLength {
		clause = clause[:maxClauseLength] + "..."
	}
	return clause
}

func unsafe(reason, clause string) error {
	return &textql.UnsafeQueryError{Reason: reason, Clause: clause}
}
