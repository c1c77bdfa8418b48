// Package sqlanalyzer implements C1 of the dispatch pipeline: it turns a
// SQL string into the structural fact record the policy engine reasons
// about (statement kind, referenced tables, referenced bare columns,
// presence of a top-level LIMIT). It recognizes only the subset of SQL
// the tool catalogue permits; it is not a general-purpose parser and
// deliberately over-approximates column references — more candidates is
// the safe direction, since it only ever makes the PII layer more
// cautious, never less.
package sqlanalyzer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
)

// Facts is the structural description of one SQL statement.
type Facts struct {
	QueryType models.QueryType
	Tables    []models.TableRef
	Columns   []string
	HasLimit  bool
	// LimitValue is the literal integer the statement's top-level LIMIT
	// carries, if any. The orchestrator treats it as the caller's
	// declared row_count for the Approval layer's large_data check —
	// spec.md §4.2(ii) gates on a declared count, not an actual result
	// size, since the policy decision must precede execution.
	LimitValue int
}

// ParseError is returned when the statement cannot be tokenized or does
// not start with a recognized top-level keyword. The orchestrator treats
// any ParseError as a DENY with rule analyzer.parse_error.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return e.Message }

var topLevelKeywords = map[string]models.QueryType{
	"SELECT": models.QuerySelect,
	"INSERT": models.QueryInsert,
	"UPDATE": models.QueryUpdate,
	"DELETE": models.QueryDelete,
	"CREATE": models.QueryCreate,
	"DROP":   models.QueryDrop,
	"ALTER":  models.QueryAlter,
}

// clauses a bare identifier is eligible to be counted as a "referenced
// column" inside, per spec: SELECT projection, WHERE, HAVING, ORDER BY,
// GROUP BY.
type clause int

const (
	clauseNone clause = iota
	clauseSelect
	clauseFrom
	clauseWhere
	clauseGroupBy
	clauseHaving
	clauseOrderBy
	clauseLimit
)

// keywordsAndFunctions is the deny-list the analyzer uses to decide that
// a bare identifier is structural noise rather than a candidate column.
// Over-inclusion here is the UNSAFE direction (it could hide a real PII
// column), so the list stays deliberately short and only removes tokens
// that are unambiguously SQL syntax or extremely common aggregate names.
var keywordsAndFunctions = map[string]struct{}{
	"SELECT": {}, "FROM": {}, "WHERE": {}, "AND": {}, "OR": {}, "NOT": {},
	"IN": {}, "LIKE": {}, "BETWEEN": {}, "IS": {}, "NULL": {}, "JOIN": {},
	"INNER": {}, "LEFT": {}, "RIGHT": {}, "OUTER": {}, "FULL": {}, "ON": {},
	"AS": {}, "GROUP": {}, "BY": {}, "ORDER": {}, "HAVING": {}, "LIMIT": {},
	"OFFSET": {}, "DISTINCT": {}, "ASC": {}, "DESC": {}, "UNION": {},
	"ALL": {}, "EXISTS": {}, "CASE": {}, "WHEN": {}, "THEN": {}, "ELSE": {},
	"END": {}, "COUNT": {}, "SUM": {}, "AVG": {}, "MIN": {}, "MAX": {},
	"COALESCE": {}, "CAST": {}, "EXTRACT": {}, "NOW": {}, "CURRENT_DATE": {},
	"CURRENT_TIMESTAMP": {}, "TRUE": {}, "FALSE": {}, "INTO": {},
	"VALUES": {}, "SET": {}, "TABLE": {}, "INDEX": {}, "COLUMN": {},
	"PRIMARY": {}, "KEY": {}, "FOREIGN": {}, "REFERENCES": {}, "DEFAULT": {},
	"IF": {}, "USING": {}, "WITH": {}, "RETURNING": {},
}

var aggregateFunctions = map[string]struct{}{
	"COUNT": {}, "SUM": {}, "AVG": {}, "MIN": {}, "MAX": {},
}

// Analyze tokenizes sql and extracts the structural facts the policy
// engine needs. It recognizes a single top-level statement; comments are
// stripped before tokenizing.
func Analyze(sql string) (Facts, error) {
	stripped := stripComments(sql)
	toks, err := tokenize(stripped)
	if err != nil {
		return Facts{}, &ParseError{Message: fmt.Sprintf("tokenize error: %v", err)}
	}
	toks = filterWhitespace(toks)
	if len(toks) == 0 {
		return Facts{}, &ParseError{Message: "empty statement"}
	}
	first := strings.ToUpper(toks[0].text)
	queryType, ok := topLevelKeywords[first]
	if !ok {
		return Facts{}, &ParseError{Message: fmt.Sprintf("unrecognized top-level statement %q", toks[0].text)}
	}

	facts := Facts{QueryType: queryType}
	cur := clauseNone
	if queryType == models.QuerySelect {
		cur = clauseSelect
	}
	seenTableNext := false
	depth := 0

	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		upper := strings.ToUpper(tok.text)

		switch tok.kind {
		case tokPunct:
			if tok.text == "(" {
				depth++
			} else if tok.text == ")" {
				depth--
			}
			continue
		}

		switch upper {
		case "SELECT":
			cur = clauseSelect
			continue
		case "FROM", "JOIN", "INTO", "UPDATE":
			cur = clauseFrom
			seenTableNext = true
			continue
		case "WHERE":
			cur = clauseWhere
			continue
		case "GROUP":
			cur = clauseGroupBy
			continue
		case "HAVING":
			cur = clauseHaving
			continue
		case "ORDER":
			cur = clauseOrderBy
			continue
		case "LIMIT":
			cur = clauseLimit
			continue
		case "ON", "AND", "OR", "BY", "SET", "INNER", "LEFT", "RIGHT",
			"OUTER", "FULL", "VALUES", "TABLE", "INDEX":
			continue
		}

		if cur == clauseLimit {
			if tok.kind == tokNumber && depth == 0 {
				if n, err := strconv.Atoi(tok.text); err == nil && n > 0 {
					facts.HasLimit = true
					facts.LimitValue = n
				}
			}
			continue
		}

		if seenTableNext && (tok.kind == tokIdent || tok.kind == tokQuotedIdent) {
			ref, consumed := readTableRef(toks, i)
			facts.Tables = append(facts.Tables, ref)
			i += consumed - 1
			seenTableNext = false
			continue
		}

		if tok.kind != tokIdent && tok.kind != tokQuotedIdent {
			continue
		}
		if _, isKeyword := keywordsAndFunctions[upper]; isKeyword {
			continue
		}
		// function-call detection: identifier immediately followed by '('
		if i+1 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "(" {
			continue
		}
		if cur == clauseSelect || cur == clauseWhere || cur == clauseHaving ||
			cur == clauseOrderBy || cur == clauseGroupBy {
			name := unwrapIdent(tok.text)
			facts.Columns = append(facts.Columns, name)
		}
	}

	facts.Columns = dedupe(facts.Columns)
	return facts, nil
}

// IsAggregate reports whether an aggregate function call appears anywhere
// in the statement (not only in its projection), which the Tables policy layer uses to decide
// whether a LIMIT is mandatory for non-analyst roles. It is computed as
// a second pass so Analyze's main loop stays a single linear scan.
func IsAggregate(sql string) bool {
	stripped := stripComments(sql)
	toks, err := tokenize(stripped)
	if err != nil {
		return false
	}
	toks = filterWhitespace(toks)
	for i, tok := range toks {
		if tok.kind != tokIdent {
			continue
		}
		upper := strings.ToUpper(tok.text)
		if _, ok := aggregateFunctions[upper]; !ok {
			continue
		}
		if i+1 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "(" {
			return true
		}
	}
	return false
}

func readTableRef(toks []token, i int) (models.TableRef, int) {
	first := unwrapIdent(toks[i].text)
	if i+2 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "." &&
		(toks[i+2].kind == tokIdent || toks[i+2].kind == tokQuotedIdent) {
		second := unwrapIdent(toks[i+2].text)
		return models.TableRef{Schema: first, Table: second}, 3
	}
	return models.TableRef{Schema: "", Table: first}, 1
}

func unwrapIdent(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		lower := strings.ToLower(v)
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		out = append(out, v)
	}
	return out
}
