// Package constraints implements C3 of the dispatch pipeline: it takes
// the constraints map the Policy Engine attached to an ALLOW decision
// and rewrites the SQL tool call (region-predicate injection, LIMIT
// injection) before the Tool Executor runs it, and exposes the
// post-execution column-masking step the executor applies to the result
// set. Region-predicate injection is a belt; the database's own
// row-level-security policies (SPEC_FULL.md §6) are the suspenders.
package constraints

import (
	"fmt"
	"strings"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/schema"
)

// clauseKeywords are the top-level clause boundaries the rewriter needs
// to locate in order to splice a region predicate into a SELECT.
var clauseKeywords = []string{"GROUP", "HAVING", "ORDER", "LIMIT"}

// ApplyRegionFilter appends "AND <regionColumn> = '<region>'" to an
// existing top-level WHERE clause, or inserts a new WHERE clause ahead
// of GROUP BY/HAVING/ORDER BY/LIMIT (or at the end of the statement) if
// none exists. region is always one of the closed Region enum values,
// never caller-supplied text, so no further escaping is performed.
func ApplyRegionFilter(query, regionColumn, region string) string {
	predicate := fmt.Sprintf("%s = '%s'", regionColumn, region)

	_, whereEnd, ok := findTopLevelKeyword(query, "WHERE")
	if ok {
		boundary := nextTopLevelBoundary(query, whereEnd)
		before := query[:whereEnd]
		whereBody := strings.TrimSpace(query[whereEnd:boundary])
		after := query[boundary:]
		if whereBody == "" {
			return before + " " + predicate + " " + after
		}
		return before + " (" + predicate + ") AND (" + whereBody + ") " + after
	}

	boundary := nextTopLevelBoundary(query, 0)
	before := strings.TrimRight(query[:boundary], " \t\n")
	after := query[boundary:]
	if after == "" {
		return before + " WHERE " + predicate
	}
	return before + " WHERE " + predicate + " " + after
}

// InjectLimit appends "LIMIT <n>" to query if it has no top-level LIMIT
// clause already. This is the redundant safety net spec.md §4.3
// describes: the policy engine should already have denied a call that
// needed this, so the applier only ever reaches it defensively.
func InjectLimit(query string, n int) string {
	if _, _, ok := findTopLevelKeyword(query, "LIMIT"); ok {
		return query
	}
	trimmed := strings.TrimRight(query, " \t\n;")
	return fmt.Sprintf("%s LIMIT %d", trimmed, n)
}

// findTopLevelKeyword returns the byte offsets [start,end) of the first
// occurrence of keyword that sits at parenthesis depth 0 and outside any
// quoted string or identifier.
func findTopLevelKeyword(query, keyword string) (int, int, bool) {
	depth := 0
	inSingle, inDouble := false, false
	n := len(query)
	for i := 0; i < n; i++ {
		c := query[i]
		switch {
		case inSingle:
			if c == '\'' {
				if i+1 < n && query[i+1] == '\'' {
					i++
					continue
				}
				inSingle = false
			}
			continue
		case inDouble:
			if c == '"' {
				inDouble = false
			}
			continue
		case c == '\'':
			inSingle = true
			continue
		case c == '"':
			inDouble = true
			continue
		case c == '(':
			depth++
			continue
		case c == ')':
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		if !isWordStart(query, i) {
			continue
		}
		end := wordEnd(query, i)
		if strings.EqualFold(query[i:end], keyword) {
			return i, end, true
		}
	}
	return 0, 0, false
}

// nextTopLevelBoundary returns the offset of the earliest top-level
// clauseKeywords occurrence at or after from, or len(query) if none.
func nextTopLevelBoundary(query string, from int) int {
	best := len(query)
	for _, kw := range clauseKeywords {
		if start, _, ok := findTopLevelKeyword(query[from:], kw); ok {
			abs := from + start
			if abs < best {
				best = abs
			}
		}
	}
	return best
}

func isWordStart(s string, i int) bool {
	if !isIdentByte(s[i]) {
		return false
	}
	if i == 0 {
		return true
	}
	return !isIdentByte(s[i-1])
}

func wordEnd(s string, i int) int {
	j := i
	for j < len(s) && isIdentByte(s[j]) {
		j++
	}
	return j
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// RegionColumnFor resolves the region column of the one given table from
// the catalogue. SPEC_FULL.md's constraint format carries a single
// region_filter value per call, so Applier.regionColumnForFacts picks the
// first region-bearing table in the FROM list as the predicate target.
func RegionColumnFor(cat *schema.Catalogue, schemaName, table string) (string, bool) {
	return cat.RegionColumn(schemaName, table)
}
