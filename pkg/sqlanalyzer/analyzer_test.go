package sqlanalyzer

import (
	"testing"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
)

func TestAnalyzeSimpleSelect(t *testing.T) {
	facts, err := Analyze("SELECT 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if facts.QueryType != models.QuerySelect {
		t.Fatalf("expected SELECT, got %s", facts.QueryType)
	}
	if facts.HasLimit {
		t.Fatalf("expected no limit")
	}
	if len(facts.Tables) != 0 {
		t.Fatalf("expected no tables, got %v", facts.Tables)
	}
}

func TestAnalyzeSchemaQualifiedTableAndLimit(t *testing.T) {
	facts, err := Analyze("SELECT region, mrr FROM reporting.customers WHERE status='active' LIMIT 100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !facts.HasLimit {
		t.Fatalf("expected has_limit=true")
	}
	if len(facts.Tables) != 1 || facts.Tables[0].Schema != "reporting" || facts.Tables[0].Table != "customers" {
		t.Fatalf("unexpected tables: %+v", facts.Tables)
	}
	wantCols := map[string]bool{"region": false, "mrr": false, "status": false}
	for _, c := range facts.Columns {
		if _, ok := wantCols[c]; ok {
			wantCols[c] = true
		}
	}
	for c, found := range wantCols {
		if !found {
			t.Fatalf("expected column %q to be extracted, columns=%v", c, facts.Columns)
		}
	}
}

func TestAnalyzeUnqualifiedTableProducesEmptySchema(t *testing.T) {
	facts, err := Analyze("SELECT email FROM customers LIMIT 10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(facts.Tables) != 1 || facts.Tables[0].Schema != "" || facts.Tables[0].Table != "customers" {
		t.Fatalf("unexpected tables: %+v", facts.Tables)
	}
}

func TestAnalyzeZeroLimitDoesNotCount(t *testing.T) {
	facts, err := Analyze("SELECT * FROM reporting.daily_kpis LIMIT 0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if facts.HasLimit {
		t.Fatalf("expected LIMIT 0 to not satisfy has_limit")
	}
}

func TestAnalyzeNoLimit(t *testing.T) {
	facts, err := Analyze("SELECT * FROM reporting.daily_kpis")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if facts.HasLimit {
		t.Fatalf("expected no limit clause")
	}
}

func TestAnalyzeStripsLineAndBlockComments(t *testing.T) {
	sql := "SELECT email -- pii column\nFROM /* block */ reporting.customers LIMIT 5"
	facts, err := Analyze(sql)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !facts.HasLimit {
		t.Fatalf("expected has_limit=true")
	}
	if len(facts.Tables) != 1 || facts.Tables[0].Table != "customers" {
		t.Fatalf("unexpected tables: %+v", facts.Tables)
	}
}

func TestAnalyzeQuotedIdentifiers(t *testing.T) {
	facts, err := Analyze(`SELECT "email" FROM "reporting"."customers" LIMIT 10`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(facts.Tables) != 1 || facts.Tables[0].Schema != "reporting" || facts.Tables[0].Table != "customers" {
		t.Fatalf("unexpected tables: %+v", facts.Tables)
	}
	found := false
	for _, c := range facts.Columns {
		if c == "email" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected email column, got %v", facts.Columns)
	}
}

func TestAnalyzeDDLRecognized(t *testing.T) {
	for _, sql := range []string{"DROP TABLE reporting.customers", "ALTER TABLE reporting.customers ADD COLUMN x int", "CREATE TABLE raw.tmp (id int)"} {
		facts, err := Analyze(sql)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", sql, err)
		}
		if facts.QueryType == "" {
			t.Fatalf("expected query type for %q", sql)
		}
	}
}

func TestAnalyzeUnrecognizedStatementIsParseError(t *testing.T) {
	_, err := Analyze("EXPLAIN SELECT 1")
	if err == nil {
		t.Fatalf("expected parse error")
	}
	var pe *ParseError
	if !asParseError(err, &pe) {
		t.Fatalf("expected ParseError, got %T: %v", err, err)
	}
}

func TestAnalyzeEmptyStatementIsParseError(t *testing.T) {
	_, err := Analyze("   ")
	if err == nil {
		t.Fatalf("expected parse error for empty statement")
	}
}

func TestAnalyzeUnterminatedStringIsParseError(t *testing.T) {
	_, err := Analyze("SELECT * FROM t WHERE name = 'abc")
	if err == nil {
		t.Fatalf("expected parse error for unterminated string")
	}
}

func TestIsAggregateDetectsAggregateProjection(t *testing.T) {
	if !IsAggregate("SELECT COUNT(*) FROM reporting.customers") {
		t.Fatalf("expected aggregate detection for COUNT(*)")
	}
	if IsAggregate("SELECT count_column FROM reporting.customers") {
		t.Fatalf("did not expect aggregate detection for bare identifier named like a function")
	}
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
