package constraints

import (
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/schema"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/sqlanalyzer"
)

// Rewrite is the outcome of applying C2's constraints map to one SQL
// tool call: the (possibly rewritten) query text to execute, and the
// column names the executor must mask in the result set afterward.
type Rewrite struct {
	Query         string
	MaskedColumns []string
}

// Applier rewrites SQL tool calls per spec.md §4.3, consulting the
// static schema catalogue to resolve which table's region column a
// region_filter constraint targets.
type Applier struct {
	catalogue *schema.Catalogue
}

// New builds an Applier bound to cat (or schema.Default() if nil).
func New(cat *schema.Catalogue) *Applier {
	if cat == nil {
		cat = schema.Default()
	}
	return &Applier{catalogue: cat}
}

// Apply rewrites query according to constraints (the map C2 attached to
// an ALLOW DecisionOutput), facts (C1's analysis of the same query), and
// the caller's role. defaultLimit is injected as a redundant safety net
// when facts reports no LIMIT and role is one of the roles that
// requires one — data_analyst/admin are exempt because they already get
// the executor's widened 10,000-row cap (pkg/executor.rowCap) precisely
// so they can run unbounded analytical queries; injecting LIMIT 1000 at
// the SQL-text level for them would silently defeat that cap.
func (a *Applier) Apply(query string, facts sqlanalyzer.Facts, decisionConstraints map[string]interface{}, role models.Role) Rewrite {
	rewritten := query

	if region, ok := decisionConstraints["region_filter"].(string); ok && region != "" {
		if col, found := a.regionColumnForFacts(facts); found {
			rewritten = ApplyRegionFilter(rewritten, col, region)
		}
	}

	if !facts.HasLimit && requiresLimit(role) {
		rewritten = InjectLimit(rewritten, defaultRowLimit)
	}

	return Rewrite{Query: rewritten, MaskedColumns: maskedColumnsFrom(decisionConstraints)}
}

// requiresLimit reports whether role is one spec.md §4.3 requires a
// LIMIT for: everyone except data_analyst/admin, who get the executor's
// wider row cap specifically because they don't need one.
func requiresLimit(role models.Role) bool {
	return role != models.RoleDataAnalyst && role != models.RoleAdmin
}

// maskedColumnsFrom reads the masked_columns constraint as either a
// []string (the shape policy.evalColumns produces directly) or a
// []interface{} of strings (the shape it comes back as once an
// approval.ApprovalRequest's frozen Constraints round-trip through
// JSONB storage and back — see pkg/approval.Coordinator.Get). Both
// shapes must be honored: a masking guarantee that survived the
// suspend/resume boundary must not silently disappear because of how
// the map was deserialized.
func maskedColumnsFrom(decisionConstraints map[string]interface{}) []string {
	switch m := decisionConstraints["masked_columns"].(type) {
	case []string:
		return m
	case []interface{}:
		out := make([]string, 0, len(m))
		for _, v := range m {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// defaultRowLimit is the redundant LIMIT the applier injects when a
// query reaches it without one. The executor's own role-scaled row cap
// (SPEC_FULL.md §4.4) is the authoritative bound; this is belt-and-
// suspenders at the SQL text level.
const defaultRowLimit = 1000

func (a *Applier) regionColumnForFacts(facts sqlanalyzer.Facts) (string, bool) {
	for _, ref := range facts.Tables {
		if col, ok := a.catalogue.RegionColumn(ref.Schema, ref.Table); ok {
			return col, true
		}
	}
	return "", false
}
