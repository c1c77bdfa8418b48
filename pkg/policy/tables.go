package policy

import (
	"fmt"
	"strings"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
)

// evalTables implements spec.md §4.2's Tables layer. Only meaningful for
// run_sql calls; other tools pass through (their table lists are empty).
func evalTables(b *Bundle, in models.DecisionInput) layerResult {
	if in.Tool != models.ToolRunSQL {
		return allowResult()
	}

	if len(in.Tables) > 0 {
		allowSet := b.schemaSet(in.Role)
		blockedSet := b.blockedSet(in.Role)
		for _, ref := range in.Tables {
			schemaName := strings.ToLower(ref.Schema)
			tableKey := strings.ToLower(ref.Schema) + "." + strings.ToLower(ref.Table)
			// Unqualified references (empty schema) are fail-closed: they
			// are treated as "any schema not in the role's allow-set."
			if schemaName == "" {
				return denyResult(
					fmt.Sprintf("unqualified table reference %q is not permitted for role %q", ref.Table, in.Role),
					"tables.schema_denied",
				)
			}
			if _, ok := allowSet[schemaName]; !ok {
				return denyResult(
					fmt.Sprintf("role %q may not access schema %q", in.Role, ref.Schema),
					"tables.schema_denied",
				)
			}
			if _, blocked := blockedSet[tableKey]; blocked {
				return denyResult(
					fmt.Sprintf("role %q is blocked from table %s.%s", in.Role, ref.Schema, ref.Table),
					"tables.schema_denied",
				)
			}
		}
	}

	if in.QueryType != "" && in.QueryType != models.QuerySelect {
		if !roleSetContains(b.DDLDMLRoles, in.Role) {
			return denyResult(
				fmt.Sprintf("role %q may only run SELECT statements, got %s", in.Role, in.QueryType),
				"tables.query_type_denied",
			)
		}
	}

	if !in.IsAggregate && !in.HasLimit && !roleSetContains(b.LimitExemptRoles, in.Role) {
		return denyResult(
			fmt.Sprintf("role %q must include an explicit LIMIT on non-aggregate SELECT statements", in.Role),
			"tables.limit_required",
		)
	}

	return allowResult()
}
