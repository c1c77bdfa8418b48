package policy

import (
	"fmt"
	"strings"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
)

// evalColumns implements spec.md §4.2's Columns layer: PII and
// Financial sensitive sets, intersected against the referenced bare
// columns (case-folded).
func evalColumns(b *Bundle, in models.DecisionInput) layerResult {
	if len(in.Columns) == 0 {
		return allowResult()
	}

	piiSet := stringSet(b.PIIColumns)
	finSet := stringSet(b.FinancialColumns)

	var piiHits, finHits []string
	for _, col := range in.Columns {
		lower := strings.ToLower(col)
		if _, ok := piiSet[lower]; ok {
			piiHits = append(piiHits, col)
		}
		if _, ok := finSet[lower]; ok {
			finHits = append(finHits, col)
		}
	}

	if len(finHits) > 0 && !roleSetContains(b.FinancialAllowedRoles, in.Role) {
		return denyResult(
			fmt.Sprintf("role %q may not access financial columns %v", in.Role, finHits),
			"columns.financial_denied",
		)
	}

	if len(piiHits) == 0 {
		return allowResult()
	}

	if roleSetContains(b.PIIAllowedRoles, in.Role) {
		return layerResult{Allow: true, RuleIDs: []string{"columns.pii_access"}}
	}

	if roleSetContains(b.PIIMaskedRoles, in.Role) {
		return layerResult{
			Allow:       true,
			RuleIDs:     []string{"columns.pii_masked"},
			Constraints: map[string]interface{}{"masked_columns": piiHits},
		}
	}

	return denyResult(
		fmt.Sprintf("role %q may not access PII columns %v", in.Role, piiHits),
		"columns.pii_denied",
	)
}

func stringSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, v := range in {
		out[strings.ToLower(v)] = struct{}{}
	}
	return out
}
