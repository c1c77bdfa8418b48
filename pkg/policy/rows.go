package policy

import "github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"

// evalRows implements spec.md §4.2's Rows layer: sales identities with a
// known region get a region_filter constraint injected. This layer never
// denies.
func evalRows(in models.DecisionInput) layerResult {
	if in.Role == models.RoleSales && in.Region != "" {
		return layerResult{
			Allow:       true,
			RuleIDs:     []string{"rows.sales_region_filter"},
			Constraints: map[string]interface{}{"region_filter": string(in.Region)},
		}
	}
	return allowResult()
}
