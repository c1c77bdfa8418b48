package policy

import (
	"strings"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
)

// evalApproval implements spec.md §4.2's Approval layer. It never denies
// by itself; it only signals REQUIRE_APPROVAL alongside a reason,
// constraint, and rule ID. Multiple conditions can fire simultaneously —
// all their rule IDs and constraints are carried, the first reason wins
// for the human-readable message (matching spec.md's aggregation order
// for reasons, applied within this layer too).
func evalApproval(b *Bundle, in models.DecisionInput) layerResult {
	if in.Tool != models.ToolRunSQL {
		return allowResult()
	}

	var ruleIDs []string
	constraints := map[string]interface{}{}
	var reason string

	sensitive := stringSet(b.SensitiveSchemas)
	for _, ref := range in.Tables {
		if _, ok := sensitive[strings.ToLower(ref.Schema)]; ok && in.Role != models.RoleAdmin {
			ruleIDs = append(ruleIDs, "approval.sensitive_schema")
			constraints["approval_type"] = "sensitive_schema"
			if reason == "" {
				reason = "Access to raw schema requires admin approval"
			}
			break
		}
	}

	if in.RowCount != nil && *in.RowCount > b.LargeDataThreshold {
		ruleIDs = append(ruleIDs, "approval.large_data")
		if _, exists := constraints["approval_type"]; !exists {
			constraints["approval_type"] = "large_data"
		}
		if reason == "" {
			reason = "Queries returning more than the configured row threshold require approval"
		}
	}

	if in.Role == models.RoleAdmin {
		piiSet := stringSet(b.PIIColumns)
		for _, col := range in.Columns {
			if _, ok := piiSet[strings.ToLower(col)]; ok {
				ruleIDs = append(ruleIDs, "approval.admin_pii")
				if _, exists := constraints["approval_type"]; !exists {
					constraints["approval_type"] = "admin_pii"
				}
				if reason == "" {
					reason = "Admin access to PII columns requires approval"
				}
				break
			}
		}
	}

	if len(ruleIDs) == 0 {
		return allowResult()
	}

	return layerResult{
		Allow:            true,
		ApprovalRequired: true,
		Reason:           reason,
		RuleIDs:          ruleIDs,
		Constraints:      constraints,
	}
}
