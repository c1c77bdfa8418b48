package policy

import (
	"fmt"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
)

// layerResult is the per-layer verdict the aggregator combines. Grounded
// on pkg/abac.Decision's {Allowed, Reason} shape, extended with rule IDs
// and constraints since our five layers must each contribute both.
type layerResult struct {
	Allow            bool
	ApprovalRequired bool
	Reason           string
	RuleIDs          []string
	Constraints      map[string]interface{}
}

func allowResult() layerResult { return layerResult{Allow: true} }

func denyResult(reason string, ruleID string) layerResult {
	return layerResult{Allow: false, Reason: reason, RuleIDs: []string{ruleID}}
}

// evalRBAC implements spec.md §4.2's RBAC layer: a static role->tool
// matrix. Unknown role denies with rbac.invalid_role; a known role
// calling a tool outside its allowed set denies with rbac.tool_denied.
func evalRBAC(b *Bundle, in models.DecisionInput) layerResult {
	if _, ok := models.ValidRoles[in.Role]; !ok {
		return denyResult(fmt.Sprintf("unknown role %q", in.Role), "rbac.invalid_role")
	}
	allowedTools, ok := b.RoleTools[in.Role]
	if !ok {
		return denyResult(fmt.Sprintf("role %q has no tool grants configured", in.Role), "rbac.invalid_role")
	}
	for _, t := range allowedTools {
		if t == in.Tool {
			return allowResult()
		}
	}
	return denyResult(fmt.Sprintf("role %q is not permitted to call tool %q", in.Role, in.Tool), "rbac.tool_denied")
}
