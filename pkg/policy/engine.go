// Package policy implements C2 of the dispatch pipeline: the five
// policy layers (rbac, tables, columns, rows, approval) of spec.md §3's
// "Policy bundle," and the aggregation rule that combines their verdicts
// into one models.DecisionOutput. Every layer is a pure function of a
// models.DecisionInput, grounded on pkg/abac.Evaluate's same-shaped
// {Allowed, Reason} decision in the teacher, generalized here to five
// orthogonal layers instead of one DSL-driven ABAC pass.
package policy

import (
	"strings"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
)

// Engine evaluates the five layers against a fixed Bundle.
type Engine struct {
	bundle *Bundle
}

// New creates an Engine bound to the given bundle snapshot. Callers
// typically pass Store.Current() so every evaluation sees a consistent
// bundle even if a reload happens concurrently.
func New(b *Bundle) *Engine {
	if b == nil {
		b = Default()
	}
	return &Engine{bundle: b}
}

// Evaluate runs rbac -> tables -> columns (short-circuiting on first
// DENY, per spec.md §4.2's aggregation order) then rows and approval
// (which never deny), and aggregates into one DecisionOutput.
//
// Determinism (spec.md §8 property 1) holds because every layer is a
// pure function of (bundle, input) and Evaluate performs no I/O.
func (e *Engine) Evaluate(in models.DecisionInput) models.DecisionOutput {
	return Evaluate(e.bundle, in)
}

// Evaluate is the free-function form, useful for tests and for callers
// that already hold a *Bundle snapshot.
func Evaluate(b *Bundle, in models.DecisionInput) models.DecisionOutput {
	if b == nil {
		b = Default()
	}

	gating := []struct {
		name   string
		result layerResult
	}{
		{"rbac", evalRBAC(b, in)},
		{"tables", evalTables(b, in)},
		{"columns", evalColumns(b, in)},
	}

	var allRuleIDs []string
	allConstraints := map[string]interface{}{}
	var denyReason string
	denied := false

	for _, layer := range gating {
		allRuleIDs = append(allRuleIDs, layer.result.RuleIDs...)
		mergeConstraints(allConstraints, layer.result.Constraints)
		if !layer.result.Allow {
			denied = true
			denyReason = layer.result.Reason
			break
		}
	}

	if denied {
		return models.DecisionOutput{
			Decision:    models.DecisionDeny,
			Reason:      denyReason,
			RuleIDs:     dedupeStrings(allRuleIDs),
			Constraints: nil,
		}
	}

	rowsResult := evalRows(in)
	approvalResult := evalApproval(b, in)

	allRuleIDs = append(allRuleIDs, rowsResult.RuleIDs...)
	allRuleIDs = append(allRuleIDs, approvalResult.RuleIDs...)
	mergeConstraints(allConstraints, rowsResult.Constraints)
	mergeConstraints(allConstraints, approvalResult.Constraints)

	if approvalResult.ApprovalRequired {
		return models.DecisionOutput{
			Decision:    models.DecisionRequireApproval,
			Reason:      approvalResult.Reason,
			RuleIDs:     dedupeStrings(allRuleIDs),
			Constraints: allConstraints,
		}
	}

	reason := "allowed"
	if len(allRuleIDs) > 0 {
		reason = "allowed: " + strings.Join(dedupeStrings(allRuleIDs), ", ")
	}
	return models.DecisionOutput{
		Decision:    models.DecisionAllow,
		Reason:      reason,
		RuleIDs:     dedupeStrings(allRuleIDs),
		Constraints: allConstraints,
	}
}

// EvaluateGatingOnly re-runs rbac -> tables -> columns against the frozen
// DecisionInput captured at approval-request time and reports whether
// they still all allow. The approval coordinator calls this instead of
// Evaluate when an approver approves a request: re-running rows/approval
// would just re-require approval on the same input forever, and the
// no-widening guarantee (spec.md §4.5) only needs the gating layers to
// still hold, not the full aggregation.
func EvaluateGatingOnly(b *Bundle, in models.DecisionInput) (allow bool, reason string, ruleIDs []string) {
	if b == nil {
		b = Default()
	}
	layers := []layerResult{evalRBAC(b, in), evalTables(b, in), evalColumns(b, in)}
	var all []string
	allow = true
	for _, l := range layers {
		all = append(all, l.RuleIDs...)
		if !l.Allow && allow {
			allow = false
			reason = l.Reason
		}
	}
	return allow, reason, dedupeStrings(all)
}

func mergeConstraints(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
