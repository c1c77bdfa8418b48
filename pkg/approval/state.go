package approval

import "github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"

// transitions enumerates the only legal status moves for an
// ApprovalRequest. Unlike pkg/escrowfsm's eight-state escrow machine,
// a suspended tool call has exactly one decision to make: the table is
// kept small and inlined rather than reusing escrowfsm's generic
// CanTransition, because none of escrowfsm's quorum/rollback/
// compensation machinery applies to a single-approver yes/no gate.
var transitions = map[models.ApprovalStatus]map[models.ApprovalStatus]bool{
	models.ApprovalPending: {
		models.ApprovalApproved: true,
		models.ApprovalDenied:   true,
		models.ApprovalExpired:  true,
	},
}

// CanTransition reports whether from -> to is a legal status move.
func CanTransition(from, to models.ApprovalStatus) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// IsTerminal reports whether status has no further legal transitions.
func IsTerminal(status models.ApprovalStatus) bool {
	_, ok := transitions[status]
	return !ok
}
