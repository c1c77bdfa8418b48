// Package approval implements C5 of the dispatch pipeline: the
// approval coordinator that persists suspended tool calls, mints and
// verifies the HMAC token carried in the callback URL, and resolves a
// request once an admin approves or denies it, or once it expires.
//
// Grounded on pkg/escrowfsm's separation-of-duties pattern (requester
// and approver must differ) and pkg/auth's HMAC signing idiom, but
// intentionally not escrowfsm's generic state machine: see state.go.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/google/uuid"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/audit"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/httpx"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/policy"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/stream"
)

type approvalDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Executor is the subset of C4 the coordinator needs: running the
// frozen tool call once it clears re-evaluation. Kept as a narrow
// interface here so pkg/approval does not import pkg/executor.
type Executor interface {
	Execute(ctx context.Context, envelope models.ToolCallEnvelope, decision models.DecisionOutput) (models.ToolResult, error)
}

var (
	ErrNotFound         = errors.New("approval request not found")
	ErrAlreadyDecided   = errors.New("approval request already decided")
	ErrSameRequester    = errors.New("approver must differ from the original requester")
	ErrApproverNotAdmin = errors.New("approver must resolve to the admin role")
	ErrWidened          = errors.New("re-evaluation no longer allows this request: scope has widened")
)

// Coordinator persists ApprovalRequest rows in internal.approval_requests
// and drives their pending -> approved|denied|expired lifecycle.
type Coordinator struct {
	DB       approvalDB
	Bundle   *policy.Bundle
	Executor Executor
	Audit    *audit.Writer
	Hub      *stream.Hub
	Secret   string
	TTL      time.Duration
	Now      func() time.Time

	// WebhookURL, if set, receives a best-effort POST of the rendered
	// prompt + token whenever a request goes pending, for display in
	// the external chat front-end (spec.md §4.5). HTTPClient defaults
	// to http.DefaultClient. WebhookSecret, if set, HMAC-signs that POST
	// (see pkg/httpx.PostSignedJSON) so the front-end can distinguish a
	// genuine notification from one forged by anything that can reach
	// the webhook URL.
	WebhookURL    string
	WebhookSecret string
	HTTPClient    *http.Client
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *Coordinator) ttl() time.Duration {
	if c.TTL <= 0 {
		return 24 * time.Hour
	}
	return c.TTL
}

// Create suspends a tool call that the policy engine decided
// REQUIRE_APPROVAL, persists it, mints its callback token, and
// publishes an approval.pending event for the notification fan-out
// (e.g. a Slack bot listening on the hub).
func (c *Coordinator) Create(ctx context.Context, envelope models.ToolCallEnvelope, role models.Role, frozen models.DecisionInput, decision models.DecisionOutput) (models.ApprovalRequest, error) {
	expiresAt := c.now().Add(c.ttl())
	req := models.ApprovalRequest{
		ApprovalID:     uuid.NewString(),
		RequestID:      envelope.RequestID,
		ExternalUserID: envelope.ExternalUserID,
		Role:           role,
		ToolName:       envelope.ToolName,
		FrozenInputs:   frozen,
		FrozenEnvelope: envelope.Inputs,
		Reason:         decision.Reason,
		RuleIDs:        decision.RuleIDs,
		Constraints:    decision.Constraints,
		Status:         models.ApprovalPending,
		TokenExpiresAt: expiresAt,
		CreatedAt:      c.now(),
	}

	token, err := MintToken(c.Secret, req.ApprovalID, expiresAt)
	if err != nil {
		return req, fmt.Errorf("mint approval token: %w", err)
	}
	req.SignedToken = token

	ruleIDs, err := json.Marshal(req.RuleIDs)
	if err != nil {
		return req, fmt.Errorf("marshal rule_ids: %w", err)
	}
	frozenInputs, err := json.Marshal(req.FrozenInputs)
	if err != nil {
		return req, fmt.Errorf("marshal frozen_inputs: %w", err)
	}
	constraints, err := json.Marshal(req.Constraints)
	if err != nil {
		return req, fmt.Errorf("marshal constraints: %w", err)
	}

	_, err = c.DB.Exec(ctx, `
		INSERT INTO internal.approval_requests
		(approval_id, request_id, external_user_id, role, tool_name, frozen_inputs,
		 frozen_envelope, reason, rule_ids, constraints, status, signed_token, token_expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		req.ApprovalID, req.RequestID, req.ExternalUserID, req.Role, req.ToolName,
		frozenInputs, []byte(req.FrozenEnvelope), req.Reason, ruleIDs, constraints, req.Status,
		req.SignedToken, req.TokenExpiresAt, req.CreatedAt,
	)
	if err != nil {
		return req, fmt.Errorf("persist approval request: %w", err)
	}

	if c.Hub != nil {
		c.Hub.Publish(stream.NewApprovalEvent("approval.pending", req.ApprovalID, req.RequestID, map[string]string{
			"tool_name": string(req.ToolName),
		}))
	}
	c.notifyWebhook(ctx, req)
	return req, nil
}

// notifyWebhook posts the rendered approval prompt to the external chat
// front-end. It is best-effort: a failed notification does not fail the
// suspend, since the admin can still act on the in-process hub event.
func (c *Coordinator) notifyWebhook(ctx context.Context, req models.ApprovalRequest) {
	if c.WebhookURL == "" {
		return
	}
	body, err := json.Marshal(map[string]interface{}{
		"approval_id": req.ApprovalID,
		"request_id":  req.RequestID,
		"tool_name":   req.ToolName,
		"reason":      req.Reason,
		"rule_ids":    req.RuleIDs,
		"token":       req.SignedToken,
		"expires_at":  req.TokenExpiresAt,
		"prompt":      fmt.Sprintf("Approval requested for %s: %s", req.ToolName, req.Reason),
	})
	if err != nil {
		return
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	_, _, _ = httpx.PostSignedJSON(ctx, client, c.WebhookURL, c.WebhookSecret, body, 2, 200*time.Millisecond)
}

// Get loads an ApprovalRequest by its id.
func (c *Coordinator) Get(ctx context.Context, approvalID string) (models.ApprovalRequest, error) {
	row := c.DB.QueryRow(ctx, `
		SELECT approval_id, request_id, external_user_id, role, tool_name, frozen_inputs,
		       frozen_envelope, reason, rule_ids, constraints, status, approver_external_id,
		       approver_decision, approver_reason, signed_token, token_expires_at,
		       created_at, decided_at
		FROM internal.approval_requests WHERE approval_id=$1
	`, approvalID)

	var req models.ApprovalRequest
	var frozenInputs, ruleIDs, constraints json.RawMessage
	var approverExternalID, approverDecision, approverReason *string
	var decidedAt *time.Time
	if err := row.Scan(
		&req.ApprovalID, &req.RequestID, &req.ExternalUserID, &req.Role, &req.ToolName,
		&frozenInputs, &req.FrozenEnvelope, &req.Reason, &ruleIDs, &constraints, &req.Status,
		&approverExternalID, &approverDecision, &approverReason, &req.SignedToken,
		&req.TokenExpiresAt, &req.CreatedAt, &decidedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return req, ErrNotFound
		}
		return req, err
	}
	if len(frozenInputs) > 0 {
		_ = json.Unmarshal(frozenInputs, &req.FrozenInputs)
	}
	if len(ruleIDs) > 0 {
		_ = json.Unmarshal(ruleIDs, &req.RuleIDs)
	}
	if len(constraints) > 0 {
		_ = json.Unmarshal(constraints, &req.Constraints)
	}
	if approverExternalID != nil {
		req.ApproverExternalID = *approverExternalID
	}
	if approverDecision != nil {
		req.ApproverDecision = *approverDecision
	}
	if approverReason != nil {
		req.ApproverReason = *approverReason
	}
	req.DecidedAt = decidedAt
	return req, nil
}

// Submit resolves a pending approval: it verifies the token, enforces
// separation of duties (approver external id must differ from the
// original requester, and the approver's own resolved role must be
// admin), and on approve re-evaluates the frozen DecisionInput through
// rbac/tables/columns only (the no-widening guarantee of spec.md §4.5 —
// rows/approval are deliberately skipped so this doesn't just
// re-require approval on itself). A widened request is refused and
// recorded denied rather than executed.
func (c *Coordinator) Submit(ctx context.Context, approvalID, approverRoleValue string, approverExternalID string, approve bool, reason, token string) (models.ApprovalRequest, *models.ToolResult, error) {
	req, err := c.Get(ctx, approvalID)
	if err != nil {
		return req, nil, err
	}
	if req.Status != models.ApprovalPending {
		// Idempotent re-entry (spec.md §4.5): a second submit on an
		// already-terminal request returns the recorded outcome
		// rather than erroring or re-executing anything.
		return req, nil, nil
	}
	if req.TokenExpiresAt.Before(c.now()) {
		_ = c.transition(ctx, &req, models.ApprovalExpired, approverExternalID, "", "token expired")
		c.auditDecision(ctx, req, models.DecisionDeny, "approval.expired")
		c.publishResolved(req, "approval.expired")
		return req, nil, ErrTokenExpired
	}
	if err := VerifyToken(c.Secret, token, approvalID, c.now()); err != nil {
		return req, nil, err
	}
	if approverExternalID == req.ExternalUserID {
		return req, nil, ErrSameRequester
	}
	if approverRoleValue != string(models.RoleAdmin) {
		return req, nil, ErrApproverNotAdmin
	}

	if !approve {
		if err := c.transition(ctx, &req, models.ApprovalDenied, approverExternalID, reason, "denied"); err != nil {
			return req, nil, err
		}
		c.auditDecision(ctx, req, models.DecisionDeny, "approval.denied")
		c.publishResolved(req, "approval.denied")
		return req, nil, nil
	}

	allow, denyReason, ruleIDs := policy.EvaluateGatingOnly(c.Bundle, req.FrozenInputs)
	if !allow {
		_ = c.transition(ctx, &req, models.ApprovalDenied, approverExternalID,
			"scope widened since request: "+denyReason, "widened")
		c.auditDecision(ctx, req, models.DecisionDeny, "approval.widened")
		c.publishResolved(req, "approval.denied")
		return req, nil, ErrWidened
	}
	req.RuleIDs = append(req.RuleIDs, ruleIDs...)

	if err := c.transition(ctx, &req, models.ApprovalApproved, approverExternalID, reason, "approved"); err != nil {
		return req, nil, err
	}
	c.auditDecision(ctx, req, models.DecisionAllow, "approval.approved")
	c.publishResolved(req, "approval.approved")

	if c.Executor == nil {
		return req, nil, nil
	}
	envelope := models.ToolCallEnvelope{
		RequestID:      req.RequestID,
		ExternalUserID: req.ExternalUserID,
		ToolName:       req.ToolName,
		Inputs:         req.FrozenEnvelope,
	}
	result, execErr := c.Executor.Execute(ctx, envelope, models.DecisionOutput{
		Decision:    models.DecisionAllow,
		Reason:      "approved: " + req.Reason,
		RuleIDs:     req.RuleIDs,
		Constraints: req.Constraints,
	})
	c.auditExecution(ctx, req, result, execErr)
	if execErr != nil {
		return req, nil, execErr
	}
	return req, &result, nil
}

func (c *Coordinator) transition(ctx context.Context, req *models.ApprovalRequest, to models.ApprovalStatus, approverExternalID, approverReason, approverDecision string) error {
	if !CanTransition(req.Status, to) {
		return ErrAlreadyDecided
	}
	decidedAt := c.now()
	tag, err := c.DB.Exec(ctx, `
		UPDATE internal.approval_requests
		SET status=$1, approver_external_id=$2, approver_decision=$3, approver_reason=$4, decided_at=$5
		WHERE approval_id=$6 AND status=$7
	`, to, approverExternalID, approverDecision, approverReason, decidedAt, req.ApprovalID, req.Status)
	if err != nil {
		return fmt.Errorf("transition approval request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Another Submit already moved this row off the status we read it
		// at; the compare-and-set lost the race. Losing here must stop the
		// caller before it executes anything.
		return ErrAlreadyDecided
	}
	req.Status = to
	req.ApproverExternalID = approverExternalID
	req.ApproverDecision = approverDecision
	req.ApproverReason = approverReason
	req.DecidedAt = &decidedAt
	return nil
}

// auditDecision writes the spec's "one audit entry for the
// approval decision" row. It is best-effort relative to the caller's
// response: a missing Audit writer (e.g. in unit tests) is a silent
// no-op rather than an error, since C5 itself has no client reply to
// abort — that guarantee belongs to C7.
func (c *Coordinator) auditDecision(ctx context.Context, req models.ApprovalRequest, decision models.Decision, ruleID string) {
	if c.Audit == nil {
		return
	}
	entry := models.AuditEntry{
		LogID:          uuid.NewString(),
		RequestID:      req.RequestID,
		ExternalUserID: req.ApproverExternalID,
		Role:           models.RoleAdmin,
		ToolName:       req.ToolName,
		Decision:       decision,
		RuleIDs:        append(append([]string{}, req.RuleIDs...), ruleID),
	}
	rawInputs, _ := json.Marshal(map[string]interface{}{"approval_id": req.ApprovalID, "approver_reason": req.ApproverReason})
	_, _ = c.Audit.Write(ctx, entry, rawInputs, nil)
}

// publishResolved fans out the terminal outcome of a suspended request
// so an admin session already streaming approval.* events (see
// cmd/dispatcher's streamEvents / pkg/stream.TopicApproval) sees the
// resolution live.
func (c *Coordinator) publishResolved(req models.ApprovalRequest, eventType string) {
	if c.Hub == nil {
		return
	}
	c.Hub.Publish(stream.NewApprovalEvent(eventType, req.ApprovalID, req.RequestID, map[string]string{
		"tool_name": string(req.ToolName),
		"status":    string(req.Status),
	}))
}

// auditExecution writes the "if applicable, one [more entry] for the
// resulting execution" row once the post-approval run has happened.
func (c *Coordinator) auditExecution(ctx context.Context, req models.ApprovalRequest, result models.ToolResult, execErr error) {
	if c.Audit == nil {
		return
	}
	decision := models.DecisionAllow
	errMsg := ""
	if execErr != nil {
		decision = models.DecisionDeny
		errMsg = execErr.Error()
	}
	entry := models.AuditEntry{
		LogID:          uuid.NewString(),
		RequestID:      req.RequestID,
		ExternalUserID: req.ExternalUserID,
		Role:           req.Role,
		ToolName:       req.ToolName,
		Decision:       decision,
		RuleIDs:        req.RuleIDs,
		RowCount:       &result.RowCount,
		Error:          errMsg,
	}
	_, _ = c.Audit.Write(ctx, entry, req.FrozenEnvelope, result.Raw)
}

// Sweep expires every pending request whose token has lapsed. It is
// meant to run on a periodic timer (cmd/approvalsweeper) since a
// pending request with nobody watching it should not stay actionable
// forever.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	tag, err := c.DB.Exec(ctx, `
		UPDATE internal.approval_requests
		SET status=$1, decided_at=$2
		WHERE status=$3 AND token_expires_at < $2
	`, models.ApprovalExpired, c.now(), models.ApprovalPending)
	if err != nil {
		return 0, fmt.Errorf("sweep expired approvals: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 && c.Audit != nil {
		entry := models.AuditEntry{
			LogID:    uuid.NewString(),
			Role:     models.RoleAdmin,
			Decision: models.DecisionDeny,
			RuleIDs:  []string{"approval.expired"},
		}
		rawInputs, _ := json.Marshal(map[string]interface{}{"swept_count": n})
		_, _ = c.Audit.Write(ctx, entry, rawInputs, nil)
	}
	if n > 0 && c.Hub != nil {
		c.Hub.Publish(stream.NewEvent("approval.swept", map[string]interface{}{"swept_count": n}))
	}
	return n, nil
}
