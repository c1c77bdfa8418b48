// Package orchestrator implements C7, the request orchestrator: it
// drives one tool call through Received -> Analyzed -> Decided ->
// (Executed | Suspended | Refused) -> Logged -> Responded, collapsing
// concurrent arrivals of the same request_id and normalizing every
// layer's failure into one *Error before it reaches the caller.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/approval"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/audit"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/auditstream"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/executor"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/identity"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/policy"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/sqlanalyzer"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/store"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/stream"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/telemetry"
)

var knownTools = map[models.Tool]struct{}{
	models.ToolRunSQL:        {},
	models.ToolSearchDocs:    {},
	models.ToolExplainMetric: {},
	models.ToolGenerateChart: {},
}

// idempotencyTTL bounds how long a completed dispatch's response stays
// replayable from IdempotencyCache. Long enough to cover a client's
// retry-after-timeout window, short enough that a request_id can be
// legitimately reused for a new logical call once it elapses.
const idempotencyTTL = 10 * time.Minute

// Orchestrator wires C1 through C6 behind one Dispatch call.
type Orchestrator struct {
	Identity    *identity.Resolver
	PolicyStore *policy.Store
	Executor    *executor.Executor
	Approval    *approval.Coordinator
	Audit       *audit.Writer
	Stream      *auditstream.Producer // best-effort; nil disables SIEM export
	Hub         *stream.Hub           // best-effort; nil disables event fan-out
	Rendezvous  *store.Rendezvous

	// IdempotencyCache extends request-id collapsing across process
	// restarts and dispatcher replicas: Rendezvous only collapses
	// concurrent arrivals within one process's lifetime, so a client
	// retry that lands on a different replica (or the same replica
	// after a restart) would otherwise re-run a completed call. Nil
	// disables cross-instance replay without affecting single-process
	// collapsing.
	IdempotencyCache store.Cache

	Now func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

// Dispatch runs one tool call envelope through the full pipeline. A
// non-nil *Error means the caller gets HTTPStatus(err.Kind) and no
// result; a nil error means resp is the complete, already-audited
// outcome (allow, deny, or pending), always a 200.
func (o *Orchestrator) Dispatch(ctx context.Context, envelope models.ToolCallEnvelope) (models.DispatchResponse, *Error) {
	if err := validateEnvelope(envelope); err != nil {
		return models.DispatchResponse{}, err
	}

	// request_id collapsing only applies when it parses as a UUID; a
	// non-UUID idempotency key still dispatches correctly, it just never
	// collapses concurrent arrivals.
	requestID, parseErr := uuid.Parse(envelope.RequestID)
	if parseErr == nil {
		if resp, ok := o.replayFromCache(ctx, requestID); ok {
			return resp, nil
		}
		if wait, isFirst := o.Rendezvous.Join(requestID); !isFirst {
			result, err := wait()
			if err != nil {
				var oerr *Error
				if errors.As(err, &oerr) {
					return models.DispatchResponse{}, oerr
				}
				return models.DispatchResponse{}, newError(KindAuditWriteFailed, "", err)
			}
			resp, _ := result.(models.DispatchResponse)
			return resp, nil
		}
	}

	resp, err := o.dispatchOnce(ctx, envelope)
	if parseErr == nil {
		if err != nil {
			o.Rendezvous.Resolve(requestID, nil, err)
		} else {
			o.Rendezvous.Resolve(requestID, resp, nil)
			o.storeInCache(ctx, requestID, resp)
		}
	}
	return resp, err
}

// replayFromCache returns a prior dispatch's response when requestID was
// already completed on this or another replica within idempotencyTTL. A
// cache miss, a disabled cache, or an undecodable entry all fall through
// to a normal dispatch rather than failing the call.
func (o *Orchestrator) replayFromCache(ctx context.Context, requestID uuid.UUID) (models.DispatchResponse, bool) {
	if o.IdempotencyCache == nil {
		return models.DispatchResponse{}, false
	}
	raw, err := o.IdempotencyCache.Get(ctx, idempotencyCacheKey(requestID))
	if err != nil {
		return models.DispatchResponse{}, false
	}
	var resp models.DispatchResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return models.DispatchResponse{}, false
	}
	return resp, true
}

func (o *Orchestrator) storeInCache(ctx context.Context, requestID uuid.UUID, resp models.DispatchResponse) {
	if o.IdempotencyCache == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = o.IdempotencyCache.Set(ctx, idempotencyCacheKey(requestID), string(raw), idempotencyTTL)
}

func idempotencyCacheKey(requestID uuid.UUID) string {
	return "dispatch:idem:" + requestID.String()
}

func (o *Orchestrator) dispatchOnce(ctx context.Context, envelope models.ToolCallEnvelope) (models.DispatchResponse, *Error) {
	id, err := o.Identity.Lookup(ctx, envelope.ExternalUserID)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownIdentity) || errors.Is(err, identity.ErrMissingRegion) {
			return models.DispatchResponse{}, newError(KindIdentityUnknown, "", err)
		}
		return models.DispatchResponse{}, newError(KindIdentityUnknown, "", err)
	}

	input := models.DecisionInput{Role: id.Role, Region: id.Region, Tool: envelope.ToolName}

	if envelope.ToolName == models.ToolRunSQL {
		query, decodeErr := decodeRunSQLQuery(envelope.Inputs)
		if decodeErr != nil {
			return models.DispatchResponse{}, newError(KindEnvelopeMalformed, "run_sql requires a query string", decodeErr)
		}
		facts, analyzeErr := sqlanalyzer.Analyze(query)
		if analyzeErr != nil {
			// An unparseable query is a resolved DENY, not a transport
			// error: the client gets the same 200 + decision body as any
			// other refusal, carrying the analyzer.parse_error rule.
			ruleIDs := []string{string(KindParseError)}
			if aerr := o.auditTerminal(ctx, envelope, id, models.DecisionDeny, ruleIDs, nil, nil, 0, analyzeErr.Error(), nil); aerr != nil {
				return models.DispatchResponse{}, aerr
			}
			return models.DispatchResponse{
				Status:    "deny",
				RequestID: envelope.RequestID,
				Decision: models.DecisionSummary{
					Reason:  analyzeErr.Error(),
					RuleIDs: ruleIDs,
				},
			}, nil
		}
		input.Tables = facts.Tables
		input.Columns = facts.Columns
		input.QueryType = facts.QueryType
		input.HasLimit = facts.HasLimit
		input.IsAggregate = sqlanalyzer.IsAggregate(query)
		if facts.HasLimit {
			rc := facts.LimitValue
			input.RowCount = &rc
		}
	}

	decision := policy.Evaluate(o.PolicyStore.Current(), input)

	switch decision.Decision {
	case models.DecisionDeny:
		return o.respondDeny(ctx, envelope, id, decision)
	case models.DecisionRequireApproval:
		return o.respondRequireApproval(ctx, envelope, id, input, decision)
	default:
		return o.respondAllow(ctx, envelope, id, decision)
	}
}

func (o *Orchestrator) respondDeny(ctx context.Context, envelope models.ToolCallEnvelope, id models.Identity, decision models.DecisionOutput) (models.DispatchResponse, *Error) {
	if aerr := o.auditTerminal(ctx, envelope, id, models.DecisionDeny, decision.RuleIDs, decision.Constraints, nil, 0, "", nil); aerr != nil {
		return models.DispatchResponse{}, aerr
	}
	return models.DispatchResponse{
		Status:    "deny",
		RequestID: envelope.RequestID,
		Decision: models.DecisionSummary{
			Reason:      decision.Reason,
			RuleIDs:     decision.RuleIDs,
			Constraints: decision.Constraints,
		},
	}, nil
}

func (o *Orchestrator) respondRequireApproval(ctx context.Context, envelope models.ToolCallEnvelope, id models.Identity, input models.DecisionInput, decision models.DecisionOutput) (models.DispatchResponse, *Error) {
	req, err := o.Approval.Create(ctx, envelope, id.Role, input, decision)
	if err != nil {
		return models.DispatchResponse{}, newError(KindAuditWriteFailed, "could not suspend call for approval", err)
	}
	if aerr := o.auditTerminal(ctx, envelope, id, models.DecisionRequireApproval, decision.RuleIDs, decision.Constraints, nil, 0, "", nil); aerr != nil {
		return models.DispatchResponse{}, aerr
	}
	expiresAt := req.TokenExpiresAt
	return models.DispatchResponse{
		Status:    "pending",
		RequestID: envelope.RequestID,
		Decision: models.DecisionSummary{
			Reason:      decision.Reason,
			RuleIDs:     decision.RuleIDs,
			Constraints: decision.Constraints,
		},
		ApprovalID: req.ApprovalID,
		ExpiresAt:  &expiresAt,
	}, nil
}

func (o *Orchestrator) respondAllow(ctx context.Context, envelope models.ToolCallEnvelope, id models.Identity, decision models.DecisionOutput) (models.DispatchResponse, *Error) {
	result, latencyMS, execErr := o.Executor.ExecuteTimed(ctx, envelope, decision)

	auditDecision := models.DecisionAllow
	errMsg := ""
	var rowCount *int
	var rawOutputs json.RawMessage
	if execErr != nil {
		auditDecision = models.DecisionDeny
		errMsg = execErr.Error()
	} else {
		rc := result.RowCount
		rowCount = &rc
		rawOutputs, _ = json.Marshal(result)
	}

	if aerr := o.auditTerminal(ctx, envelope, id, auditDecision, decision.RuleIDs, decision.Constraints, rowCount, latencyMS, errMsg, rawOutputs); aerr != nil {
		return models.DispatchResponse{}, aerr
	}

	if execErr != nil {
		return models.DispatchResponse{}, wrapExecutorError(execErr)
	}

	return models.DispatchResponse{
		Status:    "allow",
		RequestID: envelope.RequestID,
		Decision: models.DecisionSummary{
			Reason:      decision.Reason,
			RuleIDs:     decision.RuleIDs,
			Constraints: decision.Constraints,
		},
		Result: rawOutputs,
	}, nil
}

// auditTerminal writes the one audit entry every resolved outcome
// requires before the response leaves, per spec.md §7's "every error
// produces exactly one audit entry before the response; audit.write_failed
// is fatal and withholds the result." It also fires the best-effort
// Kafka export and hub event, neither of which can fail the request.
func (o *Orchestrator) auditTerminal(ctx context.Context, envelope models.ToolCallEnvelope, id models.Identity, decision models.Decision, ruleIDs []string, constraints map[string]interface{}, rowCount *int, latencyMS int64, errMsg string, rawOutputs json.RawMessage) *Error {
	telemetry.AnnotateDecision(ctx, string(id.Role), string(envelope.ToolName), string(decision), ruleIDs)
	entry := models.AuditEntry{
		LogID:          uuid.NewString(),
		RequestID:      envelope.RequestID,
		ExternalUserID: envelope.ExternalUserID,
		Role:           id.Role,
		ToolName:       envelope.ToolName,
		Decision:       decision,
		RuleIDs:        ruleIDs,
		Constraints:    constraints,
		LatencyMS:      latencyMS,
		RowCount:       rowCount,
		Error:          errMsg,
	}
	written, err := o.Audit.Write(ctx, entry, envelope.Inputs, rawOutputs)
	if err != nil {
		return newError(KindAuditWriteFailed, "audit write failed; withholding result", err)
	}
	if o.Stream != nil {
		_ = o.Stream.Publish(ctx, written)
	}
	if o.Hub != nil {
		o.Hub.Publish(stream.NewEvent("dispatch.completed", map[string]string{
			"request_id": envelope.RequestID,
			"tool_name":  string(envelope.ToolName),
			"decision":   string(decision),
		}))
	}
	return nil
}

func validateEnvelope(envelope models.ToolCallEnvelope) *Error {
	if envelope.RequestID == "" {
		return newError(KindEnvelopeMalformed, "request_id is required", nil)
	}
	if envelope.ExternalUserID == "" {
		return newError(KindEnvelopeMalformed, "external_user_id is required", nil)
	}
	if _, ok := knownTools[envelope.ToolName]; !ok {
		return newError(KindEnvelopeMalformed, fmt.Sprintf("unknown tool_name %q", envelope.ToolName), nil)
	}
	if len(envelope.Inputs) == 0 {
		return newError(KindEnvelopeMalformed, "inputs is required", nil)
	}
	return nil
}

func decodeRunSQLQuery(inputs json.RawMessage) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(inputs, &in); err != nil {
		return "", fmt.Errorf("decode run_sql inputs: %w", err)
	}
	if in.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	return in.Query, nil
}

// wrapExecutorError maps a pkg/executor failure to its Kind. Grounded on
// spec.md §7's fixed executor.* error kinds.
func wrapExecutorError(err error) *Error {
	switch {
	case errors.Is(err, executor.ErrTimeout):
		return newError(KindExecutorTimeout, "", err)
	case errors.Is(err, executor.ErrPoolExhausted):
		return newError(KindPoolExhausted, "", err)
	case errors.Is(err, executor.ErrUnknownTool):
		return newError(KindUnknownTool, "", err)
	default:
		return newError(KindExecutorDBError, "", err)
	}
}

// WrapApprovalError maps a pkg/approval.Submit failure to its Kind, for
// cmd/dispatcher's approval-callback handler to reuse the same
// Kind->HTTPStatus table Dispatch uses.
func WrapApprovalError(err error) *Error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return newError(KindApprovalNotFound, "", err)
	case errors.Is(err, approval.ErrAlreadyDecided):
		return newError(KindAlreadyDecided, "", err)
	case errors.Is(err, approval.ErrSameRequester):
		return newError(KindSelfApproval, "", err)
	case errors.Is(err, approval.ErrApproverNotAdmin):
		return newError(KindNotAdmin, "", err)
	case errors.Is(err, approval.ErrWidened):
		return newError(KindPolicyDenied, "", err)
	case errors.Is(err, approval.ErrTokenExpired):
		return newError(KindTokenExpired, "", err)
	case errors.Is(err, approval.ErrTokenMalformed),
		errors.Is(err, approval.ErrTokenSignature),
		errors.Is(err, approval.ErrTokenMismatch):
		return newError(KindTokenInvalid, "", err)
	default:
		return newError(KindExecutorDBError, "", err)
	}
}
