// Package models holds the value types shared across the dispatch
// pipeline: identities, tool-call envelopes, decision inputs/outputs,
// approval requests, and audit entries. None of these types carry
// behaviour beyond JSON (de)serialization; the logic lives in
// pkg/policy, pkg/executor, pkg/approval and pkg/audit.
package models

import (
	"encoding/json"
	"time"
)

// Role is a server-side authoritative role assignment. Role values are
// never taken from a client envelope.
type Role string

const (
	RoleIntern      Role = "intern"
	RoleMarketing   Role = "marketing"
	RoleSales       Role = "sales"
	RoleDataAnalyst Role = "data_analyst"
	RoleAdmin       Role = "admin"
)

// ValidRoles is the closed set of roles the policy engine understands.
var ValidRoles = map[Role]struct{}{
	RoleIntern:      {},
	RoleMarketing:   {},
	RoleSales:       {},
	RoleDataAnalyst: {},
	RoleAdmin:       {},
}

// Region is a coarse geography used for row-level filtering of sales data.
type Region string

const (
	RegionNA    Region = "NA"
	RegionEMEA  Region = "EMEA"
	RegionAPAC  Region = "APAC"
	RegionLATAM Region = "LATAM"
)

// Identity is the resolved, authoritative record for an external user,
// keyed by ExternalUserID. Role and Region come from the identity store,
// never from the tool-call envelope.
type Identity struct {
	ExternalUserID string `json:"external_user_id"`
	DisplayName    string `json:"display_name"`
	Role           Role   `json:"role"`
	Region         Region `json:"region,omitempty"`
}

// Tool names the fixed catalogue the executor can dispatch to.
type Tool string

const (
	ToolSearchDocs    Tool = "search_docs"
	ToolExplainMetric Tool = "explain_metric"
	ToolRunSQL        Tool = "run_sql"
	ToolGenerateChart Tool = "generate_chart"
)

// ToolCallEnvelope is the client-submitted request to invoke a tool.
// RequestID is the client-generated idempotency key.
type ToolCallEnvelope struct {
	RequestID      string          `json:"request_id"`
	ExternalUserID string          `json:"external_user_id"`
	ToolName       Tool            `json:"tool_name"`
	Inputs         json.RawMessage `json:"inputs"`
}

// QueryType is the statement kind the SQL analyzer recognizes.
type QueryType string

const (
	QuerySelect QueryType = "SELECT"
	QueryInsert QueryType = "INSERT"
	QueryUpdate QueryType = "UPDATE"
	QueryDelete QueryType = "DELETE"
	QueryCreate QueryType = "CREATE"
	QueryDrop   QueryType = "DROP"
	QueryAlter  QueryType = "ALTER"
)

// TableRef is a (schema, table) pair extracted from a SQL statement. An
// empty Schema means the reference was unqualified; the policy engine
// treats that as "any schema the role does not explicitly allow" —
// fail-closed, per the SQL analyzer's over-approximation contract.
type TableRef struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

// DecisionInput is the pure, side-effect-free description of a tool call
// handed to the policy engine. It never contains raw query text or raw
// user input beyond the structural facts the layers need.
type DecisionInput struct {
	Role      Role       `json:"role"`
	Region    Region     `json:"region,omitempty"`
	Tool      Tool       `json:"tool"`
	Tables    []TableRef `json:"tables,omitempty"`
	Columns   []string   `json:"columns,omitempty"`
	QueryType QueryType  `json:"query_type,omitempty"`
	HasLimit  bool       `json:"has_limit"`
	IsAggregate bool     `json:"is_aggregate,omitempty"`
	RowCount  *int       `json:"row_count,omitempty"`
}

// Decision is the ALLOW/DENY/REQUIRE_APPROVAL verdict of the policy
// engine aggregation step.
type Decision string

const (
	DecisionAllow           Decision = "ALLOW"
	DecisionDeny            Decision = "DENY"
	DecisionRequireApproval Decision = "REQUIRE_APPROVAL"
)

// DecisionOutput is what the policy engine returns for one DecisionInput.
// RuleIDs is non-empty whenever Decision != ALLOW or a non-trivial layer
// matched. Constraints is empty iff no rewrite is needed.
type DecisionOutput struct {
	Decision    Decision               `json:"decision"`
	Reason      string                 `json:"reason"`
	RuleIDs     []string               `json:"rule_ids"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`
}

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is a suspended tool call awaiting a second-party
// decision. FrozenInputs is the DecisionInput captured at request time;
// re-evaluation on approval uses this frozen value, never a fresh
// lookup (see SPEC_FULL.md OQ(a)).
type ApprovalRequest struct {
	ApprovalID     string          `json:"approval_id"`
	RequestID      string          `json:"request_id"`
	ExternalUserID string          `json:"external_user_id"`
	Role           Role            `json:"role"`
	ToolName       Tool            `json:"tool_name"`
	FrozenInputs   DecisionInput   `json:"frozen_inputs"`
	FrozenEnvelope json.RawMessage `json:"frozen_envelope"`
	Reason         string          `json:"reason"`
	RuleIDs        []string        `json:"rule_ids"`
	// Constraints carries forward the original REQUIRE_APPROVAL decision's
	// Constraints map (masked_columns, region_filter, ...) so that a later
	// approval does not lose the masking/filtering guarantees that held at
	// suspend time — EvaluateGatingOnly on approve only re-checks
	// rbac/tables/columns for widening, it does not recompute rows'
	// region_filter, so this field is the sole carrier of that constraint
	// across the suspend/resume boundary.
	Constraints        map[string]interface{} `json:"constraints,omitempty"`
	Status             ApprovalStatus          `json:"status"`
	ApproverExternalID string                  `json:"approver_external_id,omitempty"`
	ApproverDecision   string                  `json:"approver_decision,omitempty"`
	ApproverReason     string                  `json:"approver_reason,omitempty"`
	SignedToken        string                  `json:"signed_token"`
	TokenExpiresAt     time.Time               `json:"token_expires_at"`
	CreatedAt          time.Time               `json:"created_at"`
	DecidedAt          *time.Time              `json:"decided_at,omitempty"`
}

// AuditEntry is one row per terminal outcome of an invocation.
type AuditEntry struct {
	LogID           string                 `json:"log_id"`
	RequestID       string                 `json:"request_id"`
	ExternalUserID  string                 `json:"external_user_id"`
	Role            Role                   `json:"role"`
	ToolName        Tool                   `json:"tool_name"`
	InputsRedacted  json.RawMessage        `json:"inputs_redacted"`
	OutputsRedacted json.RawMessage        `json:"outputs_redacted,omitempty"`
	Decision        Decision               `json:"decision"`
	RuleIDs         []string               `json:"rule_ids"`
	Constraints     map[string]interface{} `json:"constraints,omitempty"`
	LatencyMS       int64                  `json:"latency_ms"`
	RowCount        *int                   `json:"row_count,omitempty"`
	Error           string                 `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// ToolResult is the opaque per-tool payload returned on ALLOW.
type ToolResult struct {
	Columns   []string        `json:"columns,omitempty"`
	Rows      [][]interface{} `json:"rows,omitempty"`
	RowCount  int             `json:"row_count"`
	Truncated bool            `json:"truncated,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// DispatchResponse is the top-level JSON response of the tool-call
// endpoint.
type DispatchResponse struct {
	Status     string          `json:"status"`
	RequestID  string          `json:"request_id"`
	Decision   DecisionSummary `json:"decision"`
	Result     json.RawMessage `json:"result,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

// DecisionSummary is the decision fragment of DispatchResponse.
type DecisionSummary struct {
	Reason      string                 `json:"reason"`
	RuleIDs     []string               `json:"rule_ids"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`
}
