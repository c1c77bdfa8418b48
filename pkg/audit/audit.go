// Package audit implements C6 of the dispatch pipeline: it redacts a
// tool call's raw inputs/outputs and persists exactly one row per
// terminal outcome before the orchestrator replies to the caller. The
// write precedes the reply; a failed write aborts the reply rather than
// silently dropping the audit trail.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer persists AuditEntry rows to internal.audit_logs, redacting raw
// inputs/outputs on the way in.
type Writer struct {
	DB       auditDB
	HashSalt []byte
}

// ErrWriteFailed wraps the underlying DB error. The orchestrator treats
// any ErrWriteFailed as audit.write_failed and aborts the client reply.
type ErrWriteFailed struct{ Cause error }

func (e *ErrWriteFailed) Error() string { return fmt.Sprintf("audit write failed: %v", e.Cause) }
func (e *ErrWriteFailed) Unwrap() error { return e.Cause }

// Write redacts rawInputs/rawOutputs, fills entry's redacted fields and
// CreatedAt, and inserts the row. It returns the entry as persisted.
// Write does not generate a LogID: callers set it themselves via
// uuid.NewString() before calling Write, since the database column has
// no default generator in this schema.
func (w *Writer) Write(ctx context.Context, entry models.AuditEntry, rawInputs, rawOutputs json.RawMessage) (models.AuditEntry, error) {
	entry.InputsRedacted = RedactJSON(rawInputs, w.HashSalt)
	if len(rawOutputs) > 0 {
		entry.OutputsRedacted = RedactJSON(rawOutputs, w.HashSalt)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	ruleIDs, err := json.Marshal(entry.RuleIDs)
	if err != nil {
		return entry, fmt.Errorf("marshal rule_ids: %w", err)
	}
	constraints, err := json.Marshal(entry.Constraints)
	if err != nil {
		return entry, fmt.Errorf("marshal constraints: %w", err)
	}

	_, err = w.DB.Exec(ctx, `
		INSERT INTO internal.audit_logs
		(log_id, request_id, external_user_id, role, tool_name, inputs_redacted,
		 outputs_redacted, decision, rule_ids, constraints, latency_ms, row_count,
		 error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		entry.LogID, entry.RequestID, entry.ExternalUserID, entry.Role, entry.ToolName,
		entry.InputsRedacted, entry.OutputsRedacted, entry.Decision, ruleIDs, constraints,
		entry.LatencyMS, entry.RowCount, entry.Error, entry.CreatedAt,
	)
	if err != nil {
		return entry, &ErrWriteFailed{Cause: err}
	}
	return entry, nil
}

// Get retrieves the persisted AuditEntry for a request_id, used by the
// orchestrator's idempotent-collapse path and the /v1/audit/{request_id}
// endpoint.
func (w *Writer) Get(ctx context.Context, requestID string) (models.AuditEntry, error) {
	row := w.DB.QueryRow(ctx, `
		SELECT log_id, request_id, external_user_id, role, tool_name, inputs_redacted,
		       outputs_redacted, decision, rule_ids, constraints, latency_ms, row_count,
		       error, created_at
		FROM internal.audit_logs WHERE request_id=$1
		ORDER BY created_at DESC LIMIT 1
	`, requestID)

	var entry models.AuditEntry
	var ruleIDs, constraints json.RawMessage
	var outputsRedacted json.RawMessage
	var errStr *string
	var rowCount *int
	if err := row.Scan(
		&entry.LogID, &entry.RequestID, &entry.ExternalUserID, &entry.Role, &entry.ToolName,
		&entry.InputsRedacted, &outputsRedacted, &entry.Decision, &ruleIDs, &constraints,
		&entry.LatencyMS, &rowCount, &errStr, &entry.CreatedAt,
	); err != nil {
		return entry, err
	}
	entry.OutputsRedacted = outputsRedacted
	entry.RowCount = rowCount
	if errStr != nil {
		entry.Error = *errStr
	}
	if len(ruleIDs) > 0 {
		_ = json.Unmarshal(ruleIDs, &entry.RuleIDs)
	}
	if len(constraints) > 0 {
		_ = json.Unmarshal(constraints, &entry.Constraints)
	}
	return entry, nil
}
