package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/constraints"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/identity"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/sqlanalyzer"
)

// sessionRequired is the subset of the fixed tool catalogue that needs a
// scoped database transaction at all: generate_chart is pure.
var sessionRequired = map[models.Tool]bool{
	models.ToolRunSQL:        true,
	models.ToolSearchDocs:    true,
	models.ToolExplainMetric: true,
	models.ToolGenerateChart: false,
}

// NewRegistry builds the fixed tool catalogue's handlers, per spec.md
// §4.4.
func NewRegistry() map[models.Tool]Tool {
	return map[models.Tool]Tool{
		models.ToolRunSQL:        &runSQLTool{},
		models.ToolSearchDocs:    &searchDocsTool{},
		models.ToolExplainMetric: &explainMetricTool{},
		models.ToolGenerateChart: &generateChartTool{},
	}
}

// Executor is C4: it dispatches an ALLOW'd (or post-approval) tool call
// to its concrete handler under a scoped database session, applying the
// constraints the policy engine attached and enforcing the wall-clock
// timeout, the role-scaled row cap, and the bounded pool-acquire wait
// spec.md §4.4/§5 describe. It implements pkg/approval.Executor so the
// approval coordinator can re-invoke the same dispatch path after a
// human approves a suspended call.
type Executor struct {
	DB         sessionDB
	Identity   *identity.Resolver
	Applier    *constraints.Applier
	Registry   map[models.Tool]Tool
	RowCapFunc func(models.Role) int

	// Timeout is the per-call wall-clock deadline (spec.md §4.4's
	// default 30s). PoolAcquireWait bounds how long OpenSession blocks
	// before returning ErrPoolExhausted (spec.md §5).
	Timeout         time.Duration
	PoolAcquireWait time.Duration

	Now func() time.Time
}

// New builds an Executor with the default tool registry.
func New(db sessionDB, id *identity.Resolver, applier *constraints.Applier, rowCapFunc func(models.Role) int) *Executor {
	if applier == nil {
		applier = constraints.New(nil)
	}
	return &Executor{
		DB:         db,
		Identity:   id,
		Applier:    applier,
		Registry:   NewRegistry(),
		RowCapFunc: rowCapFunc,
	}
}

func (e *Executor) timeout() time.Duration {
	if e.Timeout <= 0 {
		return 30 * time.Second
	}
	return e.Timeout
}

func (e *Executor) poolAcquireWait() time.Duration {
	if e.PoolAcquireWait <= 0 {
		return 5 * time.Second
	}
	return e.PoolAcquireWait
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Executor) rowCap(role models.Role) int {
	if e.RowCapFunc != nil {
		return e.RowCapFunc(role)
	}
	if role == models.RoleDataAnalyst || role == models.RoleAdmin {
		return 10000
	}
	return 1000
}

// Execute satisfies pkg/approval.Executor.
func (e *Executor) Execute(ctx context.Context, envelope models.ToolCallEnvelope, decision models.DecisionOutput) (models.ToolResult, error) {
	result, _, err := e.ExecuteTimed(ctx, envelope, decision)
	return result, err
}

// ExecuteTimed is the form pkg/orchestrator calls directly: it returns
// the wall-clock latency in milliseconds alongside the result, since
// spec.md §4.4 requires the executor to capture it.
func (e *Executor) ExecuteTimed(ctx context.Context, envelope models.ToolCallEnvelope, decision models.DecisionOutput) (models.ToolResult, int64, error) {
	start := e.now()

	tool, ok := e.Registry[envelope.ToolName]
	if !ok {
		return models.ToolResult{}, 0, fmt.Errorf("%w: %s", ErrUnknownTool, envelope.ToolName)
	}

	id, err := e.Identity.Lookup(ctx, envelope.ExternalUserID)
	if err != nil {
		return models.ToolResult{}, 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	inputs := envelope.Inputs
	if envelope.ToolName == models.ToolRunSQL {
		inputs, err = e.rewriteRunSQLInputs(inputs, decision.Constraints, id.Role)
		if err != nil {
			return models.ToolResult{}, 0, err
		}
	}

	var sess *Session
	if sessionRequired[envelope.ToolName] {
		sess, err = e.openSession(callCtx, id.Role, id.Region, e.rowCap(id.Role))
		if err != nil {
			return models.ToolResult{}, 0, err
		}
	}

	callCtx = withRole(callCtx, id.Role)
	result, invokeErr := tool.Invoke(callCtx, sess, inputs)

	if sess != nil {
		if invokeErr == nil {
			invokeErr = sess.Commit(callCtx)
		} else {
			_ = sess.Rollback(callCtx)
		}
	}

	latencyMS := e.now().Sub(start).Milliseconds()

	if invokeErr != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return models.ToolResult{}, latencyMS, ErrTimeout
		}
		return models.ToolResult{}, latencyMS, invokeErr
	}
	return result, latencyMS, nil
}

// rewriteRunSQLInputs decodes the caller's {query} input, re-analyzes
// it, and hands the Applier the DecisionOutput's constraints map so the
// query the handler actually executes already carries the region
// predicate, the redundant LIMIT, and the list of columns to mask on
// the way out. Re-running the analyzer here (rather than threading C1's
// facts through the envelope) keeps Execute's signature matching
// pkg/approval.Executor exactly: the approval path only has the frozen
// envelope and decision, not the orchestrator's intermediate facts.
func (e *Executor) rewriteRunSQLInputs(inputs json.RawMessage, decisionConstraints map[string]interface{}, role models.Role) (json.RawMessage, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(inputs, &in); err != nil {
		return nil, fmt.Errorf("decode run_sql inputs: %w", err)
	}
	facts, err := sqlanalyzer.Analyze(in.Query)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	rewrite := e.Applier.Apply(in.Query, facts, decisionConstraints, role)
	out := runSQLInputs{Query: rewrite.Query, MaskedColumns: rewrite.MaskedColumns}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal rewritten run_sql inputs: %w", err)
	}
	return b, nil
}

func (e *Executor) openSession(ctx context.Context, role models.Role, region models.Region, rowCap int) (*Session, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, e.poolAcquireWait())
	defer cancel()
	sess, err := OpenSession(acquireCtx, e.DB, role, region, rowCap)
	if err != nil {
		if errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrPoolExhausted
		}
		return nil, err
	}
	return sess, nil
}
