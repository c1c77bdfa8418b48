package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/constraints"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
)

// Tool is one of the fixed catalogue's concrete handlers, grounded on
// SPEC_FULL.md §4.4's added handler interface.
type Tool interface {
	Name() models.Tool
	Invoke(ctx context.Context, sess *Session, inputs json.RawMessage) (models.ToolResult, error)
}

// runSQLTool executes the (already rewritten) SQL text under the
// caller's scoped session and masks the columns C3 flagged. Rewriting
// itself happens once, in Executor.ExecuteTimed (via
// rewriteRunSQLInputs), before Invoke is called.
type runSQLTool struct{}

func (t *runSQLTool) Name() models.Tool { return models.ToolRunSQL }

// runSQLInputs is the analyzed-and-rewritten form that
// Executor.rewriteRunSQLInputs produces before Invoke: the query text is already the output of C3's
// Applier, so this handler only runs it, caps rows, and masks.
type runSQLInputs struct {
	Query         string   `json:"query"`
	MaskedColumns []string `json:"masked_columns,omitempty"`
}

func (t *runSQLTool) Invoke(ctx context.Context, sess *Session, inputs json.RawMessage) (models.ToolResult, error) {
	var in runSQLInputs
	if err := json.Unmarshal(inputs, &in); err != nil {
		return models.ToolResult{}, fmt.Errorf("decode run_sql inputs: %w", err)
	}

	rows, err := sess.Tx.Query(ctx, in.Query)
	if err != nil {
		return models.ToolResult{}, wrapDBError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = string(f.Name)
	}

	var result [][]interface{}
	truncated := false
	for rows.Next() {
		if len(result) >= sess.RowCap {
			truncated = true
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return models.ToolResult{}, wrapDBError(err)
		}
		result = append(result, vals)
	}
	if err := rows.Err(); err != nil {
		return models.ToolResult{}, wrapDBError(err)
	}

	constraints.MaskRows(columns, result, in.MaskedColumns)

	return models.ToolResult{
		Columns:   columns,
		Rows:      result,
		RowCount:  len(result),
		Truncated: truncated,
	}, nil
}

// searchDocsTool queries internal.doc_chunks by vector similarity,
// filtered to chunks whose acl_tags intersect the caller's role —
// SPEC_FULL.md §4.4's pgvector-backed addition.
type searchDocsTool struct{}

func (t *searchDocsTool) Name() models.Tool { return models.ToolSearchDocs }

type searchDocsInputs struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type docChunk struct {
	DocumentID string  `json:"document_id"`
	ChunkText  string  `json:"chunk_text"`
	Distance   float64 `json:"distance"`
}

func (t *searchDocsTool) Invoke(ctx context.Context, sess *Session, inputs json.RawMessage) (models.ToolResult, error) {
	var in searchDocsInputs
	if err := json.Unmarshal(inputs, &in); err != nil {
		return models.ToolResult{}, fmt.Errorf("decode search_docs inputs: %w", err)
	}
	if in.K <= 0 {
		in.K = 5
	}
	if in.K > sess.RowCap {
		in.K = sess.RowCap
	}

	embedding := embedQuery(in.Query)
	rows, err := sess.Tx.Query(ctx, `
		SELECT document_id, chunk_text, embedding <-> $1 AS distance
		FROM internal.doc_chunks
		WHERE $2 = ANY(acl_tags)
		ORDER BY embedding <-> $1
		LIMIT $3
	`, embedding, string(currentRole(ctx)), in.K)
	if err != nil {
		return models.ToolResult{}, wrapDBError(err)
	}
	defer rows.Close()

	var chunks []docChunk
	for rows.Next() {
		var c docChunk
		if err := rows.Scan(&c.DocumentID, &c.ChunkText, &c.Distance); err != nil {
			return models.ToolResult{}, wrapDBError(err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return models.ToolResult{}, wrapDBError(err)
	}

	raw, _ := json.Marshal(chunks)
	return models.ToolResult{RowCount: len(chunks), Raw: raw}, nil
}

// embedQuery stands in for the embedding pipeline spec.md leaves out of
// scope: it deterministically projects the query text into the fixed
// 8-dimensional space internal.doc_chunks.embedding uses, so the
// similarity ORDER BY is reproducible in tests without calling an
// external embedding model.
func embedQuery(query string) pgvector.Vector {
	const dims = 8
	vec := make([]float32, dims)
	words := strings.Fields(strings.ToLower(query))
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%dims] += 1
	}
	return pgvector.NewVector(vec)
}

type roleContextKey struct{}

func currentRole(ctx context.Context) models.Role {
	if r, ok := ctx.Value(roleContextKey{}).(models.Role); ok {
		return r
	}
	return ""
}

// withRole stashes the caller's role on ctx so handlers that need it
// for row filtering (search_docs' ACL tags) don't need it threaded
// through every Invoke signature.
func withRole(ctx context.Context, role models.Role) context.Context {
	return context.WithValue(ctx, roleContextKey{}, role)
}

// explainMetricTool is a deterministic, read-only lookup.
type explainMetricTool struct{}

func (t *explainMetricTool) Name() models.Tool { return models.ToolExplainMetric }

type explainMetricInputs struct {
	MetricName string `json:"metric_name"`
}

func (t *explainMetricTool) Invoke(ctx context.Context, sess *Session, inputs json.RawMessage) (models.ToolResult, error) {
	var in explainMetricInputs
	if err := json.Unmarshal(inputs, &in); err != nil {
		return models.ToolResult{}, fmt.Errorf("decode explain_metric inputs: %w", err)
	}

	row := sess.Tx.QueryRow(ctx, `
		SELECT metric_name, definition, formula, owner
		FROM internal.metrics WHERE metric_name=$1
	`, in.MetricName)

	var name, definition, formula, owner string
	if err := row.Scan(&name, &definition, &formula, &owner); err != nil {
		return models.ToolResult{}, wrapDBError(err)
	}

	raw, _ := json.Marshal(map[string]string{
		"metric_name": name, "definition": definition, "formula": formula, "owner": owner,
	})
	return models.ToolResult{RowCount: 1, Raw: raw}, nil
}

// generateChartTool is pure: it never touches the database, it only
// validates and re-shapes the caller-supplied rows into a chart
// descriptor. There is no charting library anywhere in the example
// pack to ground a rendering step on, so this stays a structured JSON
// artifact the front-end renders client-side, rather than a rasterized
// image.
type generateChartTool struct{}

func (t *generateChartTool) Name() models.Tool { return models.ToolGenerateChart }

type generateChartInputs struct {
	Data      []map[string]interface{} `json:"data"`
	ChartType string                    `json:"chart_type"`
	Columns   []string                  `json:"columns"`
}

func (t *generateChartTool) Invoke(ctx context.Context, _ *Session, inputs json.RawMessage) (models.ToolResult, error) {
	var in generateChartInputs
	if err := json.Unmarshal(inputs, &in); err != nil {
		return models.ToolResult{}, fmt.Errorf("decode generate_chart inputs: %w", err)
	}
	if in.ChartType == "" {
		return models.ToolResult{}, fmt.Errorf("chart_type is required")
	}
	artifact, _ := json.Marshal(map[string]interface{}{
		"chart_type": in.ChartType,
		"columns":    in.Columns,
		"series":     in.Data,
	})
	return models.ToolResult{RowCount: len(in.Data), Raw: artifact}, nil
}
