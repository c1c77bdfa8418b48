package executor

import (
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for the remaining executor.* error kinds spec.md §7
// names that are not per-cause wraps like DBError.
var (
	// ErrPoolExhausted is returned when a scoped session cannot be
	// checked out of the connection pool within the bounded wait.
	ErrPoolExhausted = errors.New("executor.pool_exhausted")
	// ErrTimeout is returned when a tool invocation does not complete
	// within the configured per-call wall-clock deadline.
	ErrTimeout = errors.New("executor.timeout")
	// ErrUnknownTool is returned for a tool_name outside the fixed
	// catalogue; the orchestrator treats this like any other executor
	// failure rather than a distinct error kind.
	ErrUnknownTool = errors.New("executor: unknown tool")
)

var dbErrorRedactions = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`),
	regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
}

// DBError wraps a database error surfaced by a tool handler, redacted
// of any PII-shaped fragment the underlying driver or server might have
// echoed back (e.g. a constraint-violation message quoting the
// offending value). Grounded on spec.md §4.4's "wrapped and surfaced
// as executor.db_error with message redacted of identifier fragments
// that could be PII" — the patterns mirror pkg/audit's redaction rule
// rather than importing it, since the executor layer must not depend
// on the audit layer.
type DBError struct {
	Cause error
}

func (e *DBError) Error() string {
	return fmt.Sprintf("executor.db_error: %s", redactErrorMessage(e.Cause.Error()))
}

func (e *DBError) Unwrap() error { return e.Cause }

func wrapDBError(err error) error {
	if err == nil {
		return nil
	}
	return &DBError{Cause: err}
}

func redactErrorMessage(msg string) string {
	for _, re := range dbErrorRedactions {
		msg = re.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}
