package executor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
)

// sessionDB is the pool surface the executor needs to check out a
// scoped transaction per call.
type sessionDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// poolAdapter lets *pgxpool.Pool satisfy sessionDB without the executor
// importing pgxpool everywhere it needs a connection.
type poolAdapter struct{ pool *pgxpool.Pool }

func NewPoolAdapter(pool *pgxpool.Pool) sessionDB { return poolAdapter{pool: pool} }

func (p poolAdapter) Begin(ctx context.Context) (pgx.Tx, error) { return p.pool.Begin(ctx) }

// Session wraps one transaction with app.user_role/app.user_region
// already applied via SET LOCAL, grounded on pkg/store/postgres.go's
// RuntimeParams idiom but moved from connection-string time to per-call
// SET LOCAL since a shared pool serves requests for every role and
// region, not a single tenant fixed at connect time.
type Session struct {
	Tx     pgx.Tx
	RowCap int
}

// OpenSession begins a transaction and applies the caller's role/region
// as session-scoped settings the database's own row-level-security
// policies consult as a second line of defence behind the policy
// engine. app.user_region is set unconditionally, empty string when the
// caller has none, so an RLS policy reading it via
// current_setting('app.user_region', true) always sees a present value
// rather than falling back to NULL-allows.
func OpenSession(ctx context.Context, db sessionDB, role models.Role, region models.Region, rowCap int) (*Session, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('app.user_role', $1, true)", string(role)); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("set app.user_role: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('app.user_region', $1, true)", string(region)); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("set app.user_region: %w", err)
	}
	return &Session{Tx: tx, RowCap: rowCap}, nil
}

func (s *Session) Commit(ctx context.Context) error   { return s.Tx.Commit(ctx) }
func (s *Session) Rollback(ctx context.Context) error { return s.Tx.Rollback(ctx) }
