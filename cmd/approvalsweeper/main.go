// Command approvalsweeper runs approval.Coordinator.Sweep on a fixed
// interval so a pending approval request with nobody watching it
// eventually expires instead of staying actionable forever. Bootstrap
// is runApprovalSweeper(ctx, initTelemetry, openDB), the same
// injected-dependency shape as cmd/dispatcher's
// runDispatcher(initTelemetry, openDB, listen), sized down to the one
// loop this process needs.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/approval"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/audit"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/config"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/policy"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/store"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/telemetry"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type sweeperDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFnP       func(context.Context) (sweeperDB, func(), error)
)

func main() {
	if err := runApprovalSweeper(context.Background(), initTelemetryFn, openDBFnP); err != nil {
		logFatalf("approvalsweeper: %v", err)
	}
}

func runApprovalSweeper(
	ctx context.Context,
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (sweeperDB, func(), error),
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (sweeperDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}

	shutdown, err := initTelemetry(ctx, "approvalsweeper")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	cfg := config.Load()
	coordinator := &approval.Coordinator{
		DB:     db,
		Bundle: policy.Default(),
		Audit:  &audit.Writer{DB: db},
		Secret: cfg.ApprovalTokenSecret,
		TTL:    cfg.ApprovalTokenTTL,
	}

	go serveHealthz(env("APPROVALSWEEPER_ADDR", ":8083"))

	interval := cfg.ApprovalSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("approvalsweeper: sweeping every %s", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := coordinator.Sweep(ctx)
			if err != nil {
				log.Printf("approvalsweeper: sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("approvalsweeper: expired %d stale approval request(s)", n)
			}
		}
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// serveHealthz exposes a trivial liveness probe so this otherwise
// loop-only process still fits the same container health-check
// convention every other cmd/ service in this repository uses.
func serveHealthz(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"approvalsweeper"}`))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("approvalsweeper: healthz server stopped: %v", err)
	}
}
