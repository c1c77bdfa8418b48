// Command dispatcher runs the HTTP front door of the governed
// tool-dispatch pipeline: it accepts a tool-call envelope from the chat
// client, runs it through pkg/orchestrator's C1-C6 pipeline, and
// exposes the approval callback and the read-only audit/policy
// endpoints SPEC_FULL.md §6 names. Bootstrap follows cmd/policy's
// runPolicy(initTelemetry, openDB, listen) template.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/approval"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/audit"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/auditstream"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/auth"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/config"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/constraints"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/executor"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/hardening"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/httpx"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/identity"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/orchestrator"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/policy"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/ratelimit"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/schema"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/store"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/stream"
	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// dispatcherDB is the pgxpool surface every pipeline component needs;
// *pgxpool.Pool satisfies it directly, and executor.NewPoolAdapter
// wraps it again for the narrower sessionDB shape C4 needs.
type dispatcherDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Approval     *approval.Coordinator
	Audit        *audit.Writer
	PolicyStore  *policy.Store
	Identity     *identity.Resolver
	Hub          *stream.Hub

	AuthMode            string
	RateLimiter         ratelimit.Limiter
	RateLimitConfig     config.Config
	RunSQLRateLimitCost int
	MaxRequestBodyBytes int64
	PolicyBundlePath    string
}

var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFnP       func(context.Context) (dispatcherDB, func(), error)
	listenFnP       func(*http.Server) error
)

func main() {
	if err := runDispatcher(initTelemetryFn, openDBFnP, listenFnP); err != nil {
		logFatalf("dispatcher: %v", err)
	}
}

func runDispatcher(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (dispatcherDB, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (dispatcherDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "dispatcher")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	cfg := config.Load()

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "dispatcher",
		Environment:        cfg.Environment,
		StrictProdSecurity: boolString(cfg.StrictProdSecurity),
		DatabaseRequireTLS: boolString(cfg.DatabaseRequireTLS),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		ApprovalTokenTTL:   cfg.ApprovalTokenTTL,
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "APPROVAL_TOKEN_SECRET", Value: cfg.ApprovalTokenSecret, MinLength: 32},
		},
	}); err != nil {
		return err
	}

	idResolver := identity.New(db)
	policyStore := policy.NewStore(nil)
	if cfg.PolicyBundlePath != "" {
		if err := policyStore.Reload(cfg.PolicyBundlePath); err != nil {
			return err
		}
	}

	cat := schema.Default()
	applier := constraints.New(cat)
	rowCapFunc := func(role models.Role) int { return cfg.RowCapFor(string(role)) }
	exec := executor.New(executor.NewPoolAdapter(poolOrNil(db)), idResolver, applier, rowCapFunc)
	exec.Timeout = cfg.ExecutorTimeout

	auditWriter := &audit.Writer{DB: db}

	var auditProducer *auditstream.Producer
	if len(cfg.KafkaBrokers) > 0 {
		auditProducer, err = auditstream.NewProducer(auditstream.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaAuditTopic})
		if err != nil {
			return err
		}
		defer func() { _ = auditProducer.Close() }()
	}

	hub := stream.NewHub()

	coordinator := &approval.Coordinator{
		DB:            db,
		Bundle:        policyStore.Current(),
		Executor:      exec,
		Audit:         auditWriter,
		Hub:           hub,
		Secret:        cfg.ApprovalTokenSecret,
		TTL:           cfg.ApprovalTokenTTL,
		WebhookURL:    cfg.ApprovalWebhookURL,
		WebhookSecret: cfg.ApprovalWebhookSecret,
	}

	var sharedRedis *redis.Client
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		sharedRedis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	orch := &orchestrator.Orchestrator{
		Identity:         idResolver,
		PolicyStore:      policyStore,
		Executor:         exec,
		Approval:         coordinator,
		Audit:            auditWriter,
		Stream:           auditProducer,
		Hub:              hub,
		Rendezvous:       store.NewRendezvous(),
		IdempotencyCache: store.NewCache(ctx, sharedRedis),
	}

	s := &Server{
		Orchestrator:        orch,
		Approval:            coordinator,
		Audit:               auditWriter,
		PolicyStore:         policyStore,
		Identity:            idResolver,
		Hub:                 hub,
		AuthMode:            cfg.AuthMode,
		RateLimitConfig:     cfg,
		RunSQLRateLimitCost: cfg.RunSQLRateLimitCost,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		PolicyBundlePath:    cfg.PolicyBundlePath,
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	rateLimitWindow := time.Minute
	if sharedRedis != nil && envBool("RATE_LIMIT_USE_REDIS", false) {
		s.RateLimiter = ratelimit.NewRedis(sharedRedis, rateLimitWindow)
	} else {
		s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("dispatcher"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "dispatcher"})
	})

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		cfg.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))

	authRouter.With(s.rateLimitMiddleware).Post("/v1/tools/dispatch", s.dispatchTool)
	authRouter.Post("/v1/approvals/{id}/submit", s.submitApproval)
	authRouter.Get("/v1/audit/{request_id}", s.withRoles(s.getAuditEntry, "admin", "data_analyst", "complianceofficer"))
	authRouter.Get("/v1/policy/bundle", s.withRoles(s.getPolicyBundle, "admin", "complianceofficer"))
	authRouter.Post("/v1/policy/reload", s.withRoles(s.reloadPolicyBundle, "admin"))
	authRouter.Get("/events", s.withRoles(s.streamEvents, "admin", "complianceofficer"))
	r.Mount("/", authRouter)

	addr := cfg.HTTPAddr
	log.Printf("dispatcher service listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 60),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) dispatchTool(w http.ResponseWriter, r *http.Request) {
	var envelope models.ToolCallEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	resp, oerr := s.Orchestrator.Dispatch(r.Context(), envelope)
	if oerr != nil {
		writeOrchestratorError(w, oerr)
		return
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) submitApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "id")
	var req struct {
		ExternalUserID string `json:"external_user_id"`
		Approve        bool   `json:"approve"`
		Reason         string `json:"reason"`
		Token          string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.ExternalUserID == "" || req.Token == "" {
		httpx.Error(w, 400, "external_user_id and token are required")
		return
	}
	approverID, err := s.Identity.Lookup(r.Context(), req.ExternalUserID)
	if err != nil {
		httpx.Error(w, 401, "unknown approver identity")
		return
	}
	reqRecord, result, err := s.Approval.Submit(r.Context(), approvalID, string(approverID.Role), req.ExternalUserID, req.Approve, req.Reason, req.Token)
	if err != nil {
		writeOrchestratorError(w, orchestrator.WrapApprovalError(err))
		return
	}
	resp := map[string]interface{}{
		"approval_id": reqRecord.ApprovalID,
		"status":      reqRecord.Status,
	}
	if result != nil {
		resp["result"] = result
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) getAuditEntry(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	entry, err := s.Audit.Get(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "no audit entry for that request_id")
			return
		}
		internalServerError(w, "get audit entry", err)
		return
	}
	httpx.WriteJSON(w, 200, entry)
}

func (s *Server) getPolicyBundle(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.PolicyStore.Current())
}

func (s *Server) reloadPolicyBundle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	path := req.Path
	if path == "" {
		path = s.PolicyBundlePath
	}
	if err := s.PolicyStore.Reload(path); err != nil {
		httpx.Error(w, 400, "policy bundle invalid: "+err.Error())
		return
	}
	s.Approval.Bundle = s.PolicyStore.Current()
	httpx.WriteJSON(w, 200, map[string]string{"status": "reloaded"})
}

// streamEvents relays the hub's approval.pending/dispatch.completed events
// to a connected admin session over a websocket, grounded directly on
// cmd/gateway's own streamEvents: accept, subscribe, write "ready", then
// race a background read-goroutine (detects client-initiated close)
// against the subscription channel until one of ctx/readErr/sub fires.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}

	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(os.Getenv("WS_ALLOWED_ORIGINS")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var topics []string
	if t := r.URL.Query().Get("topic"); t != "" {
		topics = strings.Split(t, ",")
	}
	sub := s.Hub.Subscribe(topics, 64)
	defer s.Hub.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeOrchestratorError(w http.ResponseWriter, oerr *orchestrator.Error) {
	httpx.WritePipelineError(w, orchestrator.HTTPStatus(oerr.Kind), string(oerr.Kind), oerr.Error(), oerr.RuleIDs)
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("dispatcher %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

// rateLimitMiddleware throttles the tool-call endpoint per caller, keyed
// by the authenticated principal's subject when present and falling
// back to the remote address, grounded on cmd/gateway's
// Server.checkRateLimit. Two refinements over one fixed global limit:
// a data_analyst/admin caller gets the wider analyst budget config.RateLimitFor
// grants for ad hoc analysis, and a run_sql call debits the budget by
// RunSQLRateLimitCost units instead of one, since a full analytical
// scan costs the warehouse more than a search_docs lookup.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := r.RemoteAddr
		var role models.Role
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
			if principal.Subject != "" {
				key = principal.Subject
			}
			role = auth.DomainRole(principal)
		}
		limit := s.RateLimitConfig.RateLimitFor(string(role))
		if limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		cost := 1
		if tool, ok := peekToolName(r); ok && tool == string(models.ToolRunSQL) && s.RunSQLRateLimitCost > 0 {
			cost = s.RunSQLRateLimitCost
		}
		decision := s.RateLimiter.AllowN(string(role)+":"+key, limit, cost)
		if !decision.Allowed {
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// peekToolName reads the tool_name field out of the request body without
// consuming it, so the rate limiter can weigh the call before
// dispatchTool decodes the full envelope.
func peekToolName(r *http.Request) (string, bool) {
	if r.Body == nil {
		return "", false
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return "", false
	}
	var peek struct {
		ToolName string `json:"tool_name"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return "", false
	}
	return peek.ToolName, true
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// poolOrNil narrows the dispatcherDB surface back down to the
// *pgxpool.Pool the executor's sessionDB adapter needs. openDB always
// hands back a real pool outside tests; a test double that does not
// implement Begin simply never exercises a run_sql/search_docs call.
func poolOrNil(db dispatcherDB) *pgxpool.Pool {
	if pool, ok := db.(*pgxpool.Pool); ok {
		return pool
	}
	return nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	if raw == "" {
		return def
	}
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
