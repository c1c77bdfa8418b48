// Package config loads the dispatcher/sweeper process configuration
// from environment variables once at startup, grounded on the teacher's
// env()/envInt() helpers repeated across every cmd/<service>/main.go and
// on pkg/hardening's production-environment guardrails.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the environment-derived configuration record SPEC_FULL.md
// §3 names. It is loaded once at process startup; nothing in this repo
// re-reads os.Getenv after Load returns.
type Config struct {
	DatabaseURL        string
	DatabaseRequireTLS bool
	RedisAddr          string

	PolicyBundlePath string

	ExecutorTimeout    time.Duration
	DefaultRowCap      int
	AnalystRowCap      int
	ConnectionPoolSize int

	ApprovalTokenSecret   string
	ApprovalTokenTTL      time.Duration
	ApprovalSweepInterval time.Duration
	ApprovalWebhookURL    string
	ApprovalWebhookSecret string

	KafkaBrokers    []string
	KafkaAuditTopic string

	OTELEndpoint string
	Environment  string

	StrictProdSecurity     bool
	RateLimitPerMinute     int
	AnalystRateLimitPerMin int
	RunSQLRateLimitCost    int

	HTTPAddr   string
	AuthMode   string
	AuthSecret string

	MaxRequestBodyBytes int64
}

// Load reads Config from the process environment, applying the same
// defaults spec.md §6 names (executor timeout, result caps, approval
// TTL) when a variable is unset.
func Load() Config {
	return Config{
		DatabaseURL:        env("DATABASE_URL", ""),
		DatabaseRequireTLS: envBool("DATABASE_REQUIRE_TLS", false),
		RedisAddr:          env("REDIS_ADDR", "localhost:6379"),

		PolicyBundlePath: env("POLICY_BUNDLE_PATH", ""),

		ExecutorTimeout:    envSeconds("EXECUTOR_TIMEOUT_SEC", 30),
		DefaultRowCap:      envInt("DEFAULT_ROW_CAP", 1000),
		AnalystRowCap:      envInt("ANALYST_ROW_CAP", 10000),
		ConnectionPoolSize: envInt("CONNECTION_POOL_SIZE", 20),

		ApprovalTokenSecret:   env("APPROVAL_TOKEN_SECRET", ""),
		ApprovalTokenTTL:      envHours("APPROVAL_TOKEN_TTL_HOURS", 24),
		ApprovalSweepInterval: envSeconds("APPROVAL_SWEEP_INTERVAL_SEC", 60),
		ApprovalWebhookURL:    env("APPROVAL_WEBHOOK_URL", ""),
		ApprovalWebhookSecret: env("APPROVAL_WEBHOOK_SECRET", ""),

		KafkaBrokers:    envList("KAFKA_BROKERS", nil),
		KafkaAuditTopic: env("KAFKA_AUDIT_TOPIC", "audit.entries"),

		OTELEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Environment:  env("ENVIRONMENT", env("APP_ENV", "")),

		StrictProdSecurity:     envBool("STRICT_PROD_SECURITY", true),
		RateLimitPerMinute:     envInt("RATE_LIMIT_PER_MINUTE", 60),
		AnalystRateLimitPerMin: envInt("RATE_LIMIT_PER_MINUTE_ANALYST", 180),
		RunSQLRateLimitCost:    envInt("RATE_LIMIT_COST_RUN_SQL", 3),

		HTTPAddr:   env("ADDR", ":8080"),
		AuthMode:   env("AUTH_MODE", "oidc_hs256"),
		AuthSecret: env("OIDC_HS256_SECRET", ""),

		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
}

// RowCapFor returns the per-role result-row cap spec.md §4.4 names:
// data_analyst and admin get the analyst cap, every other role gets the
// default.
func (c Config) RowCapFor(role string) int {
	switch role {
	case "data_analyst", "admin":
		return c.AnalystRowCap
	default:
		return c.DefaultRowCap
	}
}

// RateLimitFor returns the per-minute call budget for role: data_analyst
// and admin run ad hoc analytical queries as their job, so they get the
// wider budget the same way RowCapFor gives them the wider row cap.
func (c Config) RateLimitFor(role string) int {
	switch role {
	case "data_analyst", "admin":
		return c.AnalystRateLimitPerMin
	default:
		return c.RateLimitPerMinute
	}
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

func envSeconds(k string, def int) time.Duration {
	return time.Duration(envInt(k, def)) * time.Second
}

func envHours(k string, def int) time.Duration {
	return time.Duration(envInt(k, def)) * time.Hour
}

func envList(k string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return def
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
