// Package hardening gates cmd/dispatcher's startup in a production-like
// environment: refusing to boot with defaults that would silently weaken
// the guarantees the rest of the pipeline promises (an admin-only
// approval callback signed with a short, guessable secret is no
// different from no signature at all; an approval TTL measured in weeks
// leaves a leaked callback link exploitable long after the reviewer
// moved on).
package hardening

import (
	"fmt"
	"strings"
	"time"
)

// EnvRequirement is one secret this service refuses to start without in
// production. MinLength, when set, additionally rejects a present-but-
// too-short value — the approval callback's HMAC secret is the one
// caller that sets this, since a short secret makes the signed token
// brute-forceable regardless of whether the value is "set."
type EnvRequirement struct {
	Name      string
	Value     string
	MinLength int
}

// Options bundles every production-hardening input this service checks.
// ApprovalTokenTTL bounds how long a minted approval callback stays
// valid: the coordinator (pkg/approval) accepts whatever TTL config.Load
// hands it, so hardening is the only place production is stopped from
// running with an approval window wide enough to make a stale, leaked
// approval link a standing risk.
type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	ApprovalTokenTTL       time.Duration
	RequiredServiceSecrets []EnvRequirement
}

// MaxApprovalTokenTTL is the longest-lived approval callback token this
// service will mint in production. spec.md §4.5 defaults to 24h; this
// is a generous outer bound (three days) rather than the default itself,
// so an operator can widen the window for a slow-moving review process
// without hardening rejecting it outright.
const MaxApprovalTokenTTL = 72 * time.Hour

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	if o.ApprovalTokenTTL > MaxApprovalTokenTTL {
		return fmt.Errorf("%s: strict production hardening caps APPROVAL_TOKEN_TTL at %s, got %s", service, MaxApprovalTokenTTL, o.ApprovalTokenTTL)
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		value := strings.TrimSpace(req.Value)
		if value == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
		if req.MinLength > 0 && len(value) < req.MinLength {
			return fmt.Errorf("%s: strict production hardening requires %s to be at least %d characters, an approval callback signed with a shorter secret is forgeable", service, req.Name, req.MinLength)
		}
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	origins := strings.Split(raw, ",")
	if len(origins) == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	validCount := 0
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
