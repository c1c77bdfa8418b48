// Package identity resolves the server-side authoritative Identity
// record (role, region, display name) for an external_user_id. The
// dispatch pipeline never trusts a role or region carried in a
// tool-call envelope: every decision input is built from a Resolver
// lookup against internal.users, per spec.md §3's "Role and region are
// server-side authoritative, keyed by external_user_id."
//
// Grounded on pkg/audit's auditDB/approvalDB narrow-interface idiom:
// the Resolver depends on the smallest pgx-shaped surface it needs so
// unit tests can fake the database without a real connection.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
)

// ErrUnknownIdentity is returned when external_user_id has no matching
// row in internal.users. The orchestrator maps this to the
// identity.unknown error kind and a 401 without auditing, since there is
// no authenticated subject to attribute the entry to.
var ErrUnknownIdentity = errors.New("identity.unknown")

// ErrMissingRegion flags the identity invariant violation spec.md §3
// names: a sales identity must carry a region.
var ErrMissingRegion = errors.New("identity: sales role requires a region")

type identityDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Resolver looks up Identity records from internal.users.
type Resolver struct {
	DB identityDB
}

func New(db identityDB) *Resolver { return &Resolver{DB: db} }

// Lookup resolves one external_user_id to its authoritative Identity.
// A sales identity with no region is refused here rather than left for
// the policy engine to discover mid-evaluation, per the invariant in
// spec.md §3 and SPEC_FULL.md's "guarantee that context is set for
// every session used by sales role."
func (r *Resolver) Lookup(ctx context.Context, externalUserID string) (models.Identity, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT external_user_id, display_name, role, region
		FROM internal.users WHERE external_user_id=$1
	`, externalUserID)

	var id models.Identity
	var region *string
	if err := row.Scan(&id.ExternalUserID, &id.DisplayName, &id.Role, &region); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Identity{}, ErrUnknownIdentity
		}
		return models.Identity{}, fmt.Errorf("identity lookup: %w", err)
	}
	if region != nil {
		id.Region = models.Region(*region)
	}
	if _, ok := models.ValidRoles[id.Role]; !ok {
		return models.Identity{}, fmt.Errorf("identity lookup: unknown role %q for %s", id.Role, externalUserID)
	}
	if id.Role == models.RoleSales && id.Region == "" {
		return models.Identity{}, ErrMissingRegion
	}
	return id, nil
}

// Upsert inserts or updates an identity record. Used by seed/admin
// tooling outside this repo's scope; kept here because it shares the
// identityDB interface and the sales/region invariant check.
func (r *Resolver) Upsert(ctx context.Context, id models.Identity) error {
	if id.Role == models.RoleSales && id.Region == "" {
		return ErrMissingRegion
	}
	if _, ok := models.ValidRoles[id.Role]; !ok {
		return fmt.Errorf("identity upsert: unknown role %q", id.Role)
	}
	var region *string
	if id.Region != "" {
		v := string(id.Region)
		region = &v
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO internal.users (external_user_id, display_name, role, region)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (external_user_id) DO UPDATE
		SET display_name=$2, role=$3, region=$4
	`, id.ExternalUserID, id.DisplayName, id.Role, region)
	if err != nil {
		return fmt.Errorf("identity upsert: %w", err)
	}
	return nil
}
