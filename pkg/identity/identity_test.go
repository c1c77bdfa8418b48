package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
)

type fakeIdentityDB struct {
	rowValues []any
	rowErr    error
	execErr   error
}

func (f *fakeIdentityDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &fakeIdentityRow{values: f.rowValues, err: f.rowErr}
}

func (f *fakeIdentityDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

type fakeIdentityRow struct {
	values []any
	err    error
}

func (r *fakeIdentityRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case *models.Role:
			*d = models.Role(r.values[i].(string))
		case **string:
			var sp *string
			if r.values[i] != nil {
				sp = r.values[i].(*string)
			}
			if sp == nil {
				*d = nil
			} else {
				v := *sp
				*d = &v
			}
		default:
			return fmt.Errorf("unsupported scan dest %T", d)
		}
	}
	return nil
}

func TestResolverLookupSales(t *testing.T) {
	region := "NA"
	db := &fakeIdentityDB{rowValues: []any{"u-1", "Jane", "sales", &region}}
	r := New(db)

	id, err := r.Lookup(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if id.Role != models.RoleSales || id.Region != models.RegionNA {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestResolverLookupSalesMissingRegion(t *testing.T) {
	db := &fakeIdentityDB{rowValues: []any{"u-2", "Sam", "sales", (*string)(nil)}}
	r := New(db)

	if _, err := r.Lookup(context.Background(), "u-2"); !errors.Is(err, ErrMissingRegion) {
		t.Fatalf("expected ErrMissingRegion, got %v", err)
	}
}

func TestResolverLookupUnknown(t *testing.T) {
	db := &fakeIdentityDB{rowErr: pgx.ErrNoRows}
	r := New(db)

	if _, err := r.Lookup(context.Background(), "ghost"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
}

func TestResolverLookupInternRegionOptional(t *testing.T) {
	db := &fakeIdentityDB{rowValues: []any{"u-3", "Intern Ida", "intern", (*string)(nil)}}
	r := New(db)

	id, err := r.Lookup(context.Background(), "u-3")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if id.Region != "" {
		t.Fatalf("expected empty region, got %q", id.Region)
	}
}

func TestResolverUpsertRejectsSalesWithoutRegion(t *testing.T) {
	db := &fakeIdentityDB{}
	r := New(db)

	err := r.Upsert(context.Background(), models.Identity{ExternalUserID: "u-4", Role: models.RoleSales})
	if !errors.Is(err, ErrMissingRegion) {
		t.Fatalf("expected ErrMissingRegion, got %v", err)
	}
}
