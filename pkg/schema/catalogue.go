// Package schema is the static catalogue of tables, their region column
// (if any), and sensitivity tier, shipped with the engine and consulted
// by the Constraint Applier (region-predicate injection). It mirrors the
// teacher's ad hoc
// DomainRoleAllow map promoted into its own package because more than
// one component needs it.
package schema

import "strings"

// Tier is a coarse sensitivity classification for a table.
type Tier string

const (
	TierPublic       Tier = "public"
	TierInternal     Tier = "internal"
	TierRestricted   Tier = "restricted"
)

// TableInfo describes one (schema,table) the catalogue knows about.
type TableInfo struct {
	Schema       string
	Table        string
	RegionColumn string // empty if the table carries no region column
	Tier         Tier
	Aggregate    bool // true for pre-aggregated views where a LIMIT is moot
}

// Catalogue is an immutable, process-wide table of TableInfo keyed by
// lower-cased "schema.table".
type Catalogue struct {
	tables map[string]TableInfo
}

func key(schema, table string) string {
	return strings.ToLower(schema) + "." + strings.ToLower(table)
}

// Default returns the catalogue shipped with the engine, covering the
// tables named in SPEC_FULL.md §6's persisted-state schemas.
func Default() *Catalogue {
	c := &Catalogue{tables: map[string]TableInfo{}}
	entries := []TableInfo{
		{Schema: "reporting", Table: "customers", RegionColumn: "region", Tier: TierInternal},
		{Schema: "reporting", Table: "daily_kpis", RegionColumn: "region", Tier: TierInternal, Aggregate: true},
		{Schema: "reporting", Table: "orders", RegionColumn: "region", Tier: TierInternal},
		{Schema: "reporting", Table: "user_sessions", RegionColumn: "", Tier: TierRestricted},
		{Schema: "raw", Table: "customers", RegionColumn: "region", Tier: TierRestricted},
		{Schema: "raw", Table: "payments", RegionColumn: "", Tier: TierRestricted},
		{Schema: "internal", Table: "users", RegionColumn: "", Tier: TierInternal},
		{Schema: "internal", Table: "audit_logs", RegionColumn: "", Tier: TierInternal},
		{Schema: "internal", Table: "approval_requests", RegionColumn: "", Tier: TierInternal},
		{Schema: "internal", Table: "documents", RegionColumn: "", Tier: TierInternal},
		{Schema: "internal", Table: "doc_chunks", RegionColumn: "", Tier: TierInternal},
		{Schema: "internal", Table: "metrics", RegionColumn: "", Tier: TierPublic},
	}
	for _, e := range entries {
		c.tables[key(e.Schema, e.Table)] = e
	}
	return c
}

// Lookup returns the TableInfo for (schema,table), if known.
func (c *Catalogue) Lookup(schemaName, table string) (TableInfo, bool) {
	info, ok := c.tables[key(schemaName, table)]
	return info, ok
}

// RegionColumn returns the region column name for (schema,table), if it
// carries one.
func (c *Catalogue) RegionColumn(schemaName, table string) (string, bool) {
	info, ok := c.Lookup(schemaName, table)
	if !ok || info.RegionColumn == "" {
		return "", false
	}
	return info.RegionColumn, true
}
