package replicate

import (
	"strings"
)

// Strategy is the change-detection mechanism chosen for a table.
type Strategy int

const (
	// StrategyFullScanFallback re-reads the table when counts diverge. Used
	// only when no incremental column qualifies.
	StrategyFullScanFallback Strategy = iota
	// StrategyRowVersion tracks an opaque monotonic version column.
	StrategyRowVersion
	// StrategyIDIncremental tracks a monotonically growing integer key.
	StrategyIDIncremental
	// StrategyTimestampWithKey tracks a modification timestamp paired with a
	// tie-breaking integer key.
	StrategyTimestampWithKey
)

func (s Strategy) String() string {
	switch s {
	case StrategyRowVersion:
		return "rowversion"
	case StrategyIDIncremental:
		return "id_incremental"
	case StrategyTimestampWithKey:
		return "timestamp_with_key"
	case StrategyFullScanFallback:
		return "full_scan_fallback"
	default:
		return "unknown"
	}
}

// Plan binds a table to its selected strategy and the columns driving it.
type Plan struct {
	Table    *TableDescriptor
	Strategy Strategy

	// VersionColumn is set for rowversion plans.
	VersionColumn string
	// IDColumn is set for id-incremental plans, and doubles as the tie-break
	// key for timestamp plans.
	IDColumn string
	// TimestampColumn is set for timestamp-with-key plans.
	TimestampColumn string
}

// Cursor returns the column the plan orders and filters by, for logging.
func (p *Plan) Cursor() string {
	switch p.Strategy {
	case StrategyRowVersion:
		return p.VersionColumn
	case StrategyIDIncremental:
		return p.IDColumn
	case StrategyTimestampWithKey:
		return p.TimestampColumn + "+" + p.IDColumn
	default:
		return ""
	}
}

// Timestamp columns that record creation only. They never move on UPDATE, so
// they cannot drive modification tracking.
var creationTimestampNames = []string{
	"created_at", "createdat", "created_on", "created",
	"creation_date", "creation_time", "date_created", "datecreated",
	"inserted_at", "insert_date", "insert_time", "registered_at",
}

// Preferred modification-timestamp names, checked in order.
var modificationTimestampNames = []string{
	"updated_at", "updatedat", "updated_on", "updated",
	"modified_at", "modifiedat", "modified_on", "modified",
	"last_modified", "lastmodified", "last_updated", "lastupdated",
	"last_update", "lastupdate", "change_date", "changed_at", "mod_date",
}

// Integer key names accepted when the source exposes no identity metadata.
var idNameExact = []string{"id", "idnum", "id_"}

// SelectStrategy inspects a table's column metadata and picks the strongest
// applicable change-detection strategy, in strict priority order:
//
//  1. a rowversion column, which the source bumps on every write;
//  2. a monotonically growing integer key (identity, integer primary key,
//     or a conventionally id-named integer column);
//  3. a modification timestamp paired with a stable integer key for
//     tie-breaking, when no incremental key exists;
//  4. full-scan fallback when nothing above qualifies.
//
// The choice depends only on metadata, so it is computed once per table at
// startup and again only after a descriptor reload.
func SelectStrategy(td *TableDescriptor) Plan {
	plan := Plan{Table: td, Strategy: StrategyFullScanFallback}

	for _, c := range td.Columns {
		if c.Kind == KindRowVersion {
			plan.Strategy = StrategyRowVersion
			plan.VersionColumn = c.Name
			return plan
		}
	}

	if idCol := incrementalKeyColumn(td); idCol != "" {
		plan.Strategy = StrategyIDIncremental
		plan.IDColumn = idCol
		return plan
	}

	if tsCol := modificationTimestampColumn(td); tsCol != "" {
		if keyCol := tieBreakKeyColumn(td); keyCol != "" {
			plan.Strategy = StrategyTimestampWithKey
			plan.TimestampColumn = tsCol
			plan.IDColumn = keyCol
		}
	}

	return plan
}

// incrementalKeyColumn returns the name of a monotonic integer key: a
// single-column integer primary key first, then a unique integer identity
// column, then an integer column following the id naming conventions.
func incrementalKeyColumn(td *TableDescriptor) string {
	var pkCount int
	var pkInt *Column
	for i := range td.Columns {
		c := &td.Columns[i]
		if !c.IsPrimary {
			continue
		}
		pkCount++
		if c.Kind == KindInteger {
			pkInt = c
		}
	}
	if pkInt != nil && pkCount == 1 {
		// A non-identity integer PK is assumed to grow as well; surrogate
		// keys assigned by applications almost always do.
		return pkInt.Name
	}
	for i := range td.Columns {
		c := &td.Columns[i]
		if c.IsUnique && c.Kind == KindInteger && c.IsIdentity {
			return c.Name
		}
	}

	// Name-convention fallback for sources that never mark keys. A member
	// of a composite PK repeats across rows and cannot serve as a
	// strictly-greater cursor, so those are excluded.
	for i := range td.Columns {
		c := &td.Columns[i]
		if c.Kind != KindInteger || (c.IsPrimary && pkCount > 1) {
			continue
		}
		lower := strings.ToLower(c.Name)
		for _, n := range idNameExact {
			if lower == n {
				return c.Name
			}
		}
	}
	for i := range td.Columns {
		c := &td.Columns[i]
		if c.Kind != KindInteger || (c.IsPrimary && pkCount > 1) {
			continue
		}
		if strings.HasSuffix(strings.ToLower(c.Name), "_id") || strings.HasSuffix(c.Name, "Id") {
			return c.Name
		}
	}
	return ""
}

// tieBreakKeyColumn picks the stable integer key a timestamp plan breaks
// ties with: identity first, then primary key (composite members qualify
// here, the pair is unique even when the key alone is not), then the first
// unique integer column. The watermark stores the key as an integer, so
// non-integer keys do not qualify.
func tieBreakKeyColumn(td *TableDescriptor) string {
	for _, c := range td.Columns {
		if c.Kind == KindInteger && c.IsIdentity {
			return c.Name
		}
	}
	for _, c := range td.Columns {
		if c.Kind == KindInteger && c.IsPrimary {
			return c.Name
		}
	}
	for _, c := range td.Columns {
		if c.Kind == KindInteger && c.IsUnique {
			return c.Name
		}
	}
	return ""
}

// modificationTimestampColumn finds a timestamp column that plausibly tracks
// row modification, preferring conventional names and rejecting columns that
// only record creation.
func modificationTimestampColumn(td *TableDescriptor) string {
	byName := make(map[string]string, len(td.Columns))
	var candidates []string
	for _, c := range td.Columns {
		if c.Kind != KindTimestamp {
			continue
		}
		lower := strings.ToLower(c.Name)
		if isCreationTimestampName(lower) {
			continue
		}
		byName[lower] = c.Name
		candidates = append(candidates, c.Name)
	}
	for _, want := range modificationTimestampNames {
		if name, ok := byName[want]; ok {
			return name
		}
	}
	// A lone non-creation timestamp is taken on faith; several ambiguous ones
	// are not.
	if len(candidates) == 1 {
		return candidates[0]
	}
	return ""
}

func isCreationTimestampName(lower string) bool {
	for _, n := range creationTimestampNames {
		if lower == n {
			return true
		}
	}
	return false
}
