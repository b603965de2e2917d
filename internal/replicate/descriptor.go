package replicate

import (
	"strings"

	"github.com/tailsync/tailsync/internal/utils"
)

// ColumnKind is the semantic type of a source column, abstracted away from
// the dialect's concrete type name. Strategy selection and sink conversion
// operate on kinds only.
type ColumnKind int

const (
	KindUnknown ColumnKind = iota
	KindInteger
	KindFloat
	KindDecimal
	KindText
	KindBool
	KindTimestamp
	KindBinary
	KindRowVersion // monotonically increasing opaque version maintained by the source
)

func (k ColumnKind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindDecimal:
		return "decimal"
	case KindText:
		return "text"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	case KindBinary:
		return "binary"
	case KindRowVersion:
		return "rowversion"
	default:
		return "unknown"
	}
}

// Column describes one source column, including the key-related flags the
// strategy selector needs.
type Column struct {
	Name       string
	Kind       ColumnKind
	DBType     string // raw type name as reported by the source
	IsNullable bool
	IsPrimary  bool
	IsIdentity bool
	IsUnique   bool
	Ordinal    int
}

// TableDescriptor is the immutable per-table description built once at
// service start from source metadata.
type TableDescriptor struct {
	SourceSchema string // empty when the dialect has no schema concept in play
	SourceName   string
	SinkName     string
	Columns      []Column
}

// Key returns a stable identifier used for logging and per-table state.
func (d *TableDescriptor) Key() string {
	if d.SourceSchema == "" {
		return d.SourceName
	}
	return d.SourceSchema + "." + d.SourceName
}

// QualifiedSource returns the quoted source-side table reference.
func (d *TableDescriptor) QualifiedSource(dialect string) string {
	return utils.QuoteQualified(d.SourceSchema, d.SourceName, dialect)
}

// ColumnNames returns the column names in ordinal order.
func (d *TableDescriptor) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// Column finds a column by name, case-insensitively.
func (d *TableDescriptor) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}
