package utils

import (
	"fmt"
	"strings"
)

// QuoteIdentifier quotes an identifier for the given SQL dialect, escaping
// the quote character inside the name.
func QuoteIdentifier(name, dialect string) string {
	switch strings.ToLower(dialect) {
	case "mysql", "clickhouse":
		return fmt.Sprintf("`%s`", strings.ReplaceAll(name, "`", "``"))
	default:
		// ANSI double quotes: postgres, sqlite and anything unknown.
		return fmt.Sprintf("\"%s\"", strings.ReplaceAll(name, "\"", "\"\""))
	}
}

// QuoteQualified quotes an optionally schema-qualified "schema.table" name.
// An empty schema yields just the quoted table.
func QuoteQualified(schema, table, dialect string) string {
	if schema == "" {
		return QuoteIdentifier(table, dialect)
	}
	return QuoteIdentifier(schema, dialect) + "." + QuoteIdentifier(table, dialect)
}
