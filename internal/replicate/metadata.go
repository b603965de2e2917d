package replicate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tailsync/tailsync/internal/db"
	"github.com/tailsync/tailsync/internal/utils"
)

// TableRef identifies a source table, optionally schema-qualified.
type TableRef struct {
	Schema string
	Name   string
}

// ListSourceTables returns the base tables of the source database in stable
// name order, excluding TMP_-prefixed scratch tables. When filter is
// non-empty only the listed tables are returned, in declared order.
func ListSourceTables(ctx context.Context, src *db.Connector, dbName string, filter []string, logger *zap.Logger) ([]TableRef, error) {
	if len(filter) > 0 {
		refs := make([]TableRef, 0, len(filter))
		for _, t := range filter {
			if schema, name, ok := strings.Cut(t, "."); ok {
				refs = append(refs, TableRef{Schema: schema, Name: name})
			} else {
				refs = append(refs, TableRef{Name: t})
			}
		}
		return refs, nil
	}

	log := logger.With(zap.String("dialect", src.Dialect), zap.String("database", dbName))
	log.Info("Listing source base tables")

	var tables []string
	var err error
	switch src.Dialect {
	case "mysql":
		query := `SELECT table_name FROM information_schema.tables WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name`
		err = src.DB.WithContext(ctx).Raw(query, dbName).Scan(&tables).Error
	case "postgres":
		query := `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`
		err = src.DB.WithContext(ctx).Raw(query).Scan(&tables).Error
	case "sqlite":
		query := `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
		err = src.DB.WithContext(ctx).Raw(query).Scan(&tables).Error
	default:
		return nil, fmt.Errorf("unsupported source dialect for listing tables: %s", src.Dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tables for %s (%s): %w", dbName, src.Dialect, err)
	}

	refs := make([]TableRef, 0, len(tables))
	for _, t := range tables {
		if strings.HasPrefix(strings.ToUpper(t), "TMP_") {
			log.Debug("Filtered out scratch table", zap.String("table", t))
			continue
		}
		refs = append(refs, TableRef{Name: t})
	}
	return refs, nil
}

// LoadTableDescriptor queries source column metadata once and builds the
// immutable descriptor the rest of the engine works from.
func LoadTableDescriptor(ctx context.Context, src *db.Connector, ref TableRef, logger *zap.Logger) (*TableDescriptor, error) {
	var (
		cols []Column
		err  error
	)
	switch src.Dialect {
	case "mysql":
		cols, err = mysqlColumns(ctx, src, ref)
	case "postgres":
		cols, err = postgresColumns(ctx, src, ref)
	case "sqlite":
		cols, err = sqliteColumns(ctx, src, ref)
	default:
		return nil, fmt.Errorf("unsupported source dialect for metadata: %s", src.Dialect)
	}
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s not found in source or has no columns", refKey(ref))
	}

	logger.Debug("Loaded table descriptor",
		zap.String("table", refKey(ref)),
		zap.Int("columns", len(cols)),
	)
	return &TableDescriptor{
		SourceSchema: ref.Schema,
		SourceName:   ref.Name,
		SinkName:     ref.Name,
		Columns:      cols,
	}, nil
}

func refKey(ref TableRef) string {
	if ref.Schema == "" {
		return ref.Name
	}
	return ref.Schema + "." + ref.Name
}

func mysqlColumns(ctx context.Context, src *db.Connector, ref TableRef) ([]Column, error) {
	var columnsData []struct {
		ColumnName      string `gorm:"column:COLUMN_NAME"`
		DataType        string `gorm:"column:DATA_TYPE"`
		IsNullable      string `gorm:"column:IS_NULLABLE"`
		ColumnKey       string `gorm:"column:COLUMN_KEY"`
		Extra           string `gorm:"column:EXTRA"`
		OrdinalPosition int    `gorm:"column:ORDINAL_POSITION"`
	}
	query := `
		SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE, COLUMN_KEY, EXTRA, ORDINAL_POSITION
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`
	if err := src.DB.WithContext(ctx).Raw(query, ref.Name).Scan(&columnsData).Error; err != nil {
		return nil, fmt.Errorf("mysql columns query failed for table '%s': %w", ref.Name, err)
	}

	cols := make([]Column, 0, len(columnsData))
	for _, c := range columnsData {
		cols = append(cols, Column{
			Name:       c.ColumnName,
			Kind:       classifyColumn(c.DataType, c.ColumnName),
			DBType:     c.DataType,
			IsNullable: strings.EqualFold(c.IsNullable, "YES"),
			IsPrimary:  strings.EqualFold(c.ColumnKey, "PRI"),
			IsIdentity: strings.Contains(strings.ToLower(c.Extra), "auto_increment"),
			IsUnique:   strings.EqualFold(c.ColumnKey, "UNI"),
			Ordinal:    c.OrdinalPosition,
		})
	}
	return cols, nil
}

func postgresColumns(ctx context.Context, src *db.Connector, ref TableRef) ([]Column, error) {
	var columnsData []struct {
		ColumnName      string `gorm:"column:column_name"`
		DataType        string `gorm:"column:data_type"`
		UdtName         string `gorm:"column:udt_name"`
		IsNullable      string `gorm:"column:is_nullable"`
		IsIdentity      string `gorm:"column:is_identity"`
		OrdinalPosition int    `gorm:"column:ordinal_position"`
		IsPrimaryKey    bool   `gorm:"column:is_primary_key"`
		IsUnique        bool   `gorm:"column:is_unique"`
		HasSerial       bool   `gorm:"column:has_serial"`
	}
	schemaExpr := "current_schema()"
	args := []interface{}{ref.Name}
	if ref.Schema != "" {
		schemaExpr = "?"
		args = []interface{}{ref.Schema, ref.Name}
	}
	query := fmt.Sprintf(`
	SELECT
		c.column_name,
		c.data_type,
		c.udt_name,
		c.is_nullable,
		c.is_identity,
		c.ordinal_position,
		EXISTS (
			SELECT 1
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
			  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
			WHERE tc.table_schema = c.table_schema AND tc.table_name = c.table_name
			  AND tc.constraint_type = 'PRIMARY KEY' AND kcu.column_name = c.column_name
		) AS is_primary_key,
		EXISTS (
			SELECT 1
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
			  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
			WHERE tc.table_schema = c.table_schema AND tc.table_name = c.table_name
			  AND tc.constraint_type = 'UNIQUE' AND kcu.column_name = c.column_name
		) AS is_unique,
		COALESCE(c.column_default LIKE 'nextval(%%', false) AS has_serial
	FROM information_schema.columns c
	WHERE c.table_schema = %s AND c.table_name = ?
	ORDER BY c.ordinal_position`, schemaExpr)
	if err := src.DB.WithContext(ctx).Raw(query, args...).Scan(&columnsData).Error; err != nil {
		return nil, fmt.Errorf("postgres columns query failed for table '%s': %w", refKey(ref), err)
	}

	cols := make([]Column, 0, len(columnsData))
	for _, c := range columnsData {
		typeName := c.DataType
		if strings.EqualFold(typeName, "USER-DEFINED") || strings.EqualFold(typeName, "ARRAY") {
			typeName = c.UdtName
		}
		cols = append(cols, Column{
			Name:       c.ColumnName,
			Kind:       classifyColumn(typeName, c.ColumnName),
			DBType:     typeName,
			IsNullable: strings.EqualFold(c.IsNullable, "YES"),
			IsPrimary:  c.IsPrimaryKey,
			IsIdentity: strings.EqualFold(c.IsIdentity, "YES") || c.HasSerial,
			IsUnique:   c.IsUnique,
			Ordinal:    c.OrdinalPosition,
		})
	}
	return cols, nil
}

func sqliteColumns(ctx context.Context, src *db.Connector, ref TableRef) ([]Column, error) {
	var count int64
	errTbl := src.DB.WithContext(ctx).Raw("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", ref.Name).Scan(&count).Error
	if errTbl != nil {
		return nil, fmt.Errorf("sqlite check table existence failed for '%s': %w", ref.Name, errTbl)
	}
	if count == 0 {
		return nil, nil
	}

	var columnsData []struct {
		Cid     int    `gorm:"column:cid"`
		Name    string `gorm:"column:name"`
		Type    string `gorm:"column:type"`
		NotNull int    `gorm:"column:notnull"`
		Pk      int    `gorm:"column:pk"`
	}
	pragma := fmt.Sprintf("PRAGMA table_info(%s)", utils.QuoteIdentifier(ref.Name, "sqlite"))
	if err := src.DB.WithContext(ctx).Raw(pragma).Scan(&columnsData).Error; err != nil {
		return nil, fmt.Errorf("sqlite columns query failed for table '%s': %w", ref.Name, err)
	}

	cols := make([]Column, 0, len(columnsData))
	for _, c := range columnsData {
		isPK := c.Pk > 0
		// An INTEGER PRIMARY KEY in SQLite is the rowid alias and only grows.
		isIdentity := isPK && strings.EqualFold(strings.TrimSpace(c.Type), "INTEGER")
		cols = append(cols, Column{
			Name:       c.Name,
			Kind:       classifyColumn(c.Type, c.Name),
			DBType:     c.Type,
			IsNullable: c.NotNull == 0 && !isPK,
			IsPrimary:  isPK,
			IsIdentity: isIdentity,
			Ordinal:    c.Cid + 1,
		})
	}
	return cols, nil
}

// classifyColumn maps a raw source type name (plus the column name, which
// disambiguates opaque version columns) to a semantic kind.
func classifyColumn(dbType, name string) ColumnKind {
	t := strings.ToLower(strings.TrimSpace(dbType))
	if i := strings.IndexByte(t, '('); i > 0 {
		t = strings.TrimSpace(t[:i])
	}

	if isRowVersionType(t, name) {
		return KindRowVersion
	}

	switch t {
	case "tinyint", "smallint", "mediumint", "int", "integer", "bigint",
		"int2", "int4", "int8", "serial", "bigserial", "smallserial":
		return KindInteger
	case "float", "double", "double precision", "real":
		return KindFloat
	case "decimal", "numeric", "money":
		return KindDecimal
	case "bool", "boolean":
		return KindBool
	case "date", "datetime", "datetime2", "smalldatetime", "timestamp",
		"timestamptz", "timestamp with time zone", "timestamp without time zone":
		return KindTimestamp
	case "binary", "varbinary", "blob", "tinyblob", "mediumblob", "longblob", "bytea", "bit", "varbit":
		return KindBinary
	case "char", "varchar", "nchar", "nvarchar", "text", "tinytext", "mediumtext",
		"longtext", "clob", "uuid", "json", "jsonb", "xml", "enum", "set":
		return KindText
	}
	return KindUnknown
}

// Version column naming conventions carried over from sources that expose a
// rowversion-style opaque counter through a binary column.
var rowVersionNames = []string{"rowversion", "row_version", "rowver", "sys_rowversion", "versionstamp"}

func isRowVersionType(typeName, colName string) bool {
	if typeName == "rowversion" {
		return true
	}
	lower := strings.ToLower(colName)
	// SQL Server exports its rowversion type under the legacy name "timestamp";
	// sources migrated from it keep that raw type string. Require an exact
	// name match there so genuine timestamp columns stay timestamps.
	if typeName == "timestamp" {
		for _, n := range rowVersionNames {
			if lower == n {
				return true
			}
		}
		return false
	}
	switch typeName {
	case "binary", "varbinary", "bytea", "blob":
	default:
		return false
	}
	for _, n := range rowVersionNames {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
