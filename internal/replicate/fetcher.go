package replicate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tailsync/tailsync/internal/db"
	"github.com/tailsync/tailsync/internal/utils"
)

// SourceFetcher reads changed rows from the source with plain SELECTs. It
// never writes, locks, or installs anything source-side.
type SourceFetcher struct {
	src    *db.Connector
	logger *zap.Logger
}

func NewSourceFetcher(src *db.Connector, logger *zap.Logger) *SourceFetcher {
	return &SourceFetcher{src: src, logger: logger.Named("fetcher")}
}

// FetchNext returns the next chunk of changes strictly past the watermark,
// ordered by the plan's cursor so the chunk's last row is the new watermark.
// Rows come back converted to sink-ready values.
func (f *SourceFetcher) FetchNext(ctx context.Context, plan *Plan, from Watermark, limit int) (*ChangeBatch, error) {
	d := f.src.Dialect
	cols := quotedColumnList(plan.Table, d)
	table := plan.Table.QualifiedSource(d)

	var (
		query string
		args  []interface{}
	)
	switch plan.Strategy {
	case StrategyRowVersion:
		ver := utils.QuoteIdentifier(plan.VersionColumn, d)
		if from.Initialized {
			query = fmt.Sprintf("SELECT %s FROM %s WHERE %s > ? ORDER BY %s ASC LIMIT %d",
				cols, table, ver, ver, limit)
			args = append(args, uint64ToRowVersionArg(from.Version))
		} else {
			query = fmt.Sprintf("SELECT %s FROM %s ORDER BY %s ASC LIMIT %d", cols, table, ver, limit)
		}

	case StrategyIDIncremental:
		id := utils.QuoteIdentifier(plan.IDColumn, d)
		if from.Initialized {
			query = fmt.Sprintf("SELECT %s FROM %s WHERE %s > ? ORDER BY %s ASC LIMIT %d",
				cols, table, id, id, limit)
			args = append(args, from.ID)
		} else {
			query = fmt.Sprintf("SELECT %s FROM %s ORDER BY %s ASC LIMIT %d", cols, table, id, limit)
		}

	case StrategyTimestampWithKey:
		ts := utils.QuoteIdentifier(plan.TimestampColumn, d)
		id := utils.QuoteIdentifier(plan.IDColumn, d)
		if from.Initialized {
			// Strict compound comparison: rows sharing the watermark's
			// timestamp are only re-read past the watermark's key.
			query = fmt.Sprintf(
				"SELECT %s FROM %s WHERE (%s > ?) OR (%s = ? AND %s > ?) ORDER BY %s ASC, %s ASC LIMIT %d",
				cols, table, ts, ts, id, ts, id, limit)
			args = append(args, from.TS, from.TS, from.ID)
		} else {
			query = fmt.Sprintf("SELECT %s FROM %s ORDER BY %s ASC, %s ASC LIMIT %d",
				cols, table, ts, id, limit)
		}

	default:
		return nil, fmt.Errorf("strategy %s has no incremental fetch", plan.Strategy)
	}

	raw, err := f.scan(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching changes for %s: %w", plan.Table.SourceName, err)
	}

	batch := &ChangeBatch{Next: from}
	batch.Rows = make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		converted, cerr := convertRow(plan.Table, r)
		if cerr != nil {
			return nil, cerr
		}
		batch.Rows = append(batch.Rows, converted)
	}
	if len(raw) > 0 {
		// Derived from the raw row, not the converted one: conversion can
		// null out-of-range cursor values and a watermark must never do that.
		next, werr := watermarkFromRow(plan, raw[len(raw)-1])
		if werr != nil {
			return nil, fmt.Errorf("deriving watermark for %s: %w", plan.Table.SourceName, werr)
		}
		batch.Next = next
	}
	return batch, nil
}

// ScanChunk reads one chunk of a full table scan in deterministic order.
// Offset pagination is acceptable here: fallback tables have no cursor to
// key on, and resyncs are rare.
func (f *SourceFetcher) ScanChunk(ctx context.Context, td *TableDescriptor, offset, limit int) ([]map[string]interface{}, error) {
	d := f.src.Dialect
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT %d OFFSET %d",
		quotedColumnList(td, d), td.QualifiedSource(d), scanOrderColumns(td, d), limit, offset)
	raw, err := f.scan(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scanning %s at offset %d: %w", td.SourceName, offset, err)
	}
	rows := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		converted, cerr := convertRow(td, r)
		if cerr != nil {
			return nil, cerr
		}
		rows = append(rows, converted)
	}
	return rows, nil
}

// CountRows reports the source row count for reconciliation.
func (f *SourceFetcher) CountRows(ctx context.Context, td *TableDescriptor) (int64, error) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", td.QualifiedSource(f.src.Dialect))
	if err := f.src.DB.WithContext(ctx).Raw(query).Scan(&count).Error; err != nil {
		return 0, fmt.Errorf("counting rows in %s: %w", td.SourceName, err)
	}
	return count, nil
}

func (f *SourceFetcher) scan(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	if err := f.src.DB.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// watermarkFromRow lifts the cursor values of a converted row into a
// watermark. The chunk is fetched in cursor order, so the last row carries
// the chunk's maximum.
func watermarkFromRow(plan *Plan, row map[string]interface{}) (Watermark, error) {
	wm := Watermark{Strategy: plan.Strategy, Initialized: true}
	switch plan.Strategy {
	case StrategyRowVersion:
		v, err := rowVersionToUint64(row[plan.VersionColumn])
		if err != nil {
			return wm, err
		}
		wm.Version = v
	case StrategyIDIncremental:
		id, err := asInt64(row[plan.IDColumn])
		if err != nil {
			return wm, err
		}
		wm.ID = id
	case StrategyTimestampWithKey:
		ts, err := asTime(row[plan.TimestampColumn])
		if err != nil {
			return wm, err
		}
		id, err := asInt64(row[plan.IDColumn])
		if err != nil {
			return wm, err
		}
		wm.TS = ts
		wm.ID = id
	}
	return wm, nil
}

func quotedColumnList(td *TableDescriptor, dialect string) string {
	names := td.ColumnNames()
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = utils.QuoteIdentifier(n, dialect)
	}
	return strings.Join(quoted, ", ")
}

// scanOrderColumns builds the ORDER BY list for full scans: primary key
// columns when the table has any, otherwise every column, so chunk
// boundaries stay stable between queries.
func scanOrderColumns(td *TableDescriptor, dialect string) string {
	var pks []string
	for _, c := range td.Columns {
		if c.IsPrimary {
			pks = append(pks, utils.QuoteIdentifier(c.Name, dialect))
		}
	}
	if len(pks) > 0 {
		return strings.Join(pks, ", ")
	}
	all := make([]string, len(td.Columns))
	for i, c := range td.Columns {
		all[i] = utils.QuoteIdentifier(c.Name, dialect)
	}
	return strings.Join(all, ", ")
}
