package replicate

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"github.com/tailsync/tailsync/internal/db"
	"github.com/tailsync/tailsync/internal/metrics"
	"github.com/tailsync/tailsync/internal/utils"
)

// SinkWriter lands change batches in the sink with last-write-wins
// semantics: on ClickHouse the table engine deduplicates by key and version,
// on keyed relational sinks the write upserts on the primary key. Either
// way, a batch delivered twice converges to the same state.
type SinkWriter struct {
	sink          *db.Connector
	logger        *zap.Logger
	metrics       *metrics.Store
	batchRows     int
	maxRetries    int
	retryInterval time.Duration

	mu       sync.RWMutex
	sinkCols map[string]map[string]struct{}
	sinkPKs  map[string][]string
}

func NewSinkWriter(sink *db.Connector, m *metrics.Store, batchRows, maxRetries int, retryInterval time.Duration, logger *zap.Logger) *SinkWriter {
	return &SinkWriter{
		sink:          sink,
		logger:        logger.Named("writer"),
		metrics:       m,
		batchRows:     batchRows,
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
		sinkCols:      make(map[string]map[string]struct{}),
		sinkPKs:       make(map[string][]string),
	}
}

// TableExists reports whether the sink already has the named table. The
// engine never creates sink tables; a missing one is an operator problem.
func (w *SinkWriter) TableExists(ctx context.Context, name string) (bool, error) {
	exists := w.sink.DB.WithContext(ctx).Migrator().HasTable(name)
	return exists, nil
}

// ColumnNames lists the sink table's columns and caches them along with the
// primary key set: every write to the table is projected onto the column
// set, and the key drives the upsert conflict target.
func (w *SinkWriter) ColumnNames(ctx context.Context, name string) ([]string, error) {
	cols, err := w.sink.DB.WithContext(ctx).Migrator().ColumnTypes(name)
	if err != nil {
		return nil, fmt.Errorf("reading sink columns for %s: %w", name, err)
	}
	names := make([]string, 0, len(cols))
	set := make(map[string]struct{}, len(cols))
	var pks []string
	for _, c := range cols {
		names = append(names, c.Name())
		set[c.Name()] = struct{}{}
		if isPK, ok := c.PrimaryKey(); ok && isPK {
			pks = append(pks, c.Name())
		}
	}
	w.mu.Lock()
	w.sinkCols[name] = set
	w.sinkPKs[name] = pks
	w.mu.Unlock()
	return names, nil
}

// RowCount reports the sink-side row count for reconciliation.
func (w *SinkWriter) RowCount(ctx context.Context, name string) (int64, error) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", utils.QuoteIdentifier(name, w.sink.Dialect))
	if err := w.sink.DB.WithContext(ctx).Raw(query).Scan(&count).Error; err != nil {
		return 0, fmt.Errorf("counting sink rows in %s: %w", name, err)
	}
	return count, nil
}

// Write appends the rows to the sink table in sub-batches, retrying each
// sub-batch on transient failure. An error leaves the chunk incomplete; the
// caller must not advance the watermark past it.
func (w *SinkWriter) Write(ctx context.Context, td *TableDescriptor, rows []map[string]interface{}, origin WriteOrigin) error {
	if len(rows) == 0 {
		return nil
	}
	projected := w.project(td.SinkName, rows)

	for start := 0; start < len(projected); start += w.batchRows {
		end := start + w.batchRows
		if end > len(projected) {
			end = len(projected)
		}
		if err := w.writeBatch(ctx, td.SinkName, projected[start:end], origin); err != nil {
			return err
		}
	}
	return nil
}

func (w *SinkWriter) writeBatch(ctx context.Context, table string, batch []map[string]interface{}, origin WriteOrigin) error {
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		tx := w.sink.DB.WithContext(ctx).Table(table)
		if conflict, ok := w.conflictClause(table); ok {
			tx = tx.Clauses(conflict)
		}
		err := tx.Create(&batch).Error
		duration := time.Since(start)

		if err == nil {
			status := "success"
			if attempt > 0 {
				status = "success_retry"
			}
			w.metrics.BatchesWrittenTotal.WithLabelValues(table, string(origin)).Inc()
			w.metrics.BatchWriteDuration.WithLabelValues(table, status).Observe(duration.Seconds())
			w.logger.Debug("Wrote batch to sink",
				zap.String("table", table),
				zap.String("origin", string(origin)),
				zap.Int("rows", len(batch)),
				zap.Duration("duration", duration),
				zap.Int("attempt", attempt+1),
			)
			return nil
		}

		lastErr = err
		w.metrics.BatchWriteDuration.WithLabelValues(table, "failure_attempt_"+strconv.Itoa(attempt+1)).Observe(duration.Seconds())
		w.logger.Warn("Sink batch write failed",
			zap.String("table", table),
			zap.String("origin", string(origin)),
			zap.Int("rows", len(batch)),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", w.maxRetries+1),
			zap.Error(err),
		)
		if attempt < w.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.retryInterval):
			}
		}
	}
	return fmt.Errorf("writing batch to %s after %d attempts: %w", table, w.maxRetries+1, lastErr)
}

// conflictClause builds the per-table conflict handling for re-delivered
// rows. ClickHouse gets none: its table engine collapses duplicates by key
// and version. Keyed relational sinks upsert all non-key columns, so a
// re-delivered newer version overwrites rather than being discarded; keyless
// ones fall back to dropping exact re-deliveries.
func (w *SinkWriter) conflictClause(table string) (clause.Expression, bool) {
	if w.sink.Dialect == "clickhouse" {
		return nil, false
	}
	w.mu.RLock()
	pks := w.sinkPKs[table]
	cols := w.sinkCols[table]
	w.mu.RUnlock()

	if len(pks) == 0 {
		return clause.OnConflict{DoNothing: true}, true
	}

	target := make([]clause.Column, 0, len(pks))
	pkSet := make(map[string]struct{}, len(pks))
	for _, p := range pks {
		target = append(target, clause.Column{Name: p})
		pkSet[p] = struct{}{}
	}
	updates := make([]string, 0, len(cols))
	for name := range cols {
		if _, isPK := pkSet[name]; !isPK {
			updates = append(updates, name)
		}
	}
	if len(updates) == 0 {
		return clause.OnConflict{Columns: target, DoNothing: true}, true
	}
	sort.Strings(updates)
	return clause.OnConflict{Columns: target, DoUpdates: clause.AssignmentColumns(updates)}, true
}

// project drops columns the sink table does not have. Source-only columns
// are expected when the sink schema trails the source.
func (w *SinkWriter) project(table string, rows []map[string]interface{}) []map[string]interface{} {
	w.mu.RLock()
	cols, ok := w.sinkCols[table]
	w.mu.RUnlock()
	if !ok {
		return rows
	}
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		p := make(map[string]interface{}, len(cols))
		for name, v := range row {
			if _, keep := cols[name]; keep {
				p[name] = v
			}
		}
		out[i] = p
	}
	return out
}
