package replicate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tailsync/tailsync/internal/metrics"
)

// Skip reasons reported through the table_skips metric.
const (
	skipSinkTableMissing  = "sink_table_missing"
	skipSinkColumns       = "sink_columns_unreadable"
	skipCursorNotInSink   = "cursor_column_missing"
	skipWatermarkReadFail = "watermark_read_failed"
)

// CycleResult summarizes one run of a table's sync cycle for the tick log.
type CycleResult struct {
	Rows     int64
	Chunks   int
	Resynced bool
	Skipped  string
}

// TableCycle drives replication for a single table: derive the watermark
// from the sink, drain the source backlog past it in chunks, and reconcile
// counts on the fallback cadence. A cycle failure only skips the table for
// the current tick; configuration problems disable it until restart.
type TableCycle struct {
	plan       *Plan
	watermarks WatermarkReader
	fetcher    ChangeFetcher
	scanner    ChunkScanner
	writer     BatchWriter
	inspector  SinkInspector
	counter    SourceCounter
	metrics    *metrics.Store
	logger     *zap.Logger

	chunkRows        int
	fullScanInterval time.Duration

	preflighted   bool
	disabled      string
	lastReconcile time.Time
}

// CycleDeps bundles the collaborators a table cycle runs against.
type CycleDeps struct {
	Watermarks WatermarkReader
	Fetcher    ChangeFetcher
	Scanner    ChunkScanner
	Writer     BatchWriter
	Inspector  SinkInspector
	Counter    SourceCounter
	Metrics    *metrics.Store
	Logger     *zap.Logger
}

func NewTableCycle(plan *Plan, deps CycleDeps, chunkRows int, fullScanInterval time.Duration) *TableCycle {
	return &TableCycle{
		plan:             plan,
		watermarks:       deps.Watermarks,
		fetcher:          deps.Fetcher,
		scanner:          deps.Scanner,
		writer:           deps.Writer,
		inspector:        deps.Inspector,
		counter:          deps.Counter,
		metrics:          deps.Metrics,
		logger:           deps.Logger.With(zap.String("table", plan.Table.SinkName), zap.String("strategy", plan.Strategy.String())),
		chunkRows:        chunkRows,
		fullScanInterval: fullScanInterval,
	}
}

// Run executes one cycle. The returned error is transient: the table stays
// scheduled and the watermark is untouched, so the next tick retries from
// the same position.
func (c *TableCycle) Run(ctx context.Context) (CycleResult, error) {
	if c.disabled != "" {
		c.metrics.TablesSkippedTotal.WithLabelValues(c.plan.Table.SinkName, c.disabled).Inc()
		return CycleResult{Skipped: c.disabled}, nil
	}

	start := time.Now()
	defer func() {
		c.metrics.TableCycleDuration.WithLabelValues(c.plan.Table.SinkName).Observe(time.Since(start).Seconds())
	}()

	if !c.preflighted {
		if ok := c.preflight(ctx); !ok {
			c.metrics.TablesSkippedTotal.WithLabelValues(c.plan.Table.SinkName, c.disabled).Inc()
			return CycleResult{Skipped: c.disabled}, nil
		}
	}

	if c.plan.Strategy == StrategyFullScanFallback {
		if !c.reconcileDue() {
			return CycleResult{}, nil
		}
		return c.reconcile(ctx)
	}

	res, err := c.drainIncremental(ctx)
	if err != nil {
		return res, err
	}

	// Incremental strategies that miss updates (id-only) or deletes still
	// get periodic count reconciliation.
	if c.reconcileDue() {
		recRes, recErr := c.reconcile(ctx)
		res.Rows += recRes.Rows
		res.Chunks += recRes.Chunks
		res.Resynced = res.Resynced || recRes.Resynced
		if recErr != nil {
			return res, recErr
		}
	}
	return res, nil
}

// preflight verifies the sink table once at startup. Failures here are
// configuration errors: the table is disabled until the service restarts,
// and logged at error level exactly once.
func (c *TableCycle) preflight(ctx context.Context) bool {
	name := c.plan.Table.SinkName

	exists, err := c.inspector.TableExists(ctx, name)
	if err != nil || !exists {
		c.disabled = skipSinkTableMissing
		c.metrics.ReplicationErrors.WithLabelValues("metadata", name).Inc()
		c.logger.Error("Sink table missing; table disabled until restart", zap.Error(err))
		return false
	}

	sinkCols, err := c.inspector.ColumnNames(ctx, name)
	if err != nil || len(sinkCols) == 0 {
		c.disabled = skipSinkColumns
		c.metrics.ReplicationErrors.WithLabelValues("metadata", name).Inc()
		c.logger.Error("Sink table columns unreadable; table disabled until restart", zap.Error(err))
		return false
	}

	if missing := c.missingCursorColumns(sinkCols); len(missing) > 0 {
		c.disabled = skipCursorNotInSink
		c.metrics.ReplicationErrors.WithLabelValues("metadata", name).Inc()
		c.logger.Error("Sink table lacks cursor columns; table disabled until restart",
			zap.Strings("missing", missing))
		return false
	}

	c.preflighted = true
	c.logger.Info("Sink table verified",
		zap.Int("sink_columns", len(sinkCols)),
		zap.String("cursor", c.plan.Cursor()),
	)
	return true
}

// missingCursorColumns checks that the sink carries the columns its
// watermark is derived from.
func (c *TableCycle) missingCursorColumns(sinkCols []string) []string {
	have := make(map[string]struct{}, len(sinkCols))
	for _, n := range sinkCols {
		have[n] = struct{}{}
	}
	var need []string
	switch c.plan.Strategy {
	case StrategyRowVersion:
		need = []string{c.plan.VersionColumn}
	case StrategyIDIncremental:
		need = []string{c.plan.IDColumn}
	case StrategyTimestampWithKey:
		need = []string{c.plan.TimestampColumn, c.plan.IDColumn}
	}
	var missing []string
	for _, n := range need {
		if _, ok := have[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

// drainIncremental replays the backlog chunk by chunk until the source has
// nothing newer than the watermark. Each chunk is written fully before the
// local watermark moves, so interruption at any point re-delivers at most
// one chunk.
func (c *TableCycle) drainIncremental(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	wm, err := c.watermarks.Current(ctx, c.plan)
	if err != nil {
		c.metrics.ReplicationErrors.WithLabelValues("watermark_read", c.plan.Table.SinkName).Inc()
		c.metrics.TablesSkippedTotal.WithLabelValues(c.plan.Table.SinkName, skipWatermarkReadFail).Inc()
		return res, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		batch, err := c.fetcher.FetchNext(ctx, c.plan, wm, c.chunkRows)
		if err != nil {
			c.metrics.ReplicationErrors.WithLabelValues("fetch", c.plan.Table.SinkName).Inc()
			return res, err
		}
		if len(batch.Rows) == 0 {
			return res, nil
		}

		if err := c.writer.Write(ctx, c.plan.Table, batch.Rows, OriginIncremental); err != nil {
			c.metrics.ReplicationErrors.WithLabelValues("write", c.plan.Table.SinkName).Inc()
			return res, err
		}

		res.Rows += int64(len(batch.Rows))
		res.Chunks++
		c.metrics.RowsReplicatedTotal.WithLabelValues(c.plan.Table.SinkName, string(OriginIncremental)).Add(float64(len(batch.Rows)))

		// The watermark only ever moves forward. A batch that does not beat
		// the current mark would mean the cursor ordering is broken; stop
		// rather than loop on the same chunk.
		if !wm.Before(batch.Next) {
			c.logger.Warn("Fetched batch did not advance the watermark; ending cycle",
				append(batch.Next.zapFields(), zap.Int64("rows", res.Rows))...)
			return res, nil
		}
		wm = batch.Next
		c.metrics.WatermarkAdvanceTime.WithLabelValues(c.plan.Table.SinkName).SetToCurrentTime()

		if len(batch.Rows) < c.chunkRows {
			c.logger.Debug("Backlog drained", append(wm.zapFields(), zap.Int64("rows", res.Rows))...)
			return res, nil
		}
	}
}

func (c *TableCycle) reconcileDue() bool {
	return c.fullScanInterval > 0 && time.Since(c.lastReconcile) >= c.fullScanInterval
}
