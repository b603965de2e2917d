package replicate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tailsync/tailsync/internal/config"
	"github.com/tailsync/tailsync/internal/db"
	"github.com/tailsync/tailsync/internal/metrics"
)

// Service owns the poll loop: one cycle per table per tick, tables in
// sequence, ticks on a fixed interval.
type Service struct {
	cfg     *config.Config
	cycles  []*TableCycle
	metrics *metrics.Store
	logger  *zap.Logger
}

// NewService discovers the source tables, plans a strategy for each, and
// wires the per-table cycles. Discovery failures abort startup; a table that
// cannot be planned only falls back to full scans.
func NewService(ctx context.Context, cfg *config.Config, src, sink *db.Connector, m *metrics.Store, logger *zap.Logger) (*Service, error) {
	log := logger.Named("replicate")

	refs, err := ListSourceTables(ctx, src, cfg.SrcDB.DBName, cfg.TableFilter(), log)
	if err != nil {
		return nil, fmt.Errorf("discovering source tables: %w", err)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("no tables to replicate in source database %s", cfg.SrcDB.DBName)
	}

	fetcher := NewSourceFetcher(src, log)
	writer := NewSinkWriter(sink, m, cfg.InsertBatchRows, cfg.MaxRetries, cfg.RetryInterval, log)
	watermarks := NewSinkWatermarks(sink, log)
	deps := CycleDeps{
		Watermarks: watermarks,
		Fetcher:    fetcher,
		Scanner:    fetcher,
		Writer:     writer,
		Inspector:  writer,
		Counter:    fetcher,
		Metrics:    m,
		Logger:     log,
	}

	var descErr error
	cycles := make([]*TableCycle, 0, len(refs))
	for _, ref := range refs {
		td, err := LoadTableDescriptor(ctx, src, ref, log)
		if err != nil {
			descErr = multierr.Append(descErr, err)
			continue
		}
		plan := SelectStrategy(td)
		log.Info("Planned table replication",
			zap.String("table", td.SourceName),
			zap.String("strategy", plan.Strategy.String()),
			zap.String("cursor", plan.Cursor()),
		)
		cycles = append(cycles, NewTableCycle(&plan, deps, cfg.FetchChunkRows, cfg.FullScanInterval))
	}
	if len(cycles) == 0 {
		return nil, fmt.Errorf("no replicable tables: %w", descErr)
	}
	if descErr != nil {
		log.Warn("Some tables could not be planned and are excluded", zap.Error(descErr))
	}

	return &Service{cfg: cfg, cycles: cycles, metrics: m, logger: log}, nil
}

// Tables reports how many tables the service replicates.
func (s *Service) Tables() int {
	return len(s.cycles)
}

// Run executes the poll loop until the context is canceled. The first tick
// fires immediately so a fresh start begins replicating without waiting out
// the interval.
func (s *Service) Run(ctx context.Context) error {
	s.metrics.ServiceUp.Set(1)
	defer s.metrics.ServiceUp.Set(0)

	s.logger.Info("Poll loop starting",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("tables", len(s.cycles)),
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Poll loop stopping", zap.Error(ctx.Err()))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick runs every table's cycle once. A failing table is logged and skipped
// for this tick only; the remaining tables still run.
func (s *Service) tick(ctx context.Context) {
	start := time.Now()
	var (
		totalRows int64
		resyncs   int
		failures  int
		skipped   int
	)

	for _, c := range s.cycles {
		if ctx.Err() != nil {
			return
		}
		res, err := c.Run(ctx)
		totalRows += res.Rows
		if res.Resynced {
			resyncs++
		}
		if res.Skipped != "" {
			skipped++
		}
		if err != nil && ctx.Err() == nil {
			failures++
			s.logger.Warn("Table cycle failed; retrying next tick",
				zap.String("table", c.plan.Table.SinkName),
				zap.Error(err),
			)
		}
	}
	if ctx.Err() != nil {
		return
	}

	duration := time.Since(start)
	s.metrics.TicksTotal.Inc()
	s.metrics.TickDuration.Observe(duration.Seconds())

	s.logger.Info("Tick complete",
		zap.Int64("rows", totalRows),
		zap.Int("tables", len(s.cycles)),
		zap.Int("failures", failures),
		zap.Int("skipped", skipped),
		zap.Int("resyncs", resyncs),
		zap.Duration("duration", duration),
	)
}
