package replicate

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tailsync/tailsync/internal/db"
	"github.com/tailsync/tailsync/internal/utils"
)

// Watermark is the high-water mark of replicated change for one table. It is
// never persisted by the engine itself: each cycle re-derives it from what
// the sink actually holds, so a crash between fetch and write can at worst
// cause re-delivery, never a gap.
type Watermark struct {
	Strategy Strategy

	// Version is the highest replicated rowversion, for rowversion plans.
	Version uint64
	// ID is the highest replicated key, for id-incremental plans, and the
	// tie-break component for timestamp plans.
	ID int64
	// TS is the highest replicated modification timestamp.
	TS time.Time

	// Initialized is false when the sink table is empty and replication
	// starts from the beginning of the source.
	Initialized bool
}

// Before reports whether w is strictly earlier than other under the
// strategy's ordering. Uninitialized watermarks precede everything.
func (w Watermark) Before(other Watermark) bool {
	if !w.Initialized {
		return other.Initialized
	}
	if !other.Initialized {
		return false
	}
	switch w.Strategy {
	case StrategyRowVersion:
		return w.Version < other.Version
	case StrategyIDIncremental:
		return w.ID < other.ID
	case StrategyTimestampWithKey:
		if !w.TS.Equal(other.TS) {
			return w.TS.Before(other.TS)
		}
		return w.ID < other.ID
	default:
		return false
	}
}

func (w Watermark) String() string {
	if !w.Initialized {
		return "uninitialized"
	}
	switch w.Strategy {
	case StrategyRowVersion:
		return fmt.Sprintf("version=%d", w.Version)
	case StrategyIDIncremental:
		return fmt.Sprintf("id=%d", w.ID)
	case StrategyTimestampWithKey:
		return fmt.Sprintf("ts=%s id=%d", w.TS.UTC().Format(time.RFC3339Nano), w.ID)
	default:
		return "none"
	}
}

// zapFields renders the watermark for structured logs.
func (w Watermark) zapFields() []zap.Field {
	return []zap.Field{
		zap.String("strategy", w.Strategy.String()),
		zap.String("watermark", w.String()),
	}
}

// parseVersionWatermark decodes a max(version) aggregate scanned as text.
// The full unsigned 64-bit range must round-trip; NULL or empty means the
// sink table is empty.
func parseVersionWatermark(max sql.NullString) (uint64, bool, error) {
	if !max.Valid {
		return 0, false, nil
	}
	s := strings.TrimSpace(max.String)
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid rowversion %q: %w", max.String, err)
	}
	return v, true, nil
}

// SinkWatermarks derives per-table watermarks from aggregate queries against
// the sink. It holds no state between calls.
type SinkWatermarks struct {
	sink   *db.Connector
	logger *zap.Logger
}

func NewSinkWatermarks(sink *db.Connector, logger *zap.Logger) *SinkWatermarks {
	return &SinkWatermarks{sink: sink, logger: logger.Named("watermark")}
}

// Current reads the sink's high-water mark for the plan's table. An empty
// sink table yields an uninitialized watermark.
func (s *SinkWatermarks) Current(ctx context.Context, plan *Plan) (Watermark, error) {
	wm := Watermark{Strategy: plan.Strategy}
	table := utils.QuoteIdentifier(plan.Table.SinkName, s.sink.Dialect)

	switch plan.Strategy {
	case StrategyRowVersion:
		// Scanned through a string: the sink column is unsigned 64-bit and
		// an int64 holder would corrupt versions past its range.
		var max sql.NullString
		query := fmt.Sprintf("SELECT max(%s) FROM %s",
			utils.QuoteIdentifier(plan.VersionColumn, s.sink.Dialect), table)
		if err := s.sink.DB.WithContext(ctx).Raw(query).Scan(&max).Error; err != nil {
			return wm, fmt.Errorf("reading rowversion watermark for %s: %w", plan.Table.SinkName, err)
		}
		v, valid, perr := parseVersionWatermark(max)
		if perr != nil {
			return wm, fmt.Errorf("parsing rowversion watermark for %s: %w", plan.Table.SinkName, perr)
		}
		if valid {
			wm.Version = v
			wm.Initialized = true
		}

	case StrategyIDIncremental:
		var max sql.NullInt64
		query := fmt.Sprintf("SELECT max(%s) FROM %s",
			utils.QuoteIdentifier(plan.IDColumn, s.sink.Dialect), table)
		if err := s.sink.DB.WithContext(ctx).Raw(query).Scan(&max).Error; err != nil {
			return wm, fmt.Errorf("reading id watermark for %s: %w", plan.Table.SinkName, err)
		}
		if max.Valid {
			wm.ID = max.Int64
			wm.Initialized = true
		}

	case StrategyTimestampWithKey:
		// The pair must be the lexicographic maximum, not the independent
		// column maxima, or a tie on the latest timestamp would replay rows.
		var row struct {
			TS sql.NullTime  `gorm:"column:wm_ts"`
			ID sql.NullInt64 `gorm:"column:wm_id"`
		}
		query := fmt.Sprintf("SELECT %s AS wm_ts, %s AS wm_id FROM %s ORDER BY %s DESC, %s DESC LIMIT 1",
			utils.QuoteIdentifier(plan.TimestampColumn, s.sink.Dialect),
			utils.QuoteIdentifier(plan.IDColumn, s.sink.Dialect),
			table,
			utils.QuoteIdentifier(plan.TimestampColumn, s.sink.Dialect),
			utils.QuoteIdentifier(plan.IDColumn, s.sink.Dialect))
		res := s.sink.DB.WithContext(ctx).Raw(query).Scan(&row)
		if res.Error != nil {
			return wm, fmt.Errorf("reading timestamp watermark for %s: %w", plan.Table.SinkName, res.Error)
		}
		if res.RowsAffected > 0 && row.TS.Valid {
			wm.TS = row.TS.Time
			wm.ID = row.ID.Int64
			wm.Initialized = true
		}

	case StrategyFullScanFallback:
		// Full-scan tables have no cursor; the cycle compares row counts
		// instead.

	default:
		return wm, fmt.Errorf("no watermark defined for strategy %s", plan.Strategy)
	}

	s.logger.Debug("Derived sink watermark",
		append([]zap.Field{zap.String("table", plan.Table.SinkName)}, wm.zapFields()...)...)
	return wm, nil
}
