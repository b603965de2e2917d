package replicate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tailsync/tailsync/internal/metrics"
)

type fakeWatermarks struct {
	wm  Watermark
	err error
}

func (f *fakeWatermarks) Current(_ context.Context, _ *Plan) (Watermark, error) {
	return f.wm, f.err
}

// fakeFetcher serves rows keyed on an integer cursor, chunking like the real
// fetcher does.
type fakeFetcher struct {
	ids     []int64
	err     error
	fetches int
}

func (f *fakeFetcher) FetchNext(_ context.Context, plan *Plan, from Watermark, limit int) (*ChangeBatch, error) {
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	batch := &ChangeBatch{Next: from}
	for _, id := range f.ids {
		if from.Initialized && id <= from.ID {
			continue
		}
		batch.Rows = append(batch.Rows, map[string]interface{}{plan.IDColumn: id})
		batch.Next = Watermark{Strategy: plan.Strategy, ID: id, Initialized: true}
		if len(batch.Rows) == limit {
			break
		}
	}
	return batch, nil
}

type fakeWriter struct {
	writes  [][]map[string]interface{}
	origins []WriteOrigin
	failOn  int // 1-based write index to fail at, 0 = never
}

func (f *fakeWriter) Write(_ context.Context, _ *TableDescriptor, rows []map[string]interface{}, origin WriteOrigin) error {
	if f.failOn > 0 && len(f.writes)+1 == f.failOn {
		return errors.New("sink unavailable")
	}
	f.writes = append(f.writes, rows)
	f.origins = append(f.origins, origin)
	return nil
}

func (f *fakeWriter) rowsWritten() int {
	n := 0
	for _, w := range f.writes {
		n += len(w)
	}
	return n
}

type fakeInspector struct {
	exists bool
	cols   []string
	count  int64
	err    error
}

func (f *fakeInspector) TableExists(_ context.Context, _ string) (bool, error) {
	return f.exists, f.err
}
func (f *fakeInspector) ColumnNames(_ context.Context, _ string) ([]string, error) {
	return f.cols, f.err
}
func (f *fakeInspector) RowCount(_ context.Context, _ string) (int64, error) {
	return f.count, f.err
}

type fakeScanner struct {
	rows []map[string]interface{}
}

func (f *fakeScanner) ScanChunk(_ context.Context, _ *TableDescriptor, offset, limit int) ([]map[string]interface{}, error) {
	if offset >= len(f.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	return f.rows[offset:end], nil
}

type fakeCounter struct {
	count int64
	err   error
}

func (f *fakeCounter) CountRows(_ context.Context, _ *TableDescriptor) (int64, error) {
	return f.count, f.err
}

func idPlan() *Plan {
	td := desc(
		col("id", KindInteger, primary, identity),
		col("name", KindText),
	)
	return &Plan{Table: td, Strategy: StrategyIDIncremental, IDColumn: "id"}
}

func newCycle(t *testing.T, plan *Plan, deps CycleDeps, chunkRows int, fullScanInterval time.Duration) *TableCycle {
	t.Helper()
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewStore()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return NewTableCycle(plan, deps, chunkRows, fullScanInterval)
}

func TestCycleDrainsBacklogInChunks(t *testing.T) {
	fetcher := &fakeFetcher{ids: []int64{1, 2, 3, 4, 5, 6, 7}}
	writer := &fakeWriter{}
	c := newCycle(t, idPlan(), CycleDeps{
		Watermarks: &fakeWatermarks{wm: Watermark{Strategy: StrategyIDIncremental, ID: 2, Initialized: true}},
		Fetcher:    fetcher,
		Writer:     writer,
		Inspector:  &fakeInspector{exists: true, cols: []string{"id", "name"}},
	}, 2, 0)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Rows)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 5, writer.rowsWritten())
	for _, origin := range writer.origins {
		assert.Equal(t, OriginIncremental, origin)
	}
	// Chunks of 2,2,1: the short final chunk ends the drain without an
	// extra empty fetch.
	assert.Equal(t, 3, fetcher.fetches)
}

func TestCycleEmptyBacklogWritesNothing(t *testing.T) {
	writer := &fakeWriter{}
	c := newCycle(t, idPlan(), CycleDeps{
		Watermarks: &fakeWatermarks{wm: Watermark{Strategy: StrategyIDIncremental, ID: 7, Initialized: true}},
		Fetcher:    &fakeFetcher{ids: []int64{1, 2, 3, 4, 5, 6, 7}},
		Writer:     writer,
		Inspector:  &fakeInspector{exists: true, cols: []string{"id", "name"}},
	}, 5, 0)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Rows)
	assert.Empty(t, writer.writes)
}

func TestCycleUninitializedWatermarkReplaysEverything(t *testing.T) {
	writer := &fakeWriter{}
	c := newCycle(t, idPlan(), CycleDeps{
		Watermarks: &fakeWatermarks{wm: Watermark{Strategy: StrategyIDIncremental}},
		Fetcher:    &fakeFetcher{ids: []int64{10, 20, 30}},
		Writer:     writer,
		Inspector:  &fakeInspector{exists: true, cols: []string{"id", "name"}},
	}, 100, 0)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Rows)
}

func TestCycleWriteFailureIsTransient(t *testing.T) {
	writer := &fakeWriter{failOn: 2}
	c := newCycle(t, idPlan(), CycleDeps{
		Watermarks: &fakeWatermarks{wm: Watermark{Strategy: StrategyIDIncremental}},
		Fetcher:    &fakeFetcher{ids: []int64{1, 2, 3, 4}},
		Writer:     writer,
		Inspector:  &fakeInspector{exists: true, cols: []string{"id", "name"}},
	}, 2, 0)

	res, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(2), res.Rows)
	assert.Empty(t, c.disabled, "transient errors must not disable the table")

	// Next run retries; the fake watermark still points before the failed
	// chunk, so the backlog drains completely.
	writer.failOn = 0
	res, err = c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Rows)
}

func TestCycleMissingSinkTableDisablesPermanently(t *testing.T) {
	fetcher := &fakeFetcher{ids: []int64{1}}
	c := newCycle(t, idPlan(), CycleDeps{
		Watermarks: &fakeWatermarks{},
		Fetcher:    fetcher,
		Writer:     &fakeWriter{},
		Inspector:  &fakeInspector{exists: false},
	}, 10, 0)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, skipSinkTableMissing, res.Skipped)

	res, err = c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, skipSinkTableMissing, res.Skipped)
	assert.Zero(t, fetcher.fetches, "disabled tables must not touch the source")
}

func TestCycleMissingCursorColumnDisables(t *testing.T) {
	c := newCycle(t, idPlan(), CycleDeps{
		Watermarks: &fakeWatermarks{},
		Fetcher:    &fakeFetcher{},
		Writer:     &fakeWriter{},
		Inspector:  &fakeInspector{exists: true, cols: []string{"name"}},
	}, 10, 0)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, skipCursorNotInSink, res.Skipped)
}

func TestCycleWatermarkReadFailureSkipsTick(t *testing.T) {
	c := newCycle(t, idPlan(), CycleDeps{
		Watermarks: &fakeWatermarks{err: errors.New("sink down")},
		Fetcher:    &fakeFetcher{ids: []int64{1}},
		Writer:     &fakeWriter{},
		Inspector:  &fakeInspector{exists: true, cols: []string{"id", "name"}},
	}, 10, 0)

	_, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, c.disabled)
}

func TestCycleCanceledContextStopsBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newCycle(t, idPlan(), CycleDeps{
		Watermarks: &fakeWatermarks{wm: Watermark{Strategy: StrategyIDIncremental, ID: 0, Initialized: true}},
		Fetcher:    &fakeFetcher{ids: []int64{1, 2, 3}},
		Writer:     &fakeWriter{},
		Inspector:  &fakeInspector{exists: true, cols: []string{"id", "name"}},
	}, 1, 0)
	c.preflighted = true

	_, err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func fallbackPlan() *Plan {
	td := desc(
		col("code", KindText, primary),
		col("name", KindText),
	)
	return &Plan{Table: td, Strategy: StrategyFullScanFallback}
}

func TestReconcileMatchingCountsDoesNothing(t *testing.T) {
	writer := &fakeWriter{}
	c := newCycle(t, fallbackPlan(), CycleDeps{
		Watermarks: &fakeWatermarks{},
		Fetcher:    &fakeFetcher{},
		Scanner:    &fakeScanner{},
		Writer:     writer,
		Inspector:  &fakeInspector{exists: true, cols: []string{"code", "name"}, count: 3},
		Counter:    &fakeCounter{count: 3},
	}, 10, time.Minute)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Resynced)
	assert.Empty(t, writer.writes)
	assert.False(t, c.lastReconcile.IsZero())
}

func TestReconcileSourceAheadTriggersResync(t *testing.T) {
	srcRows := []map[string]interface{}{
		{"code": "a", "name": "alpha"},
		{"code": "b", "name": "beta"},
		{"code": "c", "name": "gamma"},
		{"code": "d", "name": "delta"},
		{"code": "e", "name": "epsilon"},
	}
	writer := &fakeWriter{}
	c := newCycle(t, fallbackPlan(), CycleDeps{
		Watermarks: &fakeWatermarks{},
		Fetcher:    &fakeFetcher{},
		Scanner:    &fakeScanner{rows: srcRows},
		Writer:     writer,
		Inspector:  &fakeInspector{exists: true, cols: []string{"code", "name"}, count: 2},
		Counter:    &fakeCounter{count: 5},
	}, 2, time.Minute)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Resynced)
	assert.Equal(t, int64(5), res.Rows)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 5, writer.rowsWritten())
	for _, origin := range writer.origins {
		assert.Equal(t, OriginResync, origin)
	}
}

func TestReconcileSinkAheadOnlyLogs(t *testing.T) {
	writer := &fakeWriter{}
	c := newCycle(t, fallbackPlan(), CycleDeps{
		Watermarks: &fakeWatermarks{},
		Fetcher:    &fakeFetcher{},
		Scanner:    &fakeScanner{},
		Writer:     writer,
		Inspector:  &fakeInspector{exists: true, cols: []string{"code", "name"}, count: 9},
		Counter:    &fakeCounter{count: 4},
	}, 10, time.Minute)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Resynced)
	assert.Empty(t, writer.writes)
}

func TestReconcileHonorsCadence(t *testing.T) {
	counter := &fakeCounter{count: 1}
	c := newCycle(t, fallbackPlan(), CycleDeps{
		Watermarks: &fakeWatermarks{},
		Fetcher:    &fakeFetcher{},
		Scanner:    &fakeScanner{},
		Writer:     &fakeWriter{},
		Inspector:  &fakeInspector{exists: true, cols: []string{"code", "name"}, count: 1},
		Counter:    counter,
	}, 10, time.Hour)

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	// Within the interval the fallback table is left alone.
	c2Before := c.lastReconcile
	_, err = c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c2Before, c.lastReconcile)
}
