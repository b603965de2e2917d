package replicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/clause"

	"github.com/tailsync/tailsync/internal/db"
)

func newTestWriter(dialect string) *SinkWriter {
	return &SinkWriter{
		sink:     &db.Connector{Dialect: dialect},
		sinkCols: make(map[string]map[string]struct{}),
		sinkPKs:  make(map[string][]string),
	}
}

func (w *SinkWriter) seedSinkSchema(table string, cols []string, pks []string) {
	set := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		set[c] = struct{}{}
	}
	w.sinkCols[table] = set
	w.sinkPKs[table] = pks
}

func TestConflictClauseClickHouseHasNone(t *testing.T) {
	w := newTestWriter("clickhouse")
	w.seedSinkSchema("items", []string{"id", "name"}, []string{"id"})

	_, ok := w.conflictClause("items")
	assert.False(t, ok, "clickhouse dedup is the engine's job, not the insert's")
}

func TestConflictClauseKeylessTableDropsDuplicates(t *testing.T) {
	w := newTestWriter("postgres")
	w.seedSinkSchema("events", []string{"ts", "payload"}, nil)

	expr, ok := w.conflictClause("events")
	require.True(t, ok)
	oc, isConflict := expr.(clause.OnConflict)
	require.True(t, isConflict)
	assert.True(t, oc.DoNothing)
	assert.Empty(t, oc.Columns)
}

func TestConflictClauseKeyedTableOverwrites(t *testing.T) {
	w := newTestWriter("postgres")
	w.seedSinkSchema("items", []string{"id", "name", "updated_at"}, []string{"id"})

	expr, ok := w.conflictClause("items")
	require.True(t, ok)
	oc, isConflict := expr.(clause.OnConflict)
	require.True(t, isConflict)
	assert.False(t, oc.DoNothing, "a re-delivered newer row must replace the stale one")
	require.Len(t, oc.Columns, 1)
	assert.Equal(t, "id", oc.Columns[0].Name)

	// All non-key columns are assigned, in stable order.
	got := make([]string, 0, len(oc.DoUpdates))
	for _, a := range oc.DoUpdates {
		got = append(got, a.Column.Name)
	}
	assert.Equal(t, []string{"name", "updated_at"}, got)
}

func TestConflictClauseAllKeyColumnsDropsDuplicates(t *testing.T) {
	w := newTestWriter("postgres")
	w.seedSinkSchema("pairs", []string{"left_id", "right_id"}, []string{"left_id", "right_id"})

	expr, ok := w.conflictClause("pairs")
	require.True(t, ok)
	oc, isConflict := expr.(clause.OnConflict)
	require.True(t, isConflict)
	assert.True(t, oc.DoNothing, "nothing to update when every column is part of the key")
	assert.Len(t, oc.Columns, 2)
}
