package replicate

import (
	"context"
)

// ChangeBatch is one chunk of changed rows in cursor order, together with
// the watermark the sink reaches once the chunk lands.
type ChangeBatch struct {
	Rows []map[string]interface{}
	Next Watermark
}

// WatermarkReader derives the current replication position for a table.
type WatermarkReader interface {
	Current(ctx context.Context, plan *Plan) (Watermark, error)
}

// ChangeFetcher reads the next chunk of changes past a watermark from the
// source. A batch with no rows means the backlog is drained.
type ChangeFetcher interface {
	FetchNext(ctx context.Context, plan *Plan, from Watermark, limit int) (*ChangeBatch, error)
}

// WriteOrigin tags a batch with the path that produced it, so deliveries
// from the normal incremental drain and from a reconciliation resync stay
// distinguishable in logs and metrics.
type WriteOrigin string

const (
	OriginIncremental WriteOrigin = "incremental"
	OriginResync      WriteOrigin = "resync"
)

// BatchWriter lands converted rows in the sink. Writes must tolerate
// re-delivery of rows the sink already holds.
type BatchWriter interface {
	Write(ctx context.Context, td *TableDescriptor, rows []map[string]interface{}, origin WriteOrigin) error
}

// SinkInspector answers the preflight and reconciliation questions the cycle
// asks about sink tables.
type SinkInspector interface {
	TableExists(ctx context.Context, name string) (bool, error)
	ColumnNames(ctx context.Context, name string) ([]string, error)
	RowCount(ctx context.Context, name string) (int64, error)
}

// ChunkScanner reads one deterministic chunk of a full table scan.
type ChunkScanner interface {
	ScanChunk(ctx context.Context, td *TableDescriptor, offset, limit int) ([]map[string]interface{}, error)
}

// SourceCounter reports the source-side row count used by full-scan
// reconciliation.
type SourceCounter interface {
	CountRows(ctx context.Context, td *TableDescriptor) (int64, error)
}
