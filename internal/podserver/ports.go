package podserver

import "context"

// OpAppender is the durable op store dependency a Room needs. The concrete
// Postgres-backed implementation lives in internal/opstore; this narrow
// interface keeps podserver decoupled from database/sql.
type OpAppender interface {
	Append(ctx context.Context, roomID, siteID string, payload []byte) (seq int64, err error)
}

// StreamPublisher is the replicated log dependency a Room needs. The
// concrete Redis Streams implementation lives in internal/streambridge.
type StreamPublisher interface {
	PublishPresence(ctx context.Context, roomID, userID string, sourceTimestamp int64, payload []byte) error
	PublishStorage(ctx context.Context, roomID, siteID string, seq int64, payload []byte) error
}

// Metrics is the counter sink a Room and its Sessions report into. The
// concrete implementation lives in internal/metrics.
type Metrics interface {
	IncFramesIn(frameType string)
	IncFramesOut(frameType string)
	IncFramesDropped(reason string)
	IncEgressDrop(reason string)
	IncSessionClose(reason string)
	IncStorageOpsApplied()
	IncStorageOpsPersisted()
	IncPresenceDedupDropped()
	SetActiveSessions(roomID string, n int)
	SetActiveRooms(n int)
	SetStreamLag(roomID string, n int64)
}

// noopMetrics satisfies Metrics for tests and for callers that do not
// care about counters.
type noopMetrics struct{}

func (noopMetrics) IncFramesIn(string)            {}
func (noopMetrics) IncFramesOut(string)           {}
func (noopMetrics) IncFramesDropped(string)       {}
func (noopMetrics) IncEgressDrop(string)          {}
func (noopMetrics) IncSessionClose(string)        {}
func (noopMetrics) IncStorageOpsApplied()         {}
func (noopMetrics) IncStorageOpsPersisted()       {}
func (noopMetrics) IncPresenceDedupDropped()      {}
func (noopMetrics) SetActiveSessions(string, int) {}
func (noopMetrics) SetActiveRooms(int)            {}
func (noopMetrics) SetStreamLag(string, int64)    {}
