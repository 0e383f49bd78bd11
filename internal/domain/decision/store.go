package decision

import (
	"context"
	"errors"
	"time"
)

// ErrDateRangeExceeded is returned when a query's time range exceeds the
// maximum allowed window.
var ErrDateRangeExceeded = errors.New("date range exceeds maximum of 7 days")

// Store persists decision records (C5, §4.5). Append must be non-blocking
// from the caller's perspective; the sink service is responsible for
// batching so the hot path never waits on disk I/O.
type Store interface {
	// Append stores decision records.
	Append(ctx context.Context, records ...Record) error

	// Flush forces any buffered records to durable storage.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Filter specifies query parameters for decision record queries (§6 audit
// query surface).
type Filter struct {
	StartTime   time.Time
	EndTime     time.Time
	PrincipalID string
	ResourceID  string
	Allow       *bool
	Limit       int
	Cursor      string
}

// Stats is an aggregate over a queried time window.
type Stats struct {
	TotalDecisions int64
	Allowed        int64
	Denied         int64
	CacheHits      int64
	ByPrincipal    map[string]int64
}

// QueryStore provides read access to decision records for the compliance
// audit query surface. Separate from Store (writes) per the teacher's
// AuditStore / AuditQueryStore split.
type QueryStore interface {
	// Query retrieves records matching filter. Returns records, the next
	// page's cursor (empty if exhausted), and error. Returns
	// ErrDateRangeExceeded if EndTime-StartTime exceeds the store's
	// configured maximum window.
	Query(ctx context.Context, filter Filter) ([]Record, string, error)

	// QueryStats returns aggregated statistics for the given time range.
	QueryStats(ctx context.Context, start, end time.Time) (*Stats, error)
}
