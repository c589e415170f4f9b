package streams

import "github.com/hexalith/streams-go/core/metrics"

// Metrics defines the instrumentation points a Provider/Handle reports
// to. All methods return a Timer or increment a counter; implementations
// must be safe for concurrent use. A no-op implementation is the
// default (see NopMetrics); a Prometheus-backed one lives in
// adapters/prometheus.
type Metrics interface {
	// SessionAcquireDuration times OpenSession, including retry backoff.
	SessionAcquireDuration(streamID string) metrics.Timer
	// SessionTimeout counts OpenSession calls that exhausted their
	// retry budget without acquiring a lease.
	SessionTimeout(streamID string)
	// AppendDuration times a single Provider.Append/AppendWithIdempotency call.
	AppendDuration(streamID string) metrics.Timer
	// ItemsAppended counts items successfully appended.
	ItemsAppended(streamID string, count int)
	// VersionConflict counts VersionMismatch failures on append.
	VersionConflict(streamID string)
	// DuplicateIdempotencyHit counts DuplicateIdempotency failures on append.
	DuplicateIdempotencyHit(streamID string)
	// ReadDuration times a read (GetByVersion/GetByIdempotency/ReadAll/ReadSlice).
	// InMemoryProvider, FileProvider and Handle do not report it.
	ReadDuration(streamID string) metrics.Timer
	// IndexCacheHit/IndexCacheMiss count FileProvider's lazily-populated
	// directory-scan index cache.
	IndexCacheHit(streamID string)
	IndexCacheMiss(streamID string)
	// SnapshotDuration times snapshot set/get/remove operations.
	// FileProvider reports it; InMemoryProvider does not.
	SnapshotDuration(streamID string) metrics.Timer
}

type nopMetrics struct{}

func (nopMetrics) SessionAcquireDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) SessionTimeout(string)                       {}
func (nopMetrics) AppendDuration(string) metrics.Timer         { return metrics.NopTimer() }
func (nopMetrics) ItemsAppended(string, int)                   {}
func (nopMetrics) VersionConflict(string)                      {}
func (nopMetrics) DuplicateIdempotencyHit(string)               {}
func (nopMetrics) ReadDuration(string) metrics.Timer           { return metrics.NopTimer() }
func (nopMetrics) IndexCacheHit(string)                        {}
func (nopMetrics) IndexCacheMiss(string)                       {}
func (nopMetrics) SnapshotDuration(string) metrics.Timer       { return metrics.NopTimer() }

// NopMetrics returns a Metrics implementation whose methods do nothing.
func NopMetrics() Metrics { return nopMetrics{} }

var _ Metrics = nopMetrics{}
