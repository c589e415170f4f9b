package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hexalith/streams-go/core/metrics"
	"github.com/hexalith/streams-go/core/streams"
)

// streamsMetrics implements streams.Metrics using Prometheus.
type streamsMetrics struct {
	sessionAcquireDuration *prometheus.HistogramVec
	sessionTimeouts        *prometheus.CounterVec

	appendDuration  *prometheus.HistogramVec
	itemsAppended   *prometheus.CounterVec
	versionConflicts *prometheus.CounterVec
	duplicateIdempotencyHits *prometheus.CounterVec

	readDuration *prometheus.HistogramVec
	indexCacheHits   *prometheus.CounterVec
	indexCacheMisses *prometheus.CounterVec

	snapshotDuration *prometheus.HistogramVec
}

// NewMetrics creates a Prometheus implementation of streams.Metrics,
// registering all of its collectors with reg.
func NewMetrics(reg prometheus.Registerer) streams.Metrics {
	m := &streamsMetrics{
		sessionAcquireDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streams_session_acquire_duration_seconds",
			Help:    "OpenSession latency in seconds, including retry backoff",
			Buckets: defaultBuckets,
		}, []string{"stream_id"}),

		sessionTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streams_session_timeouts_total",
			Help: "Total number of OpenSession calls that exhausted their retry budget",
		}, []string{"stream_id"}),

		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streams_append_duration_seconds",
			Help:    "Append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"stream_id"}),

		itemsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streams_items_appended_total",
			Help: "Total number of items successfully appended",
		}, []string{"stream_id"}),

		versionConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streams_version_conflicts_total",
			Help: "Total number of append calls that failed with a version mismatch",
		}, []string{"stream_id"}),

		duplicateIdempotencyHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streams_duplicate_idempotency_hits_total",
			Help: "Total number of append calls that failed on a duplicate idempotency key",
		}, []string{"stream_id"}),

		readDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streams_read_duration_seconds",
			Help:    "Read latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"stream_id"}),

		indexCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streams_index_cache_hits_total",
			Help: "Total number of FileProvider directory-index cache hits",
		}, []string{"stream_id"}),

		indexCacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streams_index_cache_misses_total",
			Help: "Total number of FileProvider directory-index cache misses",
		}, []string{"stream_id"}),

		snapshotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streams_snapshot_duration_seconds",
			Help:    "Snapshot get/set/remove latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"stream_id"}),
	}

	reg.MustRegister(
		m.sessionAcquireDuration,
		m.sessionTimeouts,
		m.appendDuration,
		m.itemsAppended,
		m.versionConflicts,
		m.duplicateIdempotencyHits,
		m.readDuration,
		m.indexCacheHits,
		m.indexCacheMisses,
		m.snapshotDuration,
	)

	return m
}

func (m *streamsMetrics) SessionAcquireDuration(streamID string) metrics.Timer {
	return newTimer(m.sessionAcquireDuration.WithLabelValues(streamID))
}

func (m *streamsMetrics) SessionTimeout(streamID string) {
	m.sessionTimeouts.WithLabelValues(streamID).Inc()
}

func (m *streamsMetrics) AppendDuration(streamID string) metrics.Timer {
	return newTimer(m.appendDuration.WithLabelValues(streamID))
}

func (m *streamsMetrics) ItemsAppended(streamID string, count int) {
	m.itemsAppended.WithLabelValues(streamID).Add(float64(count))
}

func (m *streamsMetrics) VersionConflict(streamID string) {
	m.versionConflicts.WithLabelValues(streamID).Inc()
}

func (m *streamsMetrics) DuplicateIdempotencyHit(streamID string) {
	m.duplicateIdempotencyHits.WithLabelValues(streamID).Inc()
}

func (m *streamsMetrics) ReadDuration(streamID string) metrics.Timer {
	return newTimer(m.readDuration.WithLabelValues(streamID))
}

func (m *streamsMetrics) IndexCacheHit(streamID string) {
	m.indexCacheHits.WithLabelValues(streamID).Inc()
}

func (m *streamsMetrics) IndexCacheMiss(streamID string) {
	m.indexCacheMisses.WithLabelValues(streamID).Inc()
}

func (m *streamsMetrics) SnapshotDuration(streamID string) metrics.Timer {
	return newTimer(m.snapshotDuration.WithLabelValues(streamID))
}

var _ streams.Metrics = (*streamsMetrics)(nil)
