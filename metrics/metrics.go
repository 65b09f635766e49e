// Package metrics exposes the commit log engine's prometheus
// instrumentation: put/flush/recovery/expiry counters and gauges, in
// the shape the teacher's own metrics package uses.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's counters, gauges and histograms. The
// engine updates PutsTotal (labelled with the appender's status, before
// any flush or replication outcome) and SegmentsExpired; the other
// collectors are registered but not updated by any package in this
// module.
type Metrics struct {
	PutsTotal             *prometheus.CounterVec
	BytesWritten          prometheus.Counter
	SegmentRotations      prometheus.Counter
	SegmentsExpired       prometheus.Counter
	FlushesTotal          *prometheus.CounterVec
	FlushLatencySeconds   prometheus.Histogram
	PutLockHeldSeconds    prometheus.Histogram
	RecoveryRecords       *prometheus.CounterVec
	CommittedWhereBytes   prometheus.Gauge
	LastSegmentAgeSeconds prometheus.Gauge
}

// New registers and returns a Metrics struct against reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		PutsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "commitlog_puts_total",
			Help: "commitlog_puts_total counts Put calls by resulting status.",
		}, []string{"status"}),
		BytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "commitlog_bytes_written_total",
			Help: "commitlog_bytes_written_total counts bytes appended to segments, including padding frames.",
		}),
		SegmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "commitlog_segment_rotations_total",
			Help: "commitlog_segment_rotations_total counts how many times the tail segment changed.",
		}),
		SegmentsExpired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "commitlog_segments_expired_total",
			Help: "commitlog_segments_expired_total counts segments deleted by the retention sweep.",
		}),
		FlushesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "commitlog_flushes_total",
			Help: "commitlog_flushes_total counts flush attempts by flusher kind and outcome.",
		}, []string{"kind", "outcome"}),
		FlushLatencySeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "commitlog_flush_latency_seconds",
			Help:    "commitlog_flush_latency_seconds observes the duration of each flush call.",
			Buckets: prometheus.DefBuckets,
		}),
		PutLockHeldSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "commitlog_put_lock_held_seconds",
			Help:    "commitlog_put_lock_held_seconds observes how long each Put holds the put-lock.",
			Buckets: prometheus.DefBuckets,
		}),
		RecoveryRecords: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "commitlog_recovery_records_total",
			Help: "commitlog_recovery_records_total counts records classified during a recovery scan, by classification.",
		}, []string{"classification"}),
		CommittedWhereBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "commitlog_committed_where_bytes",
			Help: "commitlog_committed_where_bytes is the most recent durable physical offset.",
		}),
		LastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "commitlog_last_segment_age_seconds",
			Help: "commitlog_last_segment_age_seconds is set on each rotation to the age of the segment that was just sealed.",
		}),
	}
}
