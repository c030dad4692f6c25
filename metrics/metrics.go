// Package metrics holds the Prometheus instruments evcore components report to.
//
// All methods are safe to call on a nil *Metrics, so components treat metrics
// as optional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "evcore"

// Metrics holds all Prometheus metrics for an evcore process.
type Metrics struct {
	AppendsTotal        *prometheus.CounterVec
	RefreshTotal        *prometheus.CounterVec
	RefreshDuration     *prometheus.HistogramVec
	RouterFallbackTotal *prometheus.CounterVec
	ArchivedEventsTotal prometheus.Counter
	ArchiveFailures     prometheus.Counter
	VersionCacheTotal   *prometheus.CounterVec
}

// New initializes the metrics and registers them with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		AppendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Total number of append attempts by result.",
		}, []string{"result"}), // result: ok, conflict, schema, storage
		RefreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "refresh_total",
			Help:      "Total number of projection refreshes by projection and result.",
		}, []string{"projection", "result"}),
		RefreshDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of projection refreshes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"projection"}),
		RouterFallbackTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_fallback_total",
			Help:      "Events whose type had no routing entry and fell back to the fallback policy.",
		}, []string{"event_type"}),
		ArchivedEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "events_total",
			Help:      "Total number of events moved to cold storage.",
		}),
		ArchiveFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "failures_total",
			Help:      "Total number of archival runs that ended with a partial failure.",
		}),
		VersionCacheTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "version_cache",
			Name:      "lookups_total",
			Help:      "Stream version cache lookups by result.",
		}, []string{"result"}), // result: hit, miss, error
	}
}

// Append records the outcome of an append attempt.
func (m *Metrics) Append(result string) {
	if m == nil {
		return
	}
	m.AppendsTotal.WithLabelValues(result).Inc()
}

// Refresh records a projection refresh.
func (m *Metrics) Refresh(projection string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RefreshTotal.WithLabelValues(projection, result).Inc()
	m.RefreshDuration.WithLabelValues(projection).Observe(d.Seconds())
}

// RouterFallback records an event type that had no routing entry.
func (m *Metrics) RouterFallback(eventType string) {
	if m == nil {
		return
	}
	m.RouterFallbackTotal.WithLabelValues(eventType).Inc()
}

// Archived records events moved to cold storage.
func (m *Metrics) Archived(n int, failed bool) {
	if m == nil {
		return
	}
	m.ArchivedEventsTotal.Add(float64(n))
	if failed {
		m.ArchiveFailures.Inc()
	}
}

// VersionCache records a version cache lookup.
func (m *Metrics) VersionCache(result string) {
	if m == nil {
		return
	}
	m.VersionCacheTotal.WithLabelValues(result).Inc()
}
