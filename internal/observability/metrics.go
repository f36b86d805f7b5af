package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	heartbeatsPersistedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "codetime",
		Subsystem: "persistence",
		Name:      "heartbeats_persisted_total",
		Help:      "Number of heartbeats inserted into Postgres (deduplicated rows excluded).",
	})
	heartbeatPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "codetime",
		Subsystem: "persistence",
		Name:      "last_heartbeat_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent heartbeat batch persisted to Postgres.",
	})
	aggregationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codetime",
		Subsystem: "stats",
		Name:      "aggregations_total",
		Help:      "Number of aggregation calls grouped by operation and cache outcome.",
	}, []string{"op", "cache"})
	dimensionResolutionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codetime",
		Subsystem: "dimensions",
		Name:      "resolutions_total",
		Help:      "Number of dimension resolutions grouped by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		heartbeatsPersistedCounter,
		heartbeatPersistGauge,
		aggregationCounter,
		dimensionResolutionCounter,
	)
}

// RecordHeartbeatsPersisted updates the persistence counters after a batch
// lands.
func RecordHeartbeatsPersisted(count int, ts time.Time) {
	if count <= 0 {
		return
	}
	heartbeatsPersistedCounter.Add(float64(count))
	if !ts.IsZero() {
		heartbeatPersistGauge.Set(float64(ts.Unix()))
	}
}

// RecordDimensionResolution counts resolved dimension values per kind.
func RecordDimensionResolution(kind string, count int) {
	if count <= 0 {
		return
	}
	dimensionResolutionCounter.WithLabelValues(kind).Add(float64(count))
}

// AggregationMetrics implements the stats metrics collector on Prometheus.
type AggregationMetrics struct{}

// RecordAggregation counts one aggregation call.
func (AggregationMetrics) RecordAggregation(op string, cacheHit bool) {
	outcome := "miss"
	if cacheHit {
		outcome = "hit"
	}
	aggregationCounter.WithLabelValues(op, outcome).Inc()
}
