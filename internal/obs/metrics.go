package obs

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine metrics. "table" is entities or entity_details; "result" is
// created, unchanged, conflict or error.
var (
	upsertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "temporal_upserts_total",
			Help: "Total upsert calls by outcome.",
		},
		[]string{"table", "result"},
	)

	deletesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "temporal_deletes_total",
			Help: "Total explicit delete calls by outcome.",
		},
		[]string{"table", "result"},
	)

	upsertDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "temporal_upsert_duration_seconds",
			Help:    "Upsert latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)
)

var metricsOnce sync.Once

// Init registers the engine metrics in the default registry. Safe to
// call more than once.
func Init() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(upsertsTotal, deletesTotal, upsertDuration)
	})
}

// Handler exposes the Prometheus scrape endpoint for whichever outer
// surface wants to mount it.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpsert records one upsert outcome.
func ObserveUpsert(table, result string, seconds float64) {
	upsertsTotal.WithLabelValues(table, result).Inc()
	upsertDuration.WithLabelValues(table).Observe(seconds)
}

// ObserveDelete records one delete outcome.
func ObserveDelete(table, result string) {
	deletesTotal.WithLabelValues(table, result).Inc()
}
