// Package metrics exposes Prometheus instruments for remote mailbox
// operations and bulk action outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricIMAPCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_imap_command_duration_seconds",
			Help:    "IMAP client command duration and result in seconds.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{
			"cmd",
			"result", // ok, error
		},
	)
	metricConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_imap_connect_total",
			Help: "IMAP connection attempts by outcome.",
		},
		[]string{
			"result", // ok, network, tls, auth, protocol
		},
	)
	metricPoolSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsync_pool_sessions",
			Help: "Sessions currently held by the connection pool.",
		},
	)
	metricBulkItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_bulk_items_total",
			Help: "Bulk action items by action and outcome.",
		},
		[]string{
			"action",
			"outcome", // succeeded, failed, skipped
		},
	)
	metricIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_ingested_messages_total",
			Help: "Fetched messages by ingestion outcome.",
		},
		[]string{
			"outcome", // stored, parse_error, store_error
		},
	)
	metricDivergence = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_cache_divergence_total",
			Help: "Remote mutations whose local cache update failed.",
		},
	)
)

// ObserveCommand records the duration of one IMAP command.
func ObserveCommand(cmd string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metricIMAPCommands.WithLabelValues(cmd, result).Observe(time.Since(start).Seconds())
}

// Connect records a connection attempt. result is "ok" or an error kind.
func Connect(result string) {
	metricConnections.WithLabelValues(result).Inc()
}

// PoolSize sets the number of pooled sessions.
func PoolSize(n int) {
	metricPoolSessions.Set(float64(n))
}

// BulkItems adds n items with the given action and outcome.
func BulkItems(action, outcome string, n int) {
	if n <= 0 {
		return
	}
	metricBulkItems.WithLabelValues(action, outcome).Add(float64(n))
}

// Ingested counts one fetched message by outcome.
func Ingested(outcome string) {
	metricIngested.WithLabelValues(outcome).Inc()
}

// Diverged counts one cache divergence.
func Diverged() {
	metricDivergence.Inc()
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
