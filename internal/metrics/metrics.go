// Package metrics holds the Prometheus collectors shared by the crawler packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RPCRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ward_rpc_requests_total", Help: "Node RPC requests"},
		[]string{"method", "status"},
	)
	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "ward_rpc_duration_seconds", Help: "Node RPC latency", Buckets: prometheus.DefBuckets},
		[]string{"method"},
	)
	HarvestBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ward_harvest_batches_total", Help: "Log batches fetched"},
		[]string{"status"},
	)
	HarvestRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ward_harvest_retries_total", Help: "Log batch fetch retries"},
	)
	HarvestLogs = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ward_harvest_logs_total", Help: "Logs harvested"},
	)
	HarvestCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ward_harvest_cache_hits_total", Help: "Harvests served from cache"},
	)
	EdgesDiscovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ward_edges_discovered_total", Help: "Authority edges discovered"},
		[]string{"label"},
	)
	ProbeShortCircuits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ward_probe_shortcircuit_total", Help: "Candidate probing stopped because the accessor is absent"},
		[]string{"accessor"},
	)
	Snapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ward_snapshots_total", Help: "Report snapshots recorded"},
		[]string{"category", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		RPCRequests, RPCDuration,
		HarvestBatches, HarvestRetries, HarvestLogs, HarvestCacheHits,
		EdgesDiscovered, ProbeShortCircuits, Snapshots,
	)
}

// Status maps an error to the status label used across counters.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
