package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loader",
		Name:      "http_requests_total",
		Help:      "Total HTTP API requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "loader",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP API request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	SegmentsLoadedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loader",
		Name:      "segments_loaded_total",
		Help:      "Total segments delivered, by transport (http, p2p, cache).",
	}, []string{"transport"})

	SegmentBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loader",
		Name:      "segment_bytes_total",
		Help:      "Total payload bytes downloaded, by transport.",
	}, []string{"transport"})

	DownloadFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loader",
		Name:      "download_failures_total",
		Help:      "Total segment download failures, by transport.",
	}, []string{"transport"})

	ActiveDownloads = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "loader",
		Name:      "active_downloads",
		Help:      "Currently in-flight segment downloads, by transport.",
	}, []string{"transport"})

	QueuedSegments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loader",
		Name:      "queued_segments",
		Help:      "Segments currently managed by the scheduler queue.",
	})

	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loader",
		Name:      "cache_entries",
		Help:      "Segments currently held in the cache.",
	})

	CacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loader",
		Name:      "cache_evictions_total",
		Help:      "Cache evictions, by reason (count, expired).",
	}, []string{"reason"})

	ProbabilityRollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loader",
		Name:      "probability_rolls_total",
		Help:      "Probability-timer dice rolls, by outcome (hit, miss, skipped).",
	}, []string{"outcome"})

	SegmentAbortsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loader",
		Name:      "segment_aborts_total",
		Help:      "Aborted in-flight downloads, by reason (seek, duplicate, abandoned, critical).",
	}, []string{"reason"})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loader",
		Name:      "peers_connected",
		Help:      "Number of peers currently connected to the swarm.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SegmentsLoadedTotal,
		SegmentBytesTotal,
		DownloadFailuresTotal,
		ActiveDownloads,
		QueuedSegments,
		CacheEntries,
		CacheEvictionsTotal,
		ProbabilityRollsTotal,
		SegmentAbortsTotal,
		PeersConnected,
	)
}
