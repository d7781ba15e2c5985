// Package metrics exposes prometheus counters for the resolution, cache, download and queue paths.
// Labels are bounded enums; track ids never become label values.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tunestream"

const (
	TierPassthrough = "passthrough"
	TierDownload    = "download"
	TierStreaming   = "streaming"
	TierURL         = "url"
	TierNetwork     = "network"
)

var (
	// ResolveServedTotal counts resolved byte-range requests by the tier that satisfied them.
	ResolveServedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolve_served_total",
		Help:      "Byte-range requests answered by the stream resolution engine, by serving tier.",
	}, []string{"tier"})

	// ResolveNetworkTotal counts network resolutions by outcome (ok, error, shared).
	ResolveNetworkTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolve_network_total",
		Help:      "Network resolver invocations, by outcome.",
	}, []string{"outcome"})

	ByteCacheReadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytecache_read_total",
		Help:      "Byte tier reads, by source (streaming, download, upstream).",
	}, []string{"source"})

	ByteCacheEvictedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytecache_evicted_bytes_total",
		Help:      "Bytes evicted from the streaming cache.",
	})

	DownloadTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "download_transitions_total",
		Help:      "Download state transitions observed by the manager, by state.",
	}, []string{"state"})

	QueueAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_attempts_total",
		Help:      "Remote queue page attempts, by operation and outcome.",
	}, []string{"op", "outcome"})
)
