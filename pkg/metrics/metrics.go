package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scooter_ota"

// Registry holds every collector of this module plus the Go runtime ones.
var Registry = prometheus.NewRegistry()

var (
	// FramesRouted counts device frames that were parsed, by command name.
	FramesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_routed_total",
			Help:      "Device frames classified by the router.",
		},
		[]string{"command"},
	)

	// FramesDropped counts frames rejected for length, header or checksum.
	FramesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Device frames dropped because they failed validation.",
		},
	)

	VersionRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_requests_total",
			Help:      "Version request frames sent.",
		},
	)

	// UploadOutcomes counts finished uploads. outcome: completed/failed/cancelled
	UploadOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_outcomes_total",
			Help:      "Firmware uploads by terminal outcome.",
		},
		[]string{"outcome"},
	)

	UploadChunkRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_chunk_retries_total",
			Help:      "Data chunks resent after a send error or ack timeout.",
		},
	)

	UploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Firmware bytes acknowledged by devices.",
		},
	)

	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Wall time of firmware uploads from request to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		FramesRouted,
		FramesDropped,
		VersionRequests,
		UploadOutcomes,
		UploadChunkRetries,
		UploadBytes,
		UploadDuration,
	)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
