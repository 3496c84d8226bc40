// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChunksIngested counts PCM chunks sliced by the audio supervisor.
	ChunksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factcheck_audio_chunks_total",
		Help: "PCM chunks produced by the audio supervisor.",
	})

	// TranscriptionSeconds observes transcription call latency.
	TranscriptionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "factcheck_transcription_seconds",
		Help:    "Latency of transcription service calls.",
		Buckets: prometheus.DefBuckets,
	})

	// ClaimsDetected counts claims promoted by the detector.
	ClaimsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factcheck_claims_detected_total",
		Help: "Claims promoted past the detection threshold.",
	})

	// ResearchOutcomes counts research completions by terminal status.
	ResearchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factcheck_research_outcomes_total",
		Help: "Research completions by resulting claim status.",
	}, []string{"status"})

	// EventsBroadcast counts events published on the fan-out bus.
	EventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factcheck_events_broadcast_total",
		Help: "Events published to the fan-out bus.",
	})

	// Reconnects counts ingest reconnect attempts.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factcheck_ingest_reconnects_total",
		Help: "Ingest reconnect attempts.",
	})

	// Subscribers tracks live event-stream subscribers.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "factcheck_event_subscribers",
		Help: "Live event-stream subscribers.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
