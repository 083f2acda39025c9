package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// Call metrics
	ActiveCalls      prometheus.Gauge
	CallsPlacedTotal *prometheus.CounterVec
	CallDuration     prometheus.Histogram
	SessionsByStatus *prometheus.CounterVec

	// Relay metrics
	RelayEventsTotal    *prometheus.CounterVec
	RelayAudioFrames    *prometheus.CounterVec
	RelayInterruptions  prometheus.Counter
	RelayProtocolErrors *prometheus.CounterVec
	TranscriptEntries   *prometheus.CounterVec

	// Summarization metrics
	SummaryRequestsTotal *prometheus.CounterVec
	SummaryLatency       prometheus.Histogram

	// Messaging metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionErrors  prometheus.Counter
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedback_active_calls",
			Help: "Number of feedback calls with a live relay",
		})

		CallsPlacedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_calls_placed_total",
				Help: "Total number of outbound calls placed",
			},
			[]string{"outcome"},
		)

		CallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedback_call_duration_seconds",
			Help:    "Duration of completed feedback calls",
			Buckets: prometheus.ExponentialBuckets(10, 2, 8), // 10s to ~21min
		})

		SessionsByStatus = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_session_transitions_total",
				Help: "Total session status transitions",
			},
			[]string{"status"},
		)

		RelayEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_relay_events_total",
				Help: "Total relay events processed by direction and kind",
			},
			[]string{"direction", "kind"},
		)

		RelayAudioFrames = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_relay_audio_frames_total",
				Help: "Total audio frames forwarded by direction",
			},
			[]string{"direction"},
		)

		RelayInterruptions = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedback_relay_interruptions_total",
			Help: "Total barge-in truncations performed",
		})

		RelayProtocolErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_relay_protocol_errors_total",
				Help: "Total malformed events skipped by the relay",
			},
			[]string{"direction"},
		)

		TranscriptEntries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_transcript_entries_total",
				Help: "Total transcript entries recorded by role",
			},
			[]string{"role"},
		)

		SummaryRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_summary_requests_total",
				Help: "Total summarization attempts by outcome",
			},
			[]string{"outcome"},
		)

		SummaryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedback_summary_latency_seconds",
			Help:    "Latency of summary generation",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		})

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_amqp_published_total",
				Help: "Total messages published to AMQP by outcome",
			},
			[]string{"outcome"},
		)

		AMQPConnectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedback_amqp_connection_errors_total",
			Help: "Total AMQP connection failures",
		})

		registry.MustRegister(
			ActiveCalls,
			CallsPlacedTotal,
			CallDuration,
			SessionsByStatus,
			RelayEventsTotal,
			RelayAudioFrames,
			RelayInterruptions,
			RelayProtocolErrors,
			TranscriptEntries,
			SummaryRequestsTotal,
			SummaryLatency,
			AMQPPublishedMessages,
			AMQPConnectionErrors,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the metrics registry, or nil when Init has not run
func GetRegistry() *prometheus.Registry {
	return registry
}

// ObserveCallDuration records a completed call's duration
func ObserveCallDuration(d time.Duration) {
	if CallDuration != nil {
		CallDuration.Observe(d.Seconds())
	}
}

// The helpers below are nil-safe so components can record metrics without
// caring whether Init ran (it does not in unit tests).

// IncRelayEvent counts one processed relay event
func IncRelayEvent(direction, kind string) {
	if RelayEventsTotal != nil {
		RelayEventsTotal.WithLabelValues(direction, kind).Inc()
	}
}

// IncAudioFrame counts one forwarded audio frame
func IncAudioFrame(direction string) {
	if RelayAudioFrames != nil {
		RelayAudioFrames.WithLabelValues(direction).Inc()
	}
}

// IncInterruption counts one barge-in truncation
func IncInterruption() {
	if RelayInterruptions != nil {
		RelayInterruptions.Inc()
	}
}

// IncProtocolError counts one skipped malformed event
func IncProtocolError(direction string) {
	if RelayProtocolErrors != nil {
		RelayProtocolErrors.WithLabelValues(direction).Inc()
	}
}

// IncTranscriptEntry counts one recorded transcript entry
func IncTranscriptEntry(role string) {
	if TranscriptEntries != nil {
		TranscriptEntries.WithLabelValues(role).Inc()
	}
}

// IncSessionTransition counts one status transition
func IncSessionTransition(status string) {
	if SessionsByStatus != nil {
		SessionsByStatus.WithLabelValues(status).Inc()
	}
}

// AddActiveCalls adjusts the live-relay gauge
func AddActiveCalls(delta float64) {
	if ActiveCalls != nil {
		ActiveCalls.Add(delta)
	}
}
