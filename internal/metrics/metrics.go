// Package metrics exposes Prometheus counters for the capture/streaming
// coordinator: sessions, sampler ticks, channel sends and result traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coach"

// Status label values.
const (
	StatusSent    = "sent"
	StatusDropped = "dropped"
	StatusSkipped = "skipped"
)

var (
	sessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Recording sessions started",
		},
	)

	recordingActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recording_active",
			Help:      "1 while a recording session is active",
		},
	)

	frameTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_ticks_total",
			Help:      "Sampler ticks by outcome",
		},
		[]string{"status"}, // sent, skipped
	)

	channelSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_sends_total",
			Help:      "Outbound channel messages by channel and outcome",
		},
		[]string{"channel", "status"}, // sent, dropped
	)

	mediaBuffersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_buffers_total",
			Help:      "Consolidated media buffers flushed at stop by outcome",
		},
		[]string{"status"},
	)

	mediaBufferBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "media_buffer_bytes",
			Help:      "Size of consolidated media buffers in bytes",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 4, 8),
		},
	)

	resultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Inbound analysis results dispatched by kind",
		},
		[]string{"kind"}, // transcript, expression
	)

	audioChunksDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "PCM chunks lost to a lagging audio subscriber",
		},
	)

	decodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Inbound payloads that failed to decode",
		},
		[]string{"channel"},
	)
)

// Collectors returns every collector owned by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		sessionsTotal,
		recordingActive,
		frameTicksTotal,
		channelSendsTotal,
		mediaBuffersTotal,
		mediaBufferBytes,
		resultsTotal,
		audioChunksDropped,
		decodeFailuresTotal,
	}
}

// Register registers all collectors with reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordSessionStart counts a session and flips the recording gauge on.
func RecordSessionStart() {
	sessionsTotal.Inc()
	recordingActive.Set(1)
}

// RecordSessionStop flips the recording gauge off.
func RecordSessionStop() {
	recordingActive.Set(0)
}

// RecordFrameTick counts a sampler tick with status sent or skipped.
func RecordFrameTick(status string) {
	frameTicksTotal.WithLabelValues(status).Inc()
}

// RecordChannelSend counts an outbound message on a channel.
func RecordChannelSend(channel, status string) {
	channelSendsTotal.WithLabelValues(channel, status).Inc()
}

// RecordMediaBuffer counts a consolidated buffer flush and its size.
func RecordMediaBuffer(status string, size int) {
	mediaBuffersTotal.WithLabelValues(status).Inc()
	mediaBufferBytes.Observe(float64(size))
}

// RecordResult counts a dispatched result.
func RecordResult(kind string) {
	resultsTotal.WithLabelValues(kind).Inc()
}

// RecordDecodeFailure counts a malformed inbound payload.
func RecordDecodeFailure(channel string) {
	decodeFailuresTotal.WithLabelValues(channel).Inc()
}

// RecordAudioDrop counts a PCM chunk a subscriber could not take.
func RecordAudioDrop() {
	audioChunksDropped.Inc()
}
