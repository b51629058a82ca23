package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the recording pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Capture metrics
	ChunksClosed  prometheus.Counter
	ChunkDuration prometheus.Histogram
	ChunkSize     prometheus.Histogram
	InputLevel    prometheus.Gauge

	// Transcription metrics
	TranscriptionRequests  *prometheus.CounterVec
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  *prometheus.CounterVec
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter
	TranscriptionBacklog   prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Passing nil
// registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicedeck_active_sessions",
			Help: "Current number of recording sessions that have not finished",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicedeck_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedeck_sessions_finished_total",
			Help: "Total number of recording sessions that reached a terminal state",
		}, []string{"state"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicedeck_session_duration_seconds",
			Help:    "Wall-clock duration of recording sessions from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 13), // 1s to ~68 minutes
		}),

		// Capture metrics
		ChunksClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicedeck_chunks_closed_total",
			Help: "Total number of audio chunks closed by the recorder",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicedeck_chunk_duration_seconds",
			Help:    "Audio duration of closed chunks",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11), // 1s to ~17 minutes
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicedeck_chunk_size_bytes",
			Help:    "Size of closed chunk files in bytes",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10), // 64KB to ~32MB
		}),
		InputLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicedeck_input_level",
			Help: "Most recent normalised input level of the active recording",
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedeck_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}, []string{"provider"}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicedeck_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedeck_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}, []string{"kind"}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicedeck_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7 minutes
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicedeck_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),
		TranscriptionBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicedeck_transcription_backlog_chunks",
			Help: "Closed chunks waiting for transcription in the active session",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedeck_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicedeck_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedeck_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionStarted increments the started counter and active gauge
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionFinished records a session reaching a terminal state
func (m *Metrics) RecordSessionFinished(state string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsFinished.WithLabelValues(state).Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.TranscriptionBacklog.Set(0)
	m.InputLevel.Set(0)
}

// RecordChunkClosed records a chunk closed by the recorder
func (m *Metrics) RecordChunkClosed(durationSeconds float64, sizeBytes int64) {
	if m == nil {
		return
	}
	m.ChunksClosed.Inc()
	m.ChunkDuration.Observe(durationSeconds)
	m.ChunkSize.Observe(float64(sizeBytes))
}

// SetInputLevel sets the input level gauge
func (m *Metrics) SetInputLevel(level float64) {
	if m == nil {
		return
	}
	m.InputLevel.Set(level)
}

// SetBacklog sets the number of chunks waiting for transcription
func (m *Metrics) SetBacklog(chunks int) {
	if m == nil {
		return
	}
	m.TranscriptionBacklog.Set(float64(chunks))
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest(provider string) {
	if m == nil {
		return
	}
	m.TranscriptionRequests.WithLabelValues(provider).Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(kind string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.WithLabelValues(kind).Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
