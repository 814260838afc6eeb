package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the stream gateway.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Inbound protocol metrics
	InboundMessages *prometheus.CounterVec
	ProtocolErrors  *prometheus.CounterVec

	// Emit loop metrics
	EmitLoops         prometheus.Counter
	EmitErrors        *prometheus.CounterVec
	FramesSent        prometheus.Counter
	AudioSecondsSent  prometheus.Counter
	PayloadBytesSent  prometheus.Counter
	FrameDuration     prometheus.Histogram
	StreamsFinished   prometheus.Counter
	AdditionalOutputs *prometheus.CounterVec

	// Engine (transcription / synthesis) metrics
	EngineRequests  *prometheus.CounterVec
	EngineFailures  *prometheus.CounterVec
	EngineRetries   *prometheus.CounterVec
	EngineDuration  *prometheus.HistogramVec
	UtterancesCut   prometheus.Counter
	UtterancesDrops prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_sessions",
			Help: "Current number of registered sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_created_total",
			Help: "Total number of sessions registered",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_destroyed_total",
			Help: "Total number of sessions cleaned up",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_session_duration_seconds",
			Help:    "Lifetime of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		InboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_inbound_messages_total",
			Help: "Inbound messages by event type",
		}, []string{"event"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_protocol_errors_total",
			Help: "Inbound messages rejected as protocol errors",
		}, []string{"reason"}),

		EmitLoops: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_emit_loops_total",
			Help: "Total number of emit loops started",
		}),
		EmitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_emit_errors_total",
			Help: "Emit loop failures by kind",
		}, []string{"kind"}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_frames_sent_total",
			Help: "Total number of media frames sent",
		}),
		AudioSecondsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_audio_sent_seconds_total",
			Help: "Total duration of audio sent",
		}),
		PayloadBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_payload_bytes_sent_total",
			Help: "Total mu-law bytes sent before base64 encoding",
		}),
		FrameDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_frame_duration_seconds",
			Help:    "Duration of sent media frames",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),
		StreamsFinished: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_streams_finished_total",
			Help: "Total number of stream_finished messages sent",
		}),
		AdditionalOutputs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_additional_outputs_total",
			Help: "Auxiliary outputs delivered to the registry by type",
		}, []string{"type"}),

		EngineRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_engine_requests_total",
			Help: "Requests sent to speech engines",
		}, []string{"engine"}),
		EngineFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_engine_failures_total",
			Help: "Failed speech engine requests",
		}, []string{"engine"}),
		EngineRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_engine_retries_total",
			Help: "Speech engine request retries",
		}, []string{"engine"}),
		EngineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_engine_request_duration_seconds",
			Help:    "Duration of speech engine requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"engine"}),
		UtterancesCut: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_utterances_total",
			Help: "Utterances cut from inbound audio",
		}),
		UtterancesDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_utterances_dropped_total",
			Help: "Utterances dropped because the transcription queue was full",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),

		gatherer: reg,
	}
}

// Handler serves the registered metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordSessionCreated updates counters for a newly registered session
func (m *Metrics) RecordSessionCreated(active int) {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Set(float64(active))
}

// RecordSessionDestroyed updates counters and records the session lifetime
func (m *Metrics) RecordSessionDestroyed(active int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.Inc()
	m.ActiveSessions.Set(float64(active))
	m.SessionDuration.Observe(durationSeconds)
}

// RecordInbound counts one inbound message
func (m *Metrics) RecordInbound(event string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(event).Inc()
}

// RecordProtocolError counts one rejected inbound message
func (m *Metrics) RecordProtocolError(reason string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordEmitLoop() {
	if m == nil {
		return
	}
	m.EmitLoops.Inc()
}

// RecordEmitError counts a failed emit loop or a skipped frame
func (m *Metrics) RecordEmitError(kind string) {
	if m == nil {
		return
	}
	m.EmitErrors.WithLabelValues(kind).Inc()
}

// RecordFrameSent records one media frame on the wire
func (m *Metrics) RecordFrameSent(durationSeconds float64, payloadBytes int) {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
	m.AudioSecondsSent.Add(durationSeconds)
	m.PayloadBytesSent.Add(float64(payloadBytes))
	m.FrameDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordStreamFinished() {
	if m == nil {
		return
	}
	m.StreamsFinished.Inc()
}

func (m *Metrics) RecordAdditionalOutput(kind string) {
	if m == nil {
		return
	}
	m.AdditionalOutputs.WithLabelValues(kind).Inc()
}

// RecordEngineRequest records the outcome of one engine call, retries included
func (m *Metrics) RecordEngineRequest(engine string, durationSeconds float64, retries int, failed bool) {
	if m == nil {
		return
	}
	m.EngineRequests.WithLabelValues(engine).Inc()
	m.EngineDuration.WithLabelValues(engine).Observe(durationSeconds)
	if retries > 0 {
		m.EngineRetries.WithLabelValues(engine).Add(float64(retries))
	}
	if failed {
		m.EngineFailures.WithLabelValues(engine).Inc()
	}
}

// RecordUtterance counts an utterance cut from input, and whether it was dropped
func (m *Metrics) RecordUtterance(dropped bool) {
	if m == nil {
		return
	}
	m.UtterancesCut.Inc()
	if dropped {
		m.UtterancesDrops.Inc()
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
