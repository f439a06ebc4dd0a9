package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vadorch"

// Metrics contains all Prometheus metrics for the orchestrator
type Metrics struct {
	// Flow metrics
	ActiveFlows   prometheus.Gauge
	FlowsCreated  prometheus.Counter
	FlowsClosed   prometheus.Counter
	FlowDuration  prometheus.Histogram
	FlowsRejected *prometheus.CounterVec

	// Segmentation metrics
	FramesProcessed   prometheus.Counter
	SpeechFrames      prometheus.Counter
	SegmentsFinalized prometheus.Counter
	UtteranceDuration prometheus.Histogram

	// Flush metrics
	Flushes *prometheus.CounterVec

	// Stage metrics
	StageDuration *prometheus.HistogramVec
	StageFailures *prometheus.CounterVec
	PacketsSent   prometheus.Counter

	// Transport metrics
	EventsEmitted     *prometheus.CounterVec
	ActiveConnections *prometheus.GaugeVec

	// Chain push metrics
	ChainPushes       *prometheus.CounterVec
	ChainPushDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// private prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Flow metrics
		ActiveFlows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_flows",
			Help:      "Current number of live flows",
		}),
		FlowsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_created_total",
			Help:      "Total number of flows started",
		}),
		FlowsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_closed_total",
			Help:      "Total number of flows closed",
		}),
		FlowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_duration_seconds",
			Help:      "Lifetime of flows from start to close",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17 minutes
		}),
		FlowsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_operations_rejected_total",
			Help:      "Operations rejected by the flow table",
		}, []string{"operation", "reason"}),

		// Segmentation metrics
		FramesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Total number of audio frames classified",
		}),
		SpeechFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_frames_total",
			Help:      "Total number of frames classified as speech",
		}),
		SegmentsFinalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_finalized_total",
			Help:      "Total number of drained segment batches",
		}),
		UtteranceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Buffered speech per flush",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),

		// Flush metrics
		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Completed flush sequences by trigger and outcome",
		}, []string{"reason", "outcome"}),

		// Stage metrics
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_call_duration_seconds",
			Help:      "Duration of downstream stage calls",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"stage"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Failed downstream stage calls",
		}, []string{"stage", "kind"}),
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognize_packets_sent_total",
			Help:      "Codec packets streamed to Recognize",
		}),

		// Transport metrics
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events written to clients",
		}, []string{"type"}),
		ActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Open WebSocket connections",
		}, []string{"endpoint"}),

		// Chain push metrics
		ChainPushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_pushes_total",
			Help:      "Utterances pushed to the Compress stage",
		}, []string{"outcome"}),
		ChainPushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_push_duration_seconds",
			Help:      "Duration of chained Compress pushes",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordFlowCreated increments the flows created counter
func (m *Metrics) RecordFlowCreated(active int) {
	m.FlowsCreated.Inc()
	m.ActiveFlows.Set(float64(active))
}

// RecordFlowClosed increments the flows closed counter and records lifetime
func (m *Metrics) RecordFlowClosed(active int, durationSeconds float64) {
	m.FlowsClosed.Inc()
	m.ActiveFlows.Set(float64(active))
	m.FlowDuration.Observe(durationSeconds)
}

// RecordRejected records an operation the flow table refused
func (m *Metrics) RecordRejected(operation, reason string) {
	m.FlowsRejected.WithLabelValues(operation, reason).Inc()
}

// RecordFrame records one classified frame
func (m *Metrics) RecordFrame(speech bool) {
	m.FramesProcessed.Inc()
	if speech {
		m.SpeechFrames.Inc()
	}
}

// RecordSegments records a drained batch of finalized segments
func (m *Metrics) RecordSegments() {
	m.SegmentsFinalized.Inc()
}

// RecordFlush records a finished flush sequence
func (m *Metrics) RecordFlush(reason, outcome string, utteranceSeconds float64) {
	m.Flushes.WithLabelValues(reason, outcome).Inc()
	if utteranceSeconds > 0 {
		m.UtteranceDuration.Observe(utteranceSeconds)
	}
}

// RecordStageCall records a stage call duration
func (m *Metrics) RecordStageCall(stage string, durationSeconds float64) {
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordStageFailure records a failed stage call
func (m *Metrics) RecordStageFailure(stage, kind string) {
	m.StageFailures.WithLabelValues(stage, kind).Inc()
}

// RecordPacketsSent adds streamed Recognize packets
func (m *Metrics) RecordPacketsSent(n int) {
	m.PacketsSent.Add(float64(n))
}

// RecordEvent records an event written to a client
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsEmitted.WithLabelValues(eventType).Inc()
}

// ConnectionOpened increments open connections for an endpoint
func (m *Metrics) ConnectionOpened(endpoint string) {
	m.ActiveConnections.WithLabelValues(endpoint).Inc()
}

// ConnectionClosed decrements open connections for an endpoint
func (m *Metrics) ConnectionClosed(endpoint string) {
	m.ActiveConnections.WithLabelValues(endpoint).Dec()
}

// RecordChainPush records a chained Compress push
func (m *Metrics) RecordChainPush(outcome string, durationSeconds float64) {
	m.ChainPushes.WithLabelValues(outcome).Inc()
	m.ChainPushDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
