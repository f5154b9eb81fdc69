package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "copilot_gateway_active_sessions",
		Help: "Number of active capture sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copilot_gateway_sessions_total",
		Help: "Total number of capture sessions processed",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "copilot_gateway_session_duration_seconds",
		Help:    "Duration of capture sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	audioChunksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_gateway_audio_chunks_dropped_total",
		Help: "Audio chunks dropped instead of being sent",
	}, []string{"reason"}) // reason: "session_not_open", "queue_full"

	// Transcript metrics
	transcriptFragments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_gateway_transcript_fragments_total",
		Help: "Transcript fragments received from the recognizer",
	}, []string{"kind"}) // kind: "final" or "provisional"

	utterancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_gateway_utterances_total",
		Help: "Utterances finalized by the boundary detector",
	}, []string{"trigger"}) // trigger: "punctuation" or "silence"

	// LLM metrics
	llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_gateway_llm_requests_total",
		Help: "Total number of LLM suggestion requests",
	}, []string{"status"})

	llmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "copilot_gateway_llm_latency_seconds",
		Help:    "LLM suggestion latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Transport metrics
	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copilot_gateway_reconnect_attempts_total",
		Help: "Transport session reconnect attempts",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "copilot_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single capture session
type Metrics struct {
	sessionID    string
	startTime    time.Time
	llmStartTime time.Time
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a capture session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a capture session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a capture session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordChunkDropped records an audio chunk that was dropped instead of sent
func (m *Metrics) RecordChunkDropped(reason string) {
	audioChunksDropped.WithLabelValues(reason).Inc()
}

// RecordFragment records a transcript fragment arrival
func (m *Metrics) RecordFragment(isFinal bool) {
	kind := "provisional"
	if isFinal {
		kind = "final"
	}
	transcriptFragments.WithLabelValues(kind).Inc()
}

// RecordUtterance records an utterance finalized by the detector
func (m *Metrics) RecordUtterance(trigger string) {
	utterancesTotal.WithLabelValues(trigger).Inc()
}

// RecordLLMStart records the start of an LLM suggestion request
func (m *Metrics) RecordLLMStart() {
	m.mu.Lock()
	m.llmStartTime = time.Now()
	m.mu.Unlock()
}

// RecordLLMEnd records the end of an LLM suggestion request
func (m *Metrics) RecordLLMEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.llmStartTime.IsZero() {
		llmLatency.Observe(time.Since(m.llmStartTime).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	llmRequests.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordReconnectAttempt increments the transport reconnect counter
func RecordReconnectAttempt() {
	reconnectAttempts.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
