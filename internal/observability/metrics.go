package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vocalglass/voice-gateway/internal/resilience"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_gateway_active_sessions",
		Help: "Number of open chat sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_gateway_sessions_total",
		Help: "Total number of chat sessions accepted",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_session_duration_seconds",
		Help:    "Duration of chat sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	activeProbes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_gateway_liveness_probes",
		Help: "Number of running liveness probes",
	})

	// Turn metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_turns_total",
		Help: "Total number of turns by outcome",
	}, []string{"status"})

	turnFirstAudio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_turn_first_audio_seconds",
		Help:    "Time from turn start to the first audio frame",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Provider metrics
	providerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_provider_requests_total",
		Help: "Total number of provider requests",
	}, []string{"provider", "status"})

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_gateway_provider_latency_seconds",
		Help:    "Provider call latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"provider"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	circuitBreakerFailureRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_gateway_circuit_breaker_failure_rate",
		Help: "Percentage of recorded requests that failed",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	audioFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_gateway_audio_frames_total",
		Help: "Total binary audio frames sent to clients",
	})
)

// Provider labels
const (
	ProviderLLM = "llm"
	ProviderSTT = "stt"
	ProviderTTS = "tts"
)

// Metrics tracks metrics for a single session
type Metrics struct {
	sessionID string
	startTime time.Time
	turnStart time.Time
	firstSeen bool
	mu        sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTurnStart marks the beginning of a turn
func (m *Metrics) RecordTurnStart() {
	m.mu.Lock()
	m.turnStart = time.Now()
	m.firstSeen = false
	m.mu.Unlock()
}

// RecordFirstAudio observes time-to-first-audio once per turn
func (m *Metrics) RecordFirstAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.firstSeen || m.turnStart.IsZero() {
		return
	}
	m.firstSeen = true
	turnFirstAudio.Observe(time.Since(m.turnStart).Seconds())
}

// RecordTurnEnd records the outcome of a turn
func (m *Metrics) RecordTurnEnd(status string) {
	turnsTotal.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordAudioFrame counts one outbound binary frame
func (m *Metrics) RecordAudioFrame(size int) {
	audioFramesSent.Inc()
	audioBytesProcessed.WithLabelValues("out").Add(float64(size))
}

// RecordError records an error outside of a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// ObserveProvider records latency and outcome of one provider call
func ObserveProvider(provider string, start time.Time, success bool) {
	providerLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())

	status := "success"
	if !success {
		status = "error"
	}
	providerRequests.WithLabelValues(provider, status).Inc()
}

// SetActiveProbes publishes the number of running liveness probes
func SetActiveProbes(n int) {
	activeProbes.Set(float64(n))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// BreakerListener publishes every recorded circuit breaker result
func BreakerListener(cb *resilience.CircuitBreaker, success bool) {
	state, _, _, failureRate := cb.GetStats()
	UpdateCircuitBreakerState(cb.Name(), int(state))
	circuitBreakerFailureRate.WithLabelValues(cb.Name()).Set(failureRate)
	if !success {
		IncrementCircuitBreakerFailures(cb.Name())
	}
}
