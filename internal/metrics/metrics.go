package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the orchestration core.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
	WebSocketMessages    *prometheus.CounterVec

	// Orchestrator metrics
	Inputs         *prometheus.CounterVec
	AgentSwitches  *prometheus.CounterVec
	InputLatency   prometheus.Histogram
	InputErrors    *prometheus.CounterVec
	RateLimited    prometheus.Counter
	ActiveSessions prometheus.Gauge

	// Model engine metrics
	ModelRequests *prometheus.CounterVec
	ModelLatency  *prometheus.HistogramVec
	ModelTokens   prometheus.Counter
	ModelErrors   *prometheus.CounterVec

	// Resilience metrics
	BreakerState   *prometheus.GaugeVec
	Recoveries     *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	EventsDropped  prometheus.Counter

	// Resource metrics
	MemoryBytes prometheus.Gauge
	CPUPercent  prometheus.Gauge
	Pressure    *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		WebSocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "familyhub_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),
		WebSocketMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "familyhub_websocket_messages_total",
			Help: "Total number of WebSocket messages by type",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"

		Inputs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "familyhub_inputs_total",
			Help: "Inputs processed by routed agent",
		}, []string{"agent"}),
		AgentSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "familyhub_agent_switches_total",
			Help: "Agent switches by target agent",
		}, []string{"agent"}),
		InputLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "familyhub_input_duration_seconds",
			Help:    "Time to fully process one input",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for LLM responses
		}),
		InputErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "familyhub_input_errors_total",
			Help: "Failed inputs by error category",
		}, []string{"category"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "familyhub_inputs_rate_limited_total",
			Help: "Inputs rejected by the per-session rate limiter",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "familyhub_sessions_active",
			Help: "Sessions currently registered",
		}),

		ModelRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "familyhub_model_requests_total",
			Help: "Model requests by model and cache outcome",
		}, []string{"model", "cached"}),
		ModelLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "familyhub_model_request_duration_seconds",
			Help:    "Model request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		ModelTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "familyhub_model_tokens_total",
			Help: "Tokens produced by model backends",
		}),
		ModelErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "familyhub_model_errors_total",
			Help: "Model request failures by model",
		}, []string{"model"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "familyhub_circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)",
		}, []string{"dependency"}),
		Recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "familyhub_recoveries_total",
			Help: "Recovery attempts by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		CacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "familyhub_cache_evictions_total",
			Help: "Keys evicted under pressure by namespace",
		}, []string{"namespace"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "familyhub_events_dropped_total",
			Help: "Buffered events dropped because a buffer was full",
		}),

		MemoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "familyhub_heap_bytes",
			Help: "Heap memory in use",
		}),
		CPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "familyhub_cpu_percent",
			Help: "Process CPU usage since the previous sample",
		}),
		Pressure: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "familyhub_resource_pressure",
			Help: "Resource pressure flags (1 under pressure)",
		}, []string{"resource"}),
	}
}

// RegisterGaugeFunc exposes a value computed on scrape, such as the transport count
func RegisterGaugeFunc(reg prometheus.Registerer, name, help string, fn func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.WebSocketMessages.WithLabelValues(msgType, direction).Inc()
}

// RecordInput records a processed input and its latency
func (m *Metrics) RecordInput(agent string, seconds float64) {
	if m == nil {
		return
	}
	m.Inputs.WithLabelValues(agent).Inc()
	m.InputLatency.Observe(seconds)
}

func (m *Metrics) RecordAgentSwitch(agent string) {
	if m == nil {
		return
	}
	m.AgentSwitches.WithLabelValues(agent).Inc()
}

func (m *Metrics) RecordInputError(category string) {
	if m == nil {
		return
	}
	m.InputErrors.WithLabelValues(category).Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordModelRequest records one model request
func (m *Metrics) RecordModelRequest(model string, cached bool, seconds float64, tokens int) {
	if m == nil {
		return
	}
	label := "false"
	if cached {
		label = "true"
	}
	m.ModelRequests.WithLabelValues(model, label).Inc()
	m.ModelLatency.WithLabelValues(model).Observe(seconds)
	m.ModelTokens.Add(float64(tokens))
}

func (m *Metrics) RecordModelError(model string) {
	if m == nil {
		return
	}
	m.ModelErrors.WithLabelValues(model).Inc()
}

// SetBreakerState maps a breaker state name onto the gauge encoding
func (m *Metrics) SetBreakerState(dependency, state string) {
	if m == nil {
		return
	}
	value := 0.0
	switch state {
	case "half_open":
		value = 1
	case "open":
		value = 2
	}
	m.BreakerState.WithLabelValues(dependency).Set(value)
}

func (m *Metrics) RecordRecovery(strategy string, success bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "recovered"
	}
	m.Recoveries.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) RecordEvictions(namespace string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CacheEvictions.WithLabelValues(namespace).Add(float64(n))
}

func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// SetResources publishes the latest resource sample
func (m *Metrics) SetResources(heapBytes uint64, cpuPercent float64, pressure map[string]bool) {
	if m == nil {
		return
	}
	m.MemoryBytes.Set(float64(heapBytes))
	m.CPUPercent.Set(cpuPercent)
	for resource, on := range pressure {
		v := 0.0
		if on {
			v = 1
		}
		m.Pressure.WithLabelValues(resource).Set(v)
	}
}
