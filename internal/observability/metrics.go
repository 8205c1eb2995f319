package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime measurements for the agent service.
//
// Tracked series cover provider calls, tool dispatch, emulated tool
// calls, agent lifecycle, and registered extensions. All metrics share
// the switchboard_ prefix and register with the default Prometheus
// registry at construction.
type Metrics struct {
	// ReplyCounter counts reply turns by provider and status.
	// Labels: provider, status (ok or an error class)
	ReplyCounter *prometheus.CounterVec

	// ProviderRequestDuration measures model API call latency in seconds.
	// Labels: provider, model
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts model API calls.
	// Labels: provider, model, status (ok or an error class)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	ProviderTokensUsed *prometheus.CounterVec

	// ToolCallCounter counts dispatched tool calls.
	// Labels: extension, tool, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool dispatch latency in seconds.
	// Labels: extension, tool
	ToolCallDuration *prometheus.HistogramVec

	// ToolAggregationDuration measures one full tool aggregation
	// fan-out (all extensions, all pages) in seconds.
	ToolAggregationDuration prometheus.Histogram

	// EmulatedToolCalls counts tool calls recovered from plain text for
	// models without native tool calling.
	// Labels: tool, status (success|invalid_args|exec_error|unknown_tool)
	EmulatedToolCalls *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (agent|extension|provider|shim), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveAgents is a gauge of currently registered agents.
	ActiveAgents prometheus.Gauge

	// AgentLifetime measures agent lifetime in seconds at eviction.
	AgentLifetime prometheus.Histogram

	// RegisteredExtensions is a gauge of registered extensions by transport.
	// Labels: transport
	RegisteredExtensions *prometheus.GaugeVec
}

// NewMetrics creates all metrics and registers them with reg. A nil
// reg registers with the default Prometheus registry. Call once per
// registry; registering twice panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return newMetrics(promauto.With(reg))
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		ReplyCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_replies_total",
				Help: "Total number of agent reply turns by provider and status",
			},
			[]string{"provider", "status"},
		),

		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_provider_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_provider_requests_total",
				Help: "Total number of model API requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ProviderTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_provider_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_tool_calls_total",
				Help: "Total number of dispatched tool calls by extension, tool, and status",
			},
			[]string{"extension", "tool", "status"},
		),

		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_tool_call_duration_seconds",
				Help:    "Duration of tool dispatch in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"extension", "tool"},
		),

		ToolAggregationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "switchboard_tool_aggregation_duration_seconds",
				Help:    "Duration of tool aggregation across all extensions in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
			},
		),

		EmulatedToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_emulated_calls_total",
				Help: "Total number of tool calls recovered from plain model text",
			},
			[]string{"tool", "status"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_active_agents",
				Help: "Current number of registered agents",
			},
		),

		AgentLifetime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "switchboard_agent_lifetime_seconds",
				Help:    "Lifetime of agents in seconds, observed at eviction",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
			},
		),

		RegisteredExtensions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_registered_extensions",
				Help: "Current number of registered extensions by transport",
			},
			[]string{"transport"},
		),
	}
}

// RecordReply increments the reply counter for a provider.
func (m *Metrics) RecordReply(provider, status string) {
	m.ReplyCounter.WithLabelValues(provider, status).Inc()
}

// RecordProviderRequest records one model API call.
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.ProviderTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.ProviderTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolCall records one dispatched tool call.
func (m *Metrics) RecordToolCall(extension, tool, status string, durationSeconds float64) {
	m.ToolCallCounter.WithLabelValues(extension, tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(extension, tool).Observe(durationSeconds)
}

// RecordToolAggregation records one tool aggregation fan-out.
func (m *Metrics) RecordToolAggregation(durationSeconds float64) {
	m.ToolAggregationDuration.Observe(durationSeconds)
}

// RecordEmulatedToolCall counts an emulated tool call outcome.
func (m *Metrics) RecordEmulatedToolCall(tool, status string) {
	m.EmulatedToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// AgentRegistered increments the active agents gauge.
func (m *Metrics) AgentRegistered() {
	m.ActiveAgents.Inc()
}

// AgentEvicted decrements the active agents gauge and records the
// agent's lifetime.
func (m *Metrics) AgentEvicted(lifetimeSeconds float64) {
	m.ActiveAgents.Dec()
	m.AgentLifetime.Observe(lifetimeSeconds)
}

// ExtensionRegistered increments the extensions gauge for a transport.
func (m *Metrics) ExtensionRegistered(transport string) {
	m.RegisteredExtensions.WithLabelValues(transport).Inc()
}

// ExtensionRemoved decrements the extensions gauge for a transport.
func (m *Metrics) ExtensionRemoved(transport string) {
	m.RegisteredExtensions.WithLabelValues(transport).Dec()
}
