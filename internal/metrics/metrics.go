package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call outcomes recorded against ProviderCalls.
const (
	OutcomeSuccess   = "success"
	OutcomeRetryable = "retryable"
	OutcomeFatal     = "fatal"
)

// Metrics holds all Prometheus metrics for the gateway.
// All recording helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// Provider attempt metrics
	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	ProviderErrors  *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	BackupSwitches  *prometheus.CounterVec

	// Accounting metrics
	Tokens *prometheus.CounterVec
	Cost   *prometheus.CounterVec

	// Session metrics
	ActiveSessions   *prometheus.GaugeVec
	StateTransitions *prometheus.CounterVec
	Turns            *prometheus.CounterVec

	// Error metrics (by error code from structured errors)
	Errors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		ProviderCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmgate_provider_calls_total",
				Help: "Total number of provider stream attempts",
			},
			[]string{"provider", "model", "outcome"},
		),
		ProviderLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmgate_provider_first_chunk_seconds",
				Help:    "Time from request to first streamed chunk in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			},
			[]string{"provider", "model"},
		),
		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmgate_provider_errors_total",
				Help: "Total number of provider errors by error code",
			},
			[]string{"provider", "error_code"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmgate_provider_retries_total",
				Help: "Total number of retried provider attempts",
			},
			[]string{"provider"},
		),
		BackupSwitches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmgate_backup_switches_total",
				Help: "Total number of failovers along the backup chain",
			},
			[]string{"from", "to"},
		),
		Tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmgate_tokens_total",
				Help: "Total tokens accounted per provider",
			},
			[]string{"provider", "direction"},
		),
		Cost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmgate_cost_usd_total",
				Help: "Total accounted cost in USD per provider",
			},
			[]string{"provider"},
		),
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmgate_active_sessions",
				Help: "Number of connected streaming sessions",
			},
			[]string{"provider"},
		),
		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmgate_session_transitions_total",
				Help: "Total number of session state transitions",
			},
			[]string{"from", "to"},
		),
		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmgate_turns_total",
				Help: "Total number of chat turns by final state",
			},
			[]string{"provider", "result"},
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmgate_errors_total",
				Help: "Total number of errors by error code",
			},
			[]string{"error_code", "component"},
		),
	}
}

// ObserveAttempt records one provider attempt and, on success, its
// time to first chunk.
func (m *Metrics) ObserveAttempt(provider, model, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, model, outcome).Inc()
	if outcome == OutcomeSuccess {
		m.ProviderLatency.WithLabelValues(provider, model).Observe(latency.Seconds())
	}
}

// ObserveProviderError records a classified provider error.
func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

// ObserveRetry records a retried attempt.
func (m *Metrics) ObserveRetry(provider string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(provider).Inc()
}

// ObserveSwitch records a failover from one provider to the next.
func (m *Metrics) ObserveSwitch(from, to string) {
	if m == nil {
		return
	}
	m.BackupSwitches.WithLabelValues(from, to).Inc()
}

// ObserveUsage records token counts and cost for one completed message.
func (m *Metrics) ObserveUsage(provider string, inputTokens, outputTokens int, cost float64) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	m.Tokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
	m.Cost.WithLabelValues(provider).Add(cost)
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(provider string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(provider).Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(provider string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(provider).Dec()
}

// ObserveTransition records a session state change.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// ObserveTurn records how a chat turn ended.
func (m *Metrics) ObserveTurn(provider, result string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(provider, result).Inc()
}

// ObserveError records an error code raised by a component.
func (m *Metrics) ObserveError(code, component string) {
	if m == nil || code == "" {
		return
	}
	m.Errors.WithLabelValues(code, component).Inc()
}
