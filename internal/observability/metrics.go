package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for call sessions.
//
// All helper methods are safe on a nil *Metrics, which records nothing.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.SessionStarted()
//	defer metrics.SessionEnded("completed")
type Metrics struct {
	// SessionsActive is the number of live call sessions.
	SessionsActive prometheus.Gauge

	// SessionsTotal counts finished sessions.
	// Labels: outcome (completed|disconnected|failed|reaped|shutdown)
	SessionsTotal *prometheus.CounterVec

	// HandoffsTotal counts agent handoffs.
	// Labels: from, to, status (success|error|no_successor)
	HandoffsTotal *prometheus.CounterVec

	// HandoffDuration measures the time from handoff request to the new agent being active.
	// Buckets: 0.25s .. 20s
	HandoffDuration prometheus.Histogram

	// FunctionCalls counts agent function calls.
	// Labels: name, status (handled|unknown|malformed)
	FunctionCalls *prometheus.CounterVec

	// AudioFrames counts relayed audio frames.
	// Labels: direction (inbound|outbound)
	AudioFrames *prometheus.CounterVec

	// AudioFramesDropped counts inbound frames with no active agent to receive them.
	AudioFramesDropped prometheus.Counter

	// Summaries counts summarization attempts.
	// Labels: status (success|fallback|empty)
	Summaries *prometheus.CounterVec

	// SettingsWait measures how long agents take to acknowledge their settings.
	SettingsWait prometheus.Histogram

	// CallControlRequests counts telephony REST requests.
	// Labels: op (create|update|complete), status (success|error|not_found)
	CallControlRequests *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg falls back to prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callrelay_sessions_active",
			Help: "Number of live call sessions",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_sessions_total",
			Help: "Total number of finished call sessions by outcome",
		}, []string{"outcome"}),
		HandoffsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_handoffs_total",
			Help: "Total number of agent handoffs",
		}, []string{"from", "to", "status"}),
		HandoffDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callrelay_handoff_duration_seconds",
			Help:    "Duration of agent handoffs in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 10, 20},
		}),
		FunctionCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_function_calls_total",
			Help: "Total number of agent function calls",
		}, []string{"name", "status"}),
		AudioFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_audio_frames_total",
			Help: "Total number of relayed audio frames",
		}, []string{"direction"}),
		AudioFramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_audio_frames_dropped_total",
			Help: "Inbound audio frames dropped while no agent was active",
		}),
		Summaries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_summaries_total",
			Help: "Total number of handoff summaries",
		}, []string{"status"}),
		SettingsWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callrelay_settings_wait_seconds",
			Help:    "Time spent waiting for agent settings to be applied",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		CallControlRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_call_control_requests_total",
			Help: "Total number of telephony call-control requests",
		}, []string{"op", "status"}),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(outcome string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HandoffCompleted(from, to string, d time.Duration) {
	if m == nil {
		return
	}
	m.HandoffsTotal.WithLabelValues(from, to, "success").Inc()
	m.HandoffDuration.Observe(d.Seconds())
}

func (m *Metrics) HandoffFailed(from, to, status string) {
	if m == nil {
		return
	}
	m.HandoffsTotal.WithLabelValues(from, to, status).Inc()
}

func (m *Metrics) FunctionCall(name, status string) {
	if m == nil {
		return
	}
	m.FunctionCalls.WithLabelValues(name, status).Inc()
}

func (m *Metrics) AudioFrame(direction string) {
	if m == nil {
		return
	}
	m.AudioFrames.WithLabelValues(direction).Inc()
}

func (m *Metrics) AudioDropped() {
	if m == nil {
		return
	}
	m.AudioFramesDropped.Inc()
}

func (m *Metrics) Summary(status string) {
	if m == nil {
		return
	}
	m.Summaries.WithLabelValues(status).Inc()
}

func (m *Metrics) SettingsApplied(d time.Duration) {
	if m == nil {
		return
	}
	m.SettingsWait.Observe(d.Seconds())
}

func (m *Metrics) CallControl(op, status string) {
	if m == nil {
		return
	}
	m.CallControlRequests.WithLabelValues(op, status).Inc()
}
