// Package metrics exposes Prometheus counters/gauges for backend and
// session lifecycle events. Nothing here leaves the process on its own; it
// is in-process instrumentation, not telemetry shipping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backendRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandboxagent_backend_restarts_total",
		Help: "Total number of times a backend process was restarted after a crash.",
	}, []string{"agent"})

	backendStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sandboxagent_backend_status",
		Help: "Current backend status (1 if the labeled state is active, 0 otherwise).",
	}, []string{"agent", "state"})

	sessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sandboxagent_sessions_active",
		Help: "Number of sessions currently tracked, by agent.",
	}, []string{"agent"})

	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandboxagent_turns_total",
		Help: "Total number of turns completed, by agent and outcome.",
	}, []string{"agent", "outcome"})

	sseClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sandboxagent_sse_clients",
		Help: "Number of currently connected SSE clients, across both the native and OpenCode-compat surfaces.",
	})
)

var knownStates = []string{"stopped", "spawning", "ready", "running", "crashed", "error"}

// BackendStatus records agent's current state, zeroing every other known
// state's gauge so only one is ever 1 at a time.
func BackendStatus(agent, state string) {
	for _, s := range knownStates {
		if s == state {
			backendStatus.WithLabelValues(agent, s).Set(1)
		} else {
			backendStatus.WithLabelValues(agent, s).Set(0)
		}
	}
}

// BackendRestarted increments agent's restart counter.
func BackendRestarted(agent string) {
	backendRestarts.WithLabelValues(agent).Inc()
}

// SessionsActive sets the active-session gauge for agent.
func SessionsActive(agent string, n int) {
	sessionsActive.WithLabelValues(agent).Set(float64(n))
}

// TurnCompleted records one finished turn with its outcome: the turn's
// terminal state ("completed", "error", "ended", "awaiting_client") or the
// reason its session ended.
func TurnCompleted(agent, outcome string) {
	turnsTotal.WithLabelValues(agent, outcome).Inc()
}

// SSEClientConnected/Disconnected track the live SSE client gauge.
func SSEClientConnected()    { sseClients.Inc() }
func SSEClientDisconnected() { sseClients.Dec() }
