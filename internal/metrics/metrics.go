// Package metrics defines the manager's Prometheus instruments, grounded on
// the default registry and served by promhttp on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "iperf_orchestrator"

var (
	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "agent_protocol",
		Name:      "heartbeats_total",
		Help:      "Count of heartbeats received",
	})
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "agent_protocol",
		Name:      "tasks_claimed_total",
		Help:      "Count of tasks handed out by the claim endpoint",
	})
	EmptyClaims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "agent_protocol",
		Name:      "empty_claims_total",
		Help:      "Count of claim calls that found nothing pending",
	})
	ResultsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "agent_protocol",
		Name:      "results_total",
		Help:      "Count of task results submitted, by terminal status",
	}, []string{"status"})

	AgentsMarkedOffline = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "sweeper",
		Name:      "agents_marked_offline_total",
		Help:      "Count of agents flipped offline by the liveness sweeper",
	})
	TasksTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "sweeper",
		Name:      "tasks_timed_out_total",
		Help:      "Count of client tasks flipped to timed_out",
	})
	ReservationsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "sweeper",
		Name:      "reservations_released_total",
		Help:      "Count of port reservations released by the cleanup sweeper",
	})
	ExercisesAutoEnded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "sweeper",
		Name:      "exercises_auto_ended_total",
		Help:      "Count of exercises ended by the auto-ender",
	})
)

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
