package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "techscaniq_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	circuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techscaniq_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"},
	)

	circuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techscaniq_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "from_state", "to_state"},
	)

	circuitBreakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "techscaniq_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"name"},
	)
)

func recordStateChange(name string, from, to State) {
	circuitBreakerStateChanges.WithLabelValues(name, from.String(), to.String()).Inc()
	circuitBreakerState.WithLabelValues(name).Set(float64(to))
	if to == StateOpen {
		circuitBreakerOpenSince.WithLabelValues(name).SetToCurrentTime()
	} else if from == StateOpen {
		circuitBreakerOpenSince.WithLabelValues(name).Set(0)
	}
}

func recordRequest(name string, err error) {
	result := "success"
	switch {
	case err == nil:
	case IsOpen(err):
		result = "rejected"
	case !IsDependencyFailure(err):
		result = "ignored"
	default:
		result = "failure"
	}
	circuitBreakerRequests.WithLabelValues(name, result).Inc()
}
