package health

import (
	"github.com/prometheus/client_golang/prometheus"

	"modelwarden/internal/breaker"
)

var (
	healthState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "modelwarden",
			Subsystem: "supervisor",
			Name:      "service_health",
			Help:      "Service health (0=down 1=starting 2=critical 3=warning 4=healthy)",
		},
		[]string{"service"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "modelwarden",
			Subsystem: "supervisor",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed 1=half-open 2=open)",
		},
		[]string{"service"},
	)

	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelwarden",
			Subsystem: "supervisor",
			Name:      "probes_total",
			Help:      "Health probes by result",
		},
		[]string{"service", "result"},
	)

	restartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelwarden",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Service restarts by result",
		},
		[]string{"service", "result"},
	)

	probeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "modelwarden",
			Subsystem: "supervisor",
			Name:      "probe_duration_seconds",
			Help:      "Health probe latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(healthState, breakerState, probesTotal, restartsTotal, probeLatency)
}

func stateValue(s State) float64 {
	switch s {
	case StateStarting:
		return 1
	case StateCritical:
		return 2
	case StateWarning:
		return 3
	case StateHealthy:
		return 4
	}
	return 0
}

func breakerValue(s breaker.State) float64 {
	switch s {
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	}
	return 0
}
