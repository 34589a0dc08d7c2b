package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	registeredModels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "modelwarden",
		Subsystem: "manager",
		Name:      "registered_models",
		Help:      "Number of registered models",
	})

	residentModels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "modelwarden",
		Subsystem: "manager",
		Name:      "resident_models",
		Help:      "Number of resident models",
	})

	residentMemoryMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "modelwarden",
		Subsystem: "manager",
		Name:      "resident_memory_mb",
		Help:      "Declared memory of resident models in MB",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "modelwarden",
		Subsystem: "manager",
		Name:      "queue_depth",
		Help:      "Queued execution requests",
	})

	inflightRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "modelwarden",
		Subsystem: "manager",
		Name:      "inflight_requests",
		Help:      "Dispatched execution requests",
	})

	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelwarden",
			Subsystem: "manager",
			Name:      "loads_total",
			Help:      "Model load attempts by result",
		},
		[]string{"result"},
	)

	unloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelwarden",
			Subsystem: "manager",
			Name:      "unloads_total",
			Help:      "Model unloads by reason",
		},
		[]string{"reason"},
	)

	preemptionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "modelwarden",
		Subsystem: "manager",
		Name:      "preemptions_total",
		Help:      "Lower-tier models unloaded to admit higher-tier ones",
	})

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelwarden",
			Subsystem: "manager",
			Name:      "requests_total",
			Help:      "Completed execution requests by result",
		},
		[]string{"result"},
	)

	requestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "modelwarden",
		Subsystem: "manager",
		Name:      "request_duration_seconds",
		Help:      "Execution time of dispatched requests in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	loadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "modelwarden",
		Subsystem: "manager",
		Name:      "load_duration_seconds",
		Help:      "Time to make a model resident in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(
		registeredModels, residentModels, residentMemoryMB, queueDepth, inflightRequests,
		loadsTotal, unloadsTotal, preemptionsTotal, requestsTotal, requestDuration, loadDuration,
	)
}

func (m *Manager) observeResidency() {
	m.mu.RLock()
	count, mem := m.residencyLocked()
	m.mu.RUnlock()
	residentModels.Set(float64(count))
	residentMemoryMB.Set(float64(mem))
}

func (m *Manager) observeQueueLocked() {
	queueDepth.Set(float64(m.queue.Len()))
	inflightRequests.Set(float64(m.queue.InFlight()))
}
