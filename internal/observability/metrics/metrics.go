package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	StorageWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_storage_writes_total",
			Help: "Storage backend write attempts by outcome.",
		},
		[]string{"backend", "outcome"},
	)

	ActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_activations_total",
			Help: "Activation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	EntitlementTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_entitlement_transitions_total",
			Help: "Entitlement state transitions by target state and reason.",
		},
		[]string{"state", "reason"},
	)

	WatchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_watch_events_total",
			Help: "Live key-document watch events by kind.",
		},
		[]string{"kind"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})

	prometheus.MustRegister(
		HTTPRequestsTotal,
		StorageWritesTotal,
		ActivationsTotal,
		EntitlementTransitionsTotal,
		WatchEventsTotal,
	)
}
