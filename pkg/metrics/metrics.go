package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance metrics
	InstancesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roost_instances_total",
			Help: "Number of tool instances by node and actual state",
		},
		[]string{"node", "state"},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_reconcile_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roost_reconcile_duration_seconds",
			Help:    "Duration of a full reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CorrectiveActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_corrective_actions_total",
			Help: "Corrective actions issued by the reconciler, by verb and outcome",
		},
		[]string{"verb", "outcome"},
	)

	DriftItemsGaveUp = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_drift_items_gave_up_total",
			Help: "Drift items marked ERROR after exhausting the retry budget",
		},
	)

	// Agent API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_api_requests_total",
			Help: "Total number of agent API requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roost_api_request_duration_seconds",
			Help:    "Agent API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Runtime adapter metrics
	RuntimeCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_runtime_calls_total",
			Help: "Container engine calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	RegistryRehydrations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_registry_rehydrations_total",
			Help: "Times the node registry was rebuilt from the runtime listing",
		},
	)
)

func init() {
	prometheus.MustRegister(InstancesByState)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(CorrectiveActionsTotal)
	prometheus.MustRegister(DriftItemsGaveUp)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RuntimeCallsTotal)
	prometheus.MustRegister(RegistryRehydrations)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
