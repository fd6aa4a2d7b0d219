package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Topology metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgwarden_nodes_total",
			Help: "Total number of registered nodes by observed role and connectivity",
		},
		[]string{"role", "connectivity"},
	)

	NodeUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgwarden_node_up",
			Help: "Whether the node answered its last probe (1 = reachable, 0 = unreachable)",
		},
		[]string{"node", "kind"},
	)

	NodeIsPrimary = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgwarden_node_is_primary",
			Help: "Whether the node was last observed as primary",
		},
		[]string{"node"},
	)

	ReplicationLagBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgwarden_replication_lag_bytes",
			Help: "Bytes between the primary's WAL position and the node's received position (-1 = unknown)",
		},
		[]string{"node"},
	)

	TopologyAnomalies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgwarden_topology_anomalies",
			Help: "Consistency anomalies seen in the last overview by type",
		},
		[]string{"type"},
	)

	ClustersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgwarden_clusters_total",
			Help: "Total number of cluster groups",
		},
	)

	// Probe metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgwarden_probes_total",
			Help: "Total number of node probes by result",
		},
		[]string{"result"},
	)

	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgwarden_probe_duration_seconds",
			Help:    "Time taken to probe one node in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Orchestration metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgwarden_operations_total",
			Help: "Total number of orchestration operations by type and outcome",
		},
		[]string{"operation", "outcome"},
	)

	OperationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgwarden_operations_in_flight",
			Help: "Number of orchestration operations currently holding a lease",
		},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgwarden_step_duration_seconds",
			Help:    "Duration of orchestration state machine steps in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"step"},
	)

	RebuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgwarden_rebuilds_total",
			Help: "Total number of standby rebuilds by outcome",
		},
		[]string{"outcome"},
	)

	SafetyViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgwarden_safety_violations_total",
			Help: "Total number of replica-kind nodes observed as primary",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgwarden_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgwarden_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeUp)
	prometheus.MustRegister(NodeIsPrimary)
	prometheus.MustRegister(ReplicationLagBytes)
	prometheus.MustRegister(TopologyAnomalies)
	prometheus.MustRegister(ClustersTotal)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationsInFlight)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(RebuildsTotal)
	prometheus.MustRegister(SafetyViolationsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
