/*
Package metrics exposes pgwarden's Prometheus metrics and the process health
endpoints.

# Metrics

All metrics are registered with the default registry at init and served by
Handler on /metrics.

	pgwarden_nodes_total{role,connectivity}      nodes by observed state
	pgwarden_node_up{node,kind}                  1 if the last probe reached the node
	pgwarden_node_is_primary{node}               1 if the node was observed as primary
	pgwarden_replication_lag_bytes{node}         gap to the primary, -1 when unknown
	pgwarden_topology_anomalies{type}            dual_primary / replica_primary
	pgwarden_clusters_total                      cluster groups
	pgwarden_probes_total{result}                probe outcomes
	pgwarden_probe_duration_seconds              probe latency
	pgwarden_operations_total{operation,outcome} promote / demote / demote_all results
	pgwarden_operations_in_flight                leases currently held
	pgwarden_step_duration_seconds{step}         orchestration step latency
	pgwarden_rebuilds_total{outcome}             standby rebuild results
	pgwarden_safety_violations_total             replica-kind nodes seen as primary
	pgwarden_api_requests_total{route,status}    admin API requests
	pgwarden_api_request_duration_seconds{route} admin API latency

Topology gauges are set by the Collector, which pulls an overview every
interval and calls Record. Counters and histograms are updated inline by the
packages that own the events.

Timing a step:

	timer := metrics.NewTimer()
	err := doStep(ctx)
	timer.ObserveDurationVec(metrics.StepDuration, "promoting_target")

# Health

HealthHandler, ReadyHandler and LivenessHandler serve /health, /ready and
/live. Components report in with RegisterComponent, UpdateComponent or
MarkDegraded. Readiness waits for the critical components (registry, control
and api by default); a degraded topology keeps /health at 200 with status
"degraded".
*/
package metrics
