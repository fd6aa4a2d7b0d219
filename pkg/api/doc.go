/*
Package api exposes the pgwarden Manager over HTTP and serves the gRPC
health protocol.

# HTTP routes

Each route calls exactly one Manager method:

	GET    /api/overview                          Overview
	GET    /api/lag                               Lag
	GET    /api/nodes/{id}                        NodeStatus (name, address or container)
	GET    /api/nodes/{id}/diagnose               Diagnose
	POST   /api/nodes/{name}/promote              Promote
	POST   /api/nodes/{name}/demote               Demote
	POST   /api/demote-all                        DemoteAll
	GET    /api/operations                        lease keys of running operations
	POST   /api/hosts                             RegisterHost
	DELETE /api/hosts/{id}                        DeregisterHost
	GET    /api/clusters                          ListClusters
	POST   /api/clusters                          CreateCluster
	POST   /api/clusters/{cluster}/nodes          AttachNode ({"node_name": ...})
	DELETE /api/clusters/{cluster}/nodes/{node}   DetachNode

Orchestration routes always answer with the full failover.Result, including
on failure, so callers see the failed step, the error kind and the
safety_violation flag. The status code follows the kind: 409 for a
concurrent operation, 503 for an unreachable node, 504 for a timeout, 500
for command and verification failures and safety violations. A request that
is already satisfied answers 200. An orchestration keeps running when the
client disconnects.

/health, /ready and /live report process health and /metrics serves
Prometheus metrics.

# gRPC health

HealthServer implements grpc.health.v1.Health. The empty service name is
SERVING while the process runs. The "pgwarden.Primary" service is SERVING
only while a primary is located, so existing gRPC health tooling can follow
the writable node.
*/
package api
