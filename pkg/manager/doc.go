/*
Package manager is the administrative facade of pgwarden.

A Manager owns one of each component: the node registry, the prober and
primary locator, the lag calculator and the failover orchestrator. The HTTP
API and the CLI call it and nothing else, and every Manager method maps to a
single operation of one component:

	Overview        probe every node, locate the primary, compute lag
	NodeStatus      probe one node
	Promote         failover.Orchestrator.Promote
	Demote          failover.Orchestrator.Demote
	DemoteAll       failover.Orchestrator.DemoteAll
	RegisterHost    registry.Register after request validation
	DeregisterHost  registry.Deregister, refused while the node is primary
	                or while an orchestration holds the lease
	CreateCluster   registry.CreateCluster
	AttachNode      registry.Attach
	DetachNode      registry.Detach

Promote, Demote and DemoteAll run detached from the caller's context. A
client that disconnects does not abort a half-done failover; OperationTimeout
bounds the run instead.

Registry changes are published on the event broker. The Manager also
implements metrics.Source so the metrics collector can refresh its gauges
from periodic overviews.
*/
package manager
