/*
Package failover runs the orchestration state machines that move the primary
role between nodes.

A promotion walks through these states:

	Idle → DemotingCurrentPrimary → PromotingTarget → VerifyingPromotion
	     → ReconfiguringStandbys → Done

and any non-terminal state may end in Failed. Demoting the old primary is
best effort: the old primary is rebuilt from the new one afterwards whatever
its state. Standby rebuilds that fail are reported in the Result and do not
fail the promotion. Before reporting Done the whole registry is inspected
again; a second node still accepting writes is demoted once more, and if the
topology is still inconsistent the run fails with a safety violation.

Replica-kind nodes are never promoted. The node kind is checked before any
channel call and re-read from the registry when the promotion is verified;
a replica-kind node observed as primary ends the run with a safety violation.

Clusters are metadata only. Every operation covers the whole registry and
holds the registry lease while it runs. A second request fails with
KindConcurrentOperationConflict instead of waiting. Reserve lets registry
changes take the same lease.
*/
package failover
