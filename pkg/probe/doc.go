/*
Package probe observes node state: the Prober checks one node, the Locator
fans probes out over a node set to find the primary.

A probe has two steps. The Control Channel says whether the node's process is
running; a stopped node is unreachable with role unknown. A running node gets a
short Query Channel session (3s connect timeout by default) that asks
pg_is_in_recovery(): false means primary, true means standby. Any failure after
the running check leaves the node unreachable with the error kept in
NodeStatus.Error. A probe never retries.

ProbeAll and the Locator run probes concurrently with a bounded errgroup and
join before returning, so results always line up with the input order. The
Locator picks the first primary in that order, which makes the answer
deterministic when two nodes claim the role. Inspect also reports such
situations as anomalies (dual_primary, replica_primary) for the caller to
surface.
*/
package probe
