/*
Package types defines the core data structures shared by every pgwarden package.

# Nodes

A Node is a registered PostgreSQL server. Its identity (Name) is stable; its
transport details are split between the Control Channel reference (Container)
and the Query Channel address (Host and Port). Kind declares what the node is
allowed to become:

  - NodeKindBackup: a standby that may be promoted to primary
  - NodeKindReplica: a read-only copy that must never become primary

A replica-kind node observed as primary is a safety violation, never a success.

# Observed status

NodeStatus is the result of a single probe: Connectivity (reachable or
unreachable) and Role (primary, standby or unknown). It is recomputed on every
request and is never cached beyond the probe that produced it.

# Clusters

Cluster is an organizational group with an ordered member list. A node belongs
to at most one cluster. Clusters do not influence promotion eligibility.

# Log positions

Position is a WAL location in bytes. It renders and parses the "X/Y" text form
PostgreSQL uses for pg_lsn. Positions are used to measure replication lag only;
no ordering decision is derived from them.

LagReading carries the primary and node positions plus GapBytes. GapBytes is
never negative except for the LagUnknown sentinel (-1), which means the node
could not be queried and must not be treated as a number.
*/
package types
