/*
Package registry is the authoritative list of PostgreSQL nodes and the
cluster groups they are organized into.

Nodes are kept in registration order, which is the order the Primary Locator
uses to break ties. Every read returns copies, so a caller holding a snapshot
never observes a later registration or detach. Writes take a single lock.

Clusters are pure metadata. Attaching a node to a cluster changes nothing on
the database servers; a node belongs to at most one cluster, and detaching
clears only the membership link.

When built with Load (or WithStore) the registry writes every change through
to a storage.Store before applying it in memory, so a failed write leaves the
registry unchanged.
*/
package registry
