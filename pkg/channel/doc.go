// Package channel declares the two ways pgwarden reaches a node: the Control
// Channel, which manages the node's process or container and runs commands in
// it, and the Query Channel, which opens short-lived database sessions.
//
// Production implementations live in pkg/runtime (containerd) and pkg/pg (pgx).
// Package fake provides an in-memory cluster that implements both for tests.
package channel
