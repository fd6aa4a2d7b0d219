// Package lag computes replication lag: the number of WAL bytes between the
// primary's current write position and each standby's last received position.
//
// A gap of types.LagUnknown (-1) means the node could not be read. It is a
// sentinel, not a measurement, and must not be averaged or sorted against real
// gaps. When no primary exists every node reports gap 0 with no positions.
package lag
