package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NodeKind declares what a node is allowed to become
type NodeKind string

const (
	// NodeKindBackup nodes run as standbys and may be promoted to primary
	NodeKindBackup NodeKind = "backup"

	// NodeKindReplica nodes are read-only copies that must never become primary
	NodeKindReplica NodeKind = "replica"
)

// Valid reports whether k is a known node kind
func (k NodeKind) Valid() bool {
	return k == NodeKindBackup || k == NodeKindReplica
}

// Connectivity is the observed reachability of a node
type Connectivity string

const (
	ConnectivityReachable   Connectivity = "reachable"
	ConnectivityUnreachable Connectivity = "unreachable"
)

// Role is the replication role a node reports
type Role string

const (
	RolePrimary Role = "primary"
	RoleStandby Role = "standby"
	RoleUnknown Role = "unknown"
)

// Node is a registered PostgreSQL server
type Node struct {
	Name      string    `json:"name" yaml:"name"`
	Container string    `json:"container" yaml:"container"` // Control Channel reference
	Host      string    `json:"host" yaml:"host"`           // Query Channel host name
	Address   string    `json:"address,omitempty" yaml:"address,omitempty"`
	Port      int       `json:"port" yaml:"port"`
	Kind      NodeKind  `json:"kind" yaml:"kind"`
	Cluster   string    `json:"cluster,omitempty" yaml:"cluster,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// Promotable reports whether the node's kind allows it to become primary
func (n *Node) Promotable() bool {
	return n.Kind == NodeKindBackup
}

// Matches reports whether identifier names this node by name, address or container
func (n *Node) Matches(identifier string) bool {
	if identifier == "" {
		return false
	}
	return n.Name == identifier || n.Address == identifier || n.Container == identifier
}

// Clone returns a copy that shares no mutable state with n
func (n *Node) Clone() *Node {
	c := *n
	return &c
}

// NodeStatus is the transient result of probing one node. It is never cached.
type NodeStatus struct {
	Name         string       `json:"name"`
	Connectivity Connectivity `json:"connectivity"`
	Role         Role         `json:"role"`
	Error        string       `json:"error,omitempty"`
	CheckedAt    time.Time    `json:"checked_at"`
}

// IsPrimary reports whether the node was observed accepting writes
func (s NodeStatus) IsPrimary() bool {
	return s.Connectivity == ConnectivityReachable && s.Role == RolePrimary
}

// Reachable reports whether the node answered the probe
func (s NodeStatus) Reachable() bool {
	return s.Connectivity == ConnectivityReachable
}

// Cluster is a named, purely organizational group of nodes
type Cluster struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Nodes       []string  `json:"nodes"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clone returns a deep copy of the cluster
func (c *Cluster) Clone() *Cluster {
	out := *c
	out.Nodes = append([]string(nil), c.Nodes...)
	return &out
}

// Has reports whether the cluster lists node as a member
func (c *Cluster) Has(node string) bool {
	for _, n := range c.Nodes {
		if n == node {
			return true
		}
	}
	return false
}

// Position is a write-ahead log sequence number measured in bytes
type Position uint64

// String renders the position the way PostgreSQL prints pg_lsn values
func (p Position) String() string {
	return fmt.Sprintf("%X/%X", uint64(p)>>32, uint64(p)&0xFFFFFFFF)
}

// MarshalText implements encoding.TextMarshaler
func (p Position) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Position) UnmarshalText(text []byte) error {
	parsed, err := ParsePosition(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePosition parses the textual "XXXXXXXX/YYYYYYYY" form of a pg_lsn
func ParsePosition(s string) (Position, error) {
	hi, lo, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return 0, fmt.Errorf("invalid log position %q: missing '/'", s)
	}
	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid log position %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid log position %q: %w", s, err)
	}
	return Position(h<<32 | l), nil
}

// LagUnknown is the GapBytes sentinel for a node whose position could not be read.
// It is not a byte count and must never be averaged or sorted with real values.
const LagUnknown int64 = -1

// LagReading describes how far one node trails the primary.
// A nil position means it was unavailable.
type LagReading struct {
	Node            string    `json:"node"`
	PrimaryPosition *Position `json:"primary_position"`
	NodePosition    *Position `json:"node_position"`
	GapBytes        int64     `json:"gap_bytes"`
	Error           string    `json:"error,omitempty"`
}

// Known reports whether GapBytes is a real measurement
func (r LagReading) Known() bool {
	return r.GapBytes != LagUnknown
}

// NodeOverview combines registry data, a fresh probe and the lag reading for a node
type NodeOverview struct {
	Node   *Node       `json:"node"`
	Status NodeStatus  `json:"status"`
	Lag    *LagReading `json:"replication_lag,omitempty"`
}

// TopologyHealth summarizes an overview
type TopologyHealth string

const (
	TopologyHealthy      TopologyHealth = "healthy"
	TopologyDegraded     TopologyHealth = "degraded"     // some node unreachable
	TopologyNoPrimary    TopologyHealth = "no_primary"   // nothing accepts writes
	TopologyInconsistent TopologyHealth = "inconsistent" // single-writer invariant broken
)

// AnomalyType names a topology consistency problem
type AnomalyType string

const (
	// AnomalyDualPrimary means more than one node accepts writes
	AnomalyDualPrimary AnomalyType = "dual_primary"

	// AnomalyReplicaPrimary means a replica-kind node accepts writes
	AnomalyReplicaPrimary AnomalyType = "replica_primary"
)

// Anomaly is a consistency problem observed in the topology. Anomalies are
// reported, never repaired automatically.
type Anomaly struct {
	Type    AnomalyType `json:"type"`
	Nodes   []string    `json:"nodes"`
	Message string      `json:"message"`
}

// Overview is the cluster-wide status report
type Overview struct {
	Timestamp time.Time       `json:"timestamp"`
	Health    TopologyHealth  `json:"health"`
	Primary   string          `json:"primary,omitempty"`
	Nodes     []*NodeOverview `json:"nodes"`
	Anomalies []Anomaly       `json:"anomalies,omitempty"`
}
