package probe

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/types"
)

// Locator finds the current primary among a set of nodes
type Locator struct {
	prober *Prober
}

// NewLocator creates a locator that probes through prober
func NewLocator(prober *Prober) *Locator {
	return &Locator{prober: prober}
}

// Locate probes every node and returns the first one observed as primary in
// the order given. found is false when no node is primary, which is expected
// after demote-all or a full restart.
func (l *Locator) Locate(ctx context.Context, nodes []*types.Node) (name string, found bool) {
	return l.Inspect(ctx, nodes).Primary()
}

// Inspect probes every node and reports the full picture, including any
// consistency anomalies. It detects anomalies; it never resolves them.
func (l *Locator) Inspect(ctx context.Context, nodes []*types.Node) *Topology {
	t := &Topology{
		Nodes:    nodes,
		Statuses: l.prober.ProbeAll(ctx, nodes),
	}

	var backupPrimaries []string
	for i, st := range t.Statuses {
		if !st.IsPrimary() {
			continue
		}
		node := nodes[i]
		t.Primaries = append(t.Primaries, node.Name)
		if node.Promotable() {
			backupPrimaries = append(backupPrimaries, node.Name)
		} else {
			t.Anomalies = append(t.Anomalies, types.Anomaly{
				Type:    types.AnomalyReplicaPrimary,
				Nodes:   []string{node.Name},
				Message: fmt.Sprintf("replica-kind node %s is accepting writes", node.Name),
			})
		}
	}
	if len(backupPrimaries) > 1 {
		t.Anomalies = append(t.Anomalies, types.Anomaly{
			Type:    types.AnomalyDualPrimary,
			Nodes:   backupPrimaries,
			Message: fmt.Sprintf("more than one primary: %s", strings.Join(backupPrimaries, ", ")),
		})
	}

	if len(t.Anomalies) > 0 {
		logger := log.WithComponent("locator")
		for _, a := range t.Anomalies {
			logger.Warn().
				Str("anomaly", string(a.Type)).
				Strs("nodes", a.Nodes).
				Msg(a.Message)
		}
	}
	return t
}

// Topology is one consistent round of probes over a node set
type Topology struct {
	Nodes     []*types.Node
	Statuses  []types.NodeStatus // parallel to Nodes
	Primaries []string           // every node observed as primary, in node order
	Anomalies []types.Anomaly
}

// Primary returns the first node observed as primary
func (t *Topology) Primary() (string, bool) {
	if len(t.Primaries) == 0 {
		return "", false
	}
	return t.Primaries[0], true
}

// DualPrimary reports whether more than one backup node accepts writes
func (t *Topology) DualPrimary() bool {
	return t.has(types.AnomalyDualPrimary)
}

// ReplicaPrimary reports whether any replica-kind node accepts writes
func (t *Topology) ReplicaPrimary() bool {
	return t.has(types.AnomalyReplicaPrimary)
}

// Status returns the observed status of the named node
func (t *Topology) Status(name string) (types.NodeStatus, bool) {
	for i, n := range t.Nodes {
		if n.Name == name {
			return t.Statuses[i], true
		}
	}
	return types.NodeStatus{}, false
}

// Health summarizes the topology
func (t *Topology) Health() types.TopologyHealth {
	switch {
	case len(t.Anomalies) > 0:
		return types.TopologyInconsistent
	case len(t.Primaries) == 0:
		return types.TopologyNoPrimary
	}
	for _, st := range t.Statuses {
		if !st.Reachable() {
			return types.TopologyDegraded
		}
	}
	return types.TopologyHealthy
}

func (t *Topology) has(kind types.AnomalyType) bool {
	for _, a := range t.Anomalies {
		if a.Type == kind {
			return true
		}
	}
	return false
}
