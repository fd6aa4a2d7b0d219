package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/pgwarden/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type stubSource struct {
	overview *types.Overview
	err      error
	calls    atomic.Int32
}

func (s *stubSource) Overview(ctx context.Context) (*types.Overview, error) {
	s.calls.Add(1)
	return s.overview, s.err
}

func (s *stubSource) ListClusters() []*types.Cluster {
	return []*types.Cluster{{Name: "orders"}, {Name: "billing"}}
}

func sampleOverview() *types.Overview {
	reachable := func(name string, role types.Role) types.NodeStatus {
		return types.NodeStatus{Name: name, Connectivity: types.ConnectivityReachable, Role: role}
	}
	return &types.Overview{
		Health:  types.TopologyDegraded,
		Primary: "node1",
		Nodes: []*types.NodeOverview{
			{
				Node:   &types.Node{Name: "node1", Kind: types.NodeKindBackup},
				Status: reachable("node1", types.RolePrimary),
				Lag:    &types.LagReading{Node: "node1", GapBytes: 0},
			},
			{
				Node:   &types.Node{Name: "node2", Kind: types.NodeKindBackup},
				Status: reachable("node2", types.RoleStandby),
				Lag:    &types.LagReading{Node: "node2", GapBytes: 1024},
			},
			{
				Node:   &types.Node{Name: "replica-1", Kind: types.NodeKindReplica},
				Status: types.NodeStatus{Name: "replica-1", Connectivity: types.ConnectivityUnreachable, Role: types.RoleUnknown},
				Lag:    &types.LagReading{Node: "replica-1", GapBytes: types.LagUnknown},
			},
		},
	}
}

func TestRecord(t *testing.T) {
	Record(sampleOverview())

	assert.Equal(t, 1.0, testutil.ToFloat64(NodeIsPrimary.WithLabelValues("node1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(NodeIsPrimary.WithLabelValues("node2")))
	assert.Equal(t, 0.0, testutil.ToFloat64(NodeUp.WithLabelValues("replica-1", "replica")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(ReplicationLagBytes.WithLabelValues("node2")))
	assert.Equal(t, -1.0, testutil.ToFloat64(ReplicationLagBytes.WithLabelValues("replica-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(NodesTotal.WithLabelValues("standby", "reachable")))
}

func TestRecordReportsTopologyComponent(t *testing.T) {
	ov := sampleOverview()
	Record(ov)
	assert.Equal(t, "degraded: degraded", GetHealth().Components[ComponentTopology])

	ov.Health = types.TopologyHealthy
	Record(ov)
	assert.Equal(t, "healthy", GetHealth().Components[ComponentTopology])
}

func TestRecordDropsRemovedNodes(t *testing.T) {
	Record(sampleOverview())
	assert.Equal(t, 3, testutil.CollectAndCount(NodeIsPrimary))

	ov := sampleOverview()
	ov.Nodes = ov.Nodes[:1]
	ov.Anomalies = []types.Anomaly{{Type: types.AnomalyDualPrimary, Nodes: []string{"node1", "node2"}}}
	Record(ov)

	assert.Equal(t, 1, testutil.CollectAndCount(NodeIsPrimary))
	assert.Equal(t, 1.0, testutil.ToFloat64(TopologyAnomalies.WithLabelValues("dual_primary")))
}

func TestCollectorLoop(t *testing.T) {
	src := &stubSource{overview: sampleOverview()}
	c := NewCollector(src, 10*time.Millisecond)

	c.Start()
	assert.Eventually(t, func() bool { return src.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	c.Stop()

	assert.Equal(t, 2.0, testutil.ToFloat64(ClustersTotal))
}

func TestCollectorSurvivesErrors(t *testing.T) {
	src := &stubSource{err: errors.New("registry unavailable")}
	c := NewCollector(src, 10*time.Millisecond)

	c.Start()
	assert.Eventually(t, func() bool { return src.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	c.Stop()
}
