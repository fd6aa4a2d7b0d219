package failover

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/pgwarden/pkg/channel"
	"github.com/cuemby/pgwarden/pkg/channel/fake"
	"github.com/cuemby/pgwarden/pkg/pg"
	"github.com/cuemby/pgwarden/pkg/probe"
	"github.com/cuemby/pgwarden/pkg/rebuild"
	"github.com/cuemby/pgwarden/pkg/registry"
	"github.com/cuemby/pgwarden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	cluster  *fake.Cluster
	registry *registry.Registry
	orch     *Orchestrator
}

func testTimeouts() Timeouts {
	return Timeouts{
		Exec:           time.Second,
		Restart:        time.Second,
		Settle:         0,
		Verify:         100 * time.Millisecond,
		VerifyInterval: time.Millisecond,
		VerifyAttempts: 3,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := fake.NewCluster()
	prober := probe.NewProber(c, c)

	rt := rebuild.DefaultTimeouts()
	rt.Settle = 0
	rt.Verify = 100 * time.Millisecond
	rebuilder := rebuild.NewRebuilder(c, prober, pg.DefaultLayout(), pg.Credentials{User: "testadmin", Password: "pw"}, rt)

	reg := registry.New()
	return &fixture{
		cluster:  c,
		registry: reg,
		orch:     New(reg, c, prober, rebuilder, WithTimeouts(testTimeouts())),
	}
}

func (f *fixture) add(t *testing.T, name string, kind types.NodeKind, state fake.Node) {
	t.Helper()
	n, err := f.registry.Register(&types.Node{Name: name, Kind: kind})
	require.NoError(t, err)
	f.cluster.Add(n, state)
}

// standard three node topology: node1 primary, node2 backup, node3 replica
func (f *fixture) standard(t *testing.T) {
	f.add(t, "node1", types.NodeKindBackup, fake.Primary(8000))
	f.add(t, "node2", types.NodeKindBackup, fake.Standby("node1", 7990))
	f.add(t, "node3", types.NodeKindReplica, fake.Standby("node1", 7900))
}

func TestPromoteBackup(t *testing.T) {
	f := newFixture(t)
	f.standard(t)

	res, err := f.orch.Promote(context.Background(), "node2")

	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "node1", res.PreviousPrimary)
	assert.Equal(t, "node2", res.NewPrimary)
	assert.False(t, res.SafetyViolation)
	assert.Empty(t, res.FailedRebuilds())
	assert.Equal(t, []string{"node2"}, f.cluster.Primaries())

	require.Len(t, res.Rebuilds, 2)
	assert.Equal(t, "node1", res.Rebuilds[0].Node)
	assert.Equal(t, "node3", res.Rebuilds[1].Node)
	for _, name := range []string{"node1", "node3"} {
		state := f.cluster.State(name)
		assert.Equal(t, types.RoleStandby, state.Role, name)
		assert.Equal(t, "node2", state.Upstream, name)
	}
}

func TestPromoteStepOrder(t *testing.T) {
	f := newFixture(t)
	f.standard(t)

	res, err := f.orch.Promote(context.Background(), "node2")
	require.NoError(t, err)

	type step struct {
		state  State
		node   string
		action Action
	}
	var got []step
	for _, s := range res.Steps {
		got = append(got, step{s.State, s.Node, s.Action})
	}
	assert.Equal(t, []step{
		{StateDemotingCurrentPrimary, "node1", ActionWriteStandbyMarker},
		{StateDemotingCurrentPrimary, "node1", ActionRestart},
		{StatePromotingTarget, "node2", ActionResumeReplay},
		{StatePromotingTarget, "node2", ActionPromote},
		{StateVerifyingPromotion, "node2", ActionVerify},
	}, got)
}

func TestPromoteRejectsReplicaWithoutTouchingNodes(t *testing.T) {
	f := newFixture(t)
	f.standard(t)

	res, err := f.orch.Promote(context.Background(), "node3")

	require.ErrorIs(t, err, ErrInvalidNode)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateIdle, res.FailedStep)
	assert.Empty(t, f.cluster.Calls())
	assert.Equal(t, []string{"node1"}, f.cluster.Primaries())
}

func TestPromoteUnregistered(t *testing.T) {
	f := newFixture(t)
	f.standard(t)

	_, err := f.orch.Promote(context.Background(), "node9")

	assert.ErrorIs(t, err, ErrInvalidNode)
	assert.Empty(t, f.cluster.Calls())
}

func TestPromoteCurrentPrimaryIsNoop(t *testing.T) {
	f := newFixture(t)
	f.standard(t)

	res, err := f.orch.Promote(context.Background(), "node1")

	require.ErrorIs(t, err, ErrAlreadyInDesiredState)
	assert.Equal(t, KindAlreadyInDesiredState, res.Kind)
	assert.Empty(t, f.cluster.Mutations())
	assert.Equal(t, []string{"node1"}, f.cluster.Primaries())
}

func TestPromoteUnreachableTarget(t *testing.T) {
	f := newFixture(t)
	f.add(t, "node1", types.NodeKindBackup, fake.Primary(8000))
	f.add(t, "node2", types.NodeKindBackup, fake.Stopped("node1"))

	res, err := f.orch.Promote(context.Background(), "node2")

	require.ErrorIs(t, err, ErrNodeUnreachable)
	assert.Equal(t, StateIdle, res.FailedStep)
	assert.Empty(t, f.cluster.Mutations())
}

func TestPromoteWithoutPrimarySkipsDemotion(t *testing.T) {
	f := newFixture(t)
	f.add(t, "node1", types.NodeKindBackup, fake.Stopped(""))
	f.add(t, "node2", types.NodeKindBackup, fake.Standby("node1", 500))

	res, err := f.orch.Promote(context.Background(), "node2")

	require.NoError(t, err)
	assert.Empty(t, res.PreviousPrimary)
	for _, s := range res.Steps {
		assert.NotEqual(t, StateDemotingCurrentPrimary, s.State)
	}
	assert.Equal(t, []string{"node2"}, f.cluster.Primaries())
	// node1 was rebuilt from the new primary
	require.Len(t, res.Rebuilds, 1)
	assert.True(t, res.Rebuilds[0].Success, res.Rebuilds[0].Error)
}

func TestPromoteContinuesWhenDemotionFails(t *testing.T) {
	f := newFixture(t)
	old := fake.Primary(8000)
	old.ExitCodes = map[channel.Op]int{channel.OpWriteStandbyMarker: 1}
	f.add(t, "node1", types.NodeKindBackup, old)
	f.add(t, "node2", types.NodeKindBackup, fake.Standby("node1", 8000))

	res, err := f.orch.Promote(context.Background(), "node2")

	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.False(t, res.Steps[0].Success)
	// the rebuild hits the same marker failure and is reported, not fatal
	assert.Equal(t, []string{"node1"}, res.FailedRebuilds())
	assert.Equal(t, rebuild.StepWriteMarker, res.Rebuilds[0].FailedStep)
	assert.Equal(t, []string{"node2"}, f.cluster.Primaries())
}

func TestPromoteCommandFailure(t *testing.T) {
	f := newFixture(t)
	target := fake.Standby("node1", 8000)
	target.ExitCodes = map[channel.Op]int{channel.OpPromote: 1}
	f.add(t, "node1", types.NodeKindBackup, fake.Primary(8000))
	f.add(t, "node2", types.NodeKindBackup, target)

	res, err := f.orch.Promote(context.Background(), "node2")

	require.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, StatePromotingTarget, res.FailedStep)
	assert.Empty(t, res.Rebuilds)
	assert.Contains(t, res.Error, "exited with code 1")
}

func TestPromoteVerificationFailure(t *testing.T) {
	f := newFixture(t)
	f.standard(t)
	f.cluster.OnExec = func(node string, cmd channel.Command) {
		if cmd.Op == channel.OpPromote {
			f.cluster.Update(node, func(n *fake.Node) { n.QueryErr = assert.AnError })
		}
	}

	res, err := f.orch.Promote(context.Background(), "node2")

	require.ErrorIs(t, err, ErrVerificationFailed)
	assert.Equal(t, StateVerifyingPromotion, res.FailedStep)
	assert.Empty(t, res.Rebuilds)
	last := res.Steps[len(res.Steps)-1]
	assert.Equal(t, ActionVerify, last.Action)
	assert.False(t, last.Success)
}

func TestPromoteSafetyViolation(t *testing.T) {
	f := newFixture(t)
	f.standard(t)
	f.cluster.OnExec = func(node string, cmd channel.Command) {
		if cmd.Op == channel.OpPromote {
			// reclassified while the promotion is in flight
			require.NoError(t, f.registry.SetKind(node, types.NodeKindReplica))
		}
	}

	res, err := f.orch.Promote(context.Background(), "node2")

	require.ErrorIs(t, err, ErrSafetyViolation)
	assert.True(t, res.SafetyViolation)
	assert.Equal(t, StateVerifyingPromotion, res.FailedStep)
	assert.Empty(t, res.Rebuilds)
}

func TestPromoteTimeout(t *testing.T) {
	f := newFixture(t)
	f.standard(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.cluster.OnExec = func(node string, cmd channel.Command) {
		if cmd.Op == channel.OpPromote {
			cancel()
		}
	}

	res, err := f.orch.Promote(ctx, "node2")

	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StatePromotingTarget, res.FailedStep)
	assert.Equal(t, StateFailed, res.State)
}

func TestConcurrentPromotionConflicts(t *testing.T) {
	f := newFixture(t)
	f.standard(t)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	f.cluster.OnExec = func(node string, cmd channel.Command) {
		if cmd.Op == channel.OpPromote {
			once.Do(func() {
				close(entered)
				<-proceed
			})
		}
	}

	var wg sync.WaitGroup
	var first *Result
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = f.orch.Promote(context.Background(), "node2")
	}()

	<-entered
	assert.Equal(t, []string{GlobalKey}, f.orch.InFlight())

	res, err := f.orch.Promote(context.Background(), "node1")
	require.ErrorIs(t, err, ErrConcurrentOperationConflict)
	assert.Equal(t, StateIdle, res.FailedStep)

	_, err = f.orch.DemoteAll(context.Background())
	require.ErrorIs(t, err, ErrConcurrentOperationConflict)

	close(proceed)
	wg.Wait()

	require.NoError(t, firstErr)
	assert.Equal(t, StateDone, first.State)
	assert.Empty(t, f.orch.InFlight())
}

func attach(t *testing.T, f *fixture, cluster string, members ...string) {
	t.Helper()
	_, err := f.registry.CreateCluster(cluster, "")
	require.NoError(t, err)
	for _, m := range members {
		_, err := f.registry.Attach(cluster, m)
		require.NoError(t, err)
	}
}

func TestPromoteCoversNodesOutsideTargetCluster(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", types.NodeKindBackup, fake.Primary(500))
	f.add(t, "b", types.NodeKindBackup, fake.Standby("a", 500))
	f.add(t, "c", types.NodeKindBackup, fake.Standby("a", 480))
	attach(t, f, "alpha", "b")

	res, err := f.orch.Promote(context.Background(), "b")

	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "a", res.PreviousPrimary)
	assert.Equal(t, []string{"b"}, f.cluster.Primaries())
	require.Len(t, res.Rebuilds, 2)
	assert.Equal(t, "a", res.Rebuilds[0].Node)
	assert.Equal(t, "c", res.Rebuilds[1].Node)
	assert.Empty(t, res.FailedRebuilds())
}

func TestPromoteAcrossClustersLeavesSinglePrimary(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a1", types.NodeKindBackup, fake.Primary(100))
	f.add(t, "a2", types.NodeKindBackup, fake.Standby("a1", 100))
	f.add(t, "b1", types.NodeKindBackup, fake.Primary(900))
	f.add(t, "b2", types.NodeKindBackup, fake.Standby("b1", 900))
	attach(t, f, "alpha", "a1", "a2")
	attach(t, f, "beta", "b1", "b2")

	res, err := f.orch.Promote(context.Background(), "a2")

	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, f.cluster.Primaries())
	var rebuilt []string
	for _, o := range res.Rebuilds {
		rebuilt = append(rebuilt, o.Node)
	}
	assert.Equal(t, []string{"a1", "b1", "b2"}, rebuilt)
	for _, name := range rebuilt {
		assert.Equal(t, "a2", f.cluster.State(name).Upstream, name)
	}
}

func TestPromoteReportsOldPrimaryThatKeepsWriting(t *testing.T) {
	f := newFixture(t)
	old := fake.Primary(8000)
	old.ExitCodes = map[channel.Op]int{channel.OpWriteStandbyMarker: 1}
	old.StopErr = assert.AnError
	f.add(t, "node1", types.NodeKindBackup, old)
	f.add(t, "node2", types.NodeKindBackup, fake.Standby("node1", 8000))

	res, err := f.orch.Promote(context.Background(), "node2")

	require.ErrorIs(t, err, ErrSafetyViolation)
	assert.True(t, res.SafetyViolation)
	assert.False(t, res.Succeeded())
	assert.Equal(t, StateReconfiguringStandbys, res.FailedStep)
	assert.Equal(t, []string{"node1"}, res.FailedRebuilds())
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, types.AnomalyDualPrimary, res.Anomalies[0].Type)
	assert.ElementsMatch(t, []string{"node1", "node2"}, res.Anomalies[0].Nodes)
}

func TestPromoteDemotesStrayPrimaryAgain(t *testing.T) {
	f := newFixture(t)
	old := fake.Primary(8000)
	old.StopErr = assert.AnError
	f.add(t, "node1", types.NodeKindBackup, old)
	f.add(t, "node2", types.NodeKindBackup, fake.Standby("node1", 8000))

	// the stop failure clears once the rebuild has given up on node1
	var markers atomic.Int32
	f.cluster.OnExec = func(node string, cmd channel.Command) {
		if node == "node1" && cmd.Op == channel.OpWriteStandbyMarker && markers.Add(1) == 2 {
			f.cluster.Update(node, func(n *fake.Node) { n.StopErr = nil })
		}
	}

	res, err := f.orch.Promote(context.Background(), "node2")

	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.False(t, res.SafetyViolation)
	assert.Equal(t, []string{"node2"}, f.cluster.Primaries())
	assert.Equal(t, types.RoleStandby, f.cluster.State("node1").Role)

	last := res.Steps[len(res.Steps)-1]
	assert.Equal(t, StateReconfiguringStandbys, last.State)
	assert.Equal(t, "node1", last.Node)
	assert.Equal(t, ActionRestart, last.Action)
	assert.True(t, last.Success)
}

func TestReserveConflictsWithRunningOperation(t *testing.T) {
	f := newFixture(t)
	f.standard(t)

	release, err := f.orch.Reserve("remove node2")
	require.NoError(t, err)

	res, err := f.orch.Promote(context.Background(), "node2")
	require.ErrorIs(t, err, ErrConcurrentOperationConflict)
	assert.Equal(t, StateIdle, res.FailedStep)

	_, err = f.orch.Reserve("remove node3")
	require.ErrorIs(t, err, ErrConcurrentOperationConflict)

	release()
	assert.Empty(t, f.orch.InFlight())
	_, err = f.orch.Promote(context.Background(), "node2")
	require.NoError(t, err)
}

func TestDemote(t *testing.T) {
	tests := []struct {
		name      string
		node      string
		wantErr   error
		primaries []string
	}{
		{name: "primary", node: "node1", primaries: nil},
		{name: "standby", node: "node2", wantErr: ErrAlreadyInDesiredState, primaries: []string{"node1"}},
		{name: "replica", node: "node3", wantErr: ErrInvalidNode, primaries: []string{"node1"}},
		{name: "unknown", node: "node9", wantErr: ErrInvalidNode, primaries: []string{"node1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.standard(t)

			res, err := f.orch.Demote(context.Background(), tt.node)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, f.cluster.Mutations())
			} else {
				require.NoError(t, err)
				assert.Equal(t, StateDone, res.State)
			}
			assert.ElementsMatch(t, tt.primaries, f.cluster.Primaries())
		})
	}
}

func TestDemoteRestartFailure(t *testing.T) {
	f := newFixture(t)
	p := fake.Primary(10)
	p.StopErr = assert.AnError
	f.add(t, "node1", types.NodeKindBackup, p)

	res, err := f.orch.Demote(context.Background(), "node1")

	require.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, StateDemotingNode, res.FailedStep)
}

func TestDemoteAll(t *testing.T) {
	f := newFixture(t)
	f.standard(t)
	f.add(t, "node4", types.NodeKindBackup, fake.Stopped("node1"))

	res, err := f.orch.DemoteAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Empty(t, f.cluster.Primaries())

	demoted := map[string]bool{}
	for _, s := range res.Steps {
		if s.Action == ActionRestart && s.Success {
			demoted[s.Node] = true
		}
	}
	assert.Len(t, demoted, 4)
	for _, name := range []string{"node1", "node2", "node3", "node4"} {
		assert.True(t, f.cluster.State(name).StandbyMarker, name)
	}
}

func TestDemoteAllReportsSurvivingPrimary(t *testing.T) {
	f := newFixture(t)
	p := fake.Primary(10)
	p.ExitCodes = map[channel.Op]int{channel.OpWriteStandbyMarker: 1}
	f.add(t, "node1", types.NodeKindBackup, p)
	f.add(t, "node2", types.NodeKindBackup, fake.Standby("node1", 10))

	res, err := f.orch.DemoteAll(context.Background())

	require.ErrorIs(t, err, ErrVerificationFailed)
	assert.Equal(t, StateVerifyingDemotion, res.FailedStep)
	// the failure on node1 did not stop node2 from being processed
	var node2Restarted bool
	for _, s := range res.Steps {
		if s.Node == "node2" && s.Action == ActionRestart {
			node2Restarted = s.Success
		}
	}
	assert.True(t, node2Restarted)
}
