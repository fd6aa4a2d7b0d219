package failover

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/pgwarden/pkg/wait"
)

// Demote turns the primary name into a standby: it writes the standby
// marker, restarts the server and verifies the node no longer accepts
// writes. Nothing is promoted in its place.
func (o *Orchestrator) Demote(ctx context.Context, name string) (*Result, error) {
	r := o.begin(OperationDemote, name)

	target, ok := o.registry.Get(name)
	if !ok {
		return r.fail(KindInvalidNode, name, fmt.Errorf("node %s is not registered", name))
	}
	if !target.Promotable() {
		return r.fail(KindInvalidNode, name, fmt.Errorf("node %s is of kind %s and is never primary", name, target.Kind))
	}

	release, err := o.acquire(r, GlobalKey)
	if err != nil {
		return r.res, err
	}
	defer release()

	status := o.prober.Probe(ctx, target)
	if !status.Reachable() {
		return r.fail(classify(ctx, ctx.Err(), KindNodeUnreachable), name, fmt.Errorf("node %s is unreachable: %s", name, status.Error))
	}
	if !status.IsPrimary() {
		return r.fail(KindAlreadyInDesiredState, name, fmt.Errorf("node %s is already a standby", name))
	}
	r.res.PreviousPrimary = name

	r.enter(StateDemotingNode)
	if _, err := o.writeMarker(ctx, r, target); err != nil {
		return r.fail(classify(ctx, err, KindCommandFailed), name, err)
	}
	if err := o.restart(ctx, r, target); err != nil {
		return r.fail(classify(ctx, err, KindCommandFailed), name, err)
	}

	r.enter(StateVerifyingDemotion)
	if err := o.verify(ctx, r, target, false); err != nil {
		return r.res, err
	}
	return r.complete()
}

// DemoteAll writes the standby marker on every registered node and restarts
// it. A failure on one node does not stop the others. On success no node
// accepts writes until something is promoted again.
func (o *Orchestrator) DemoteAll(ctx context.Context) (*Result, error) {
	r := o.begin(OperationDemoteAll, GlobalKey)

	release, err := o.acquire(r, GlobalKey)
	if err != nil {
		return r.res, err
	}
	defer release()

	nodes := o.registry.Nodes()

	r.enter(StateDemotingAll)
	var failed []string
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return r.fail(KindTimeout, n.Name, err)
		}
		if _, err := o.writeMarker(ctx, r, n); err != nil {
			r.logger.Warn().Err(err).Str("node", n.Name).Msg("Failed to write standby marker")
			failed = append(failed, n.Name)
			continue
		}
		if err := o.restart(ctx, r, n); err != nil {
			r.logger.Warn().Err(err).Str("node", n.Name).Msg("Failed to restart node")
			failed = append(failed, n.Name)
		}
	}

	r.enter(StateVerifyingDemotion)
	if err := wait.Settle(ctx, o.timeouts.Settle); err != nil {
		return r.fail(KindTimeout, "", err)
	}

	topo := o.locator.Inspect(ctx, nodes)
	if err := ctx.Err(); err != nil {
		return r.fail(KindTimeout, "", err)
	}
	if len(topo.Primaries) > 0 {
		return r.fail(KindVerificationFailed, strings.Join(topo.Primaries, ","),
			fmt.Errorf("%s still accepting writes (steps failed on: %s)", strings.Join(topo.Primaries, ", "), strings.Join(failed, ", ")))
	}
	if len(failed) > 0 {
		r.logger.Warn().Strs("nodes", failed).Msg("Some nodes could not be demoted but none accepts writes")
	}
	return r.complete()
}
