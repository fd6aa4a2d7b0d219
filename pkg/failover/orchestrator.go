package failover

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/pgwarden/pkg/channel"
	"github.com/cuemby/pgwarden/pkg/events"
	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/metrics"
	"github.com/cuemby/pgwarden/pkg/pg"
	"github.com/cuemby/pgwarden/pkg/probe"
	"github.com/cuemby/pgwarden/pkg/rebuild"
	"github.com/cuemby/pgwarden/pkg/types"
	"github.com/cuemby/pgwarden/pkg/wait"
	"github.com/flowchartsman/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Registry is the view of the node registry the orchestrator needs
type Registry interface {
	Get(name string) (*types.Node, bool)
	Nodes() []*types.Node
}

// Timeouts bounds the orchestrator's own steps. Rebuild timeouts are
// configured on the Rebuilder.
type Timeouts struct {
	Exec           time.Duration `yaml:"exec"`
	Restart        time.Duration `yaml:"restart"`
	Settle         time.Duration `yaml:"settle"`
	Verify         time.Duration `yaml:"verify"`
	VerifyInterval time.Duration `yaml:"verify_interval"`
	VerifyAttempts int           `yaml:"verify_attempts"`
}

// DefaultTimeouts returns the production timeouts
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Exec:           10 * time.Second,
		Restart:        60 * time.Second,
		Settle:         5 * time.Second,
		Verify:         30 * time.Second,
		VerifyInterval: 500 * time.Millisecond,
		VerifyAttempts: 10,
	}
}

// DefaultRebuildParallelism caps concurrent standby rebuilds
const DefaultRebuildParallelism = 4

// Orchestrator drives promotions and demotions. The single-primary invariant
// spans the whole registry, so at most one state machine runs at a time; a
// second request is rejected, not queued.
type Orchestrator struct {
	registry    Registry
	control     channel.Control
	prober      *probe.Prober
	locator     *probe.Locator
	rebuilder   *rebuild.Rebuilder
	layout      pg.Layout
	timeouts    Timeouts
	parallelism int
	broker      *events.Broker
	leases      *leaseSet
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLayout sets the data directory layout of the nodes
func WithLayout(layout pg.Layout) Option {
	return func(o *Orchestrator) { o.layout = layout }
}

// WithTimeouts overrides the default timeouts
func WithTimeouts(t Timeouts) Option {
	return func(o *Orchestrator) { o.timeouts = t }
}

// WithBroker publishes operation events on broker
func WithBroker(broker *events.Broker) Option {
	return func(o *Orchestrator) { o.broker = broker }
}

// WithRebuildParallelism caps how many standbys are rebuilt at once
func WithRebuildParallelism(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// New creates an orchestrator
func New(registry Registry, control channel.Control, prober *probe.Prober, rebuilder *rebuild.Rebuilder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		control:     control,
		prober:      prober,
		locator:     probe.NewLocator(prober),
		rebuilder:   rebuilder,
		layout:      pg.DefaultLayout(),
		timeouts:    DefaultTimeouts(),
		parallelism: DefaultRebuildParallelism,
		leases:      newLeaseSet(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.timeouts.VerifyAttempts <= 0 {
		o.timeouts.VerifyAttempts = 1
	}
	return o
}

// InFlight lists the lease keys held by running operations
func (o *Orchestrator) InFlight() []string {
	return o.leases.keys()
}

// Reserve holds the registry lease on behalf of a registry change that must
// not overlap a running operation, such as removing a node. It fails with a
// ConcurrentOperationConflict error while an operation is in flight.
func (o *Orchestrator) Reserve(purpose string) (release func(), err error) {
	if !o.leases.acquire(GlobalKey) {
		return nil, &Error{
			Kind: KindConcurrentOperationConflict,
			Err:  fmt.Errorf("cannot %s while another operation is in flight", purpose),
		}
	}
	return func() { o.leases.release(GlobalKey) }, nil
}

// Promote makes name the primary of the registry. Cluster membership does
// not narrow the node set: every other node is demoted or rebuilt.
//
// The run goes Idle → DemotingCurrentPrimary → PromotingTarget →
// VerifyingPromotion → ReconfiguringStandbys → Done, or Failed from any
// non-terminal state. The returned error is a *Error whenever the run did
// not reach Done. Standby rebuild failures are reported in Result.Rebuilds
// and never fail the promotion.
func (o *Orchestrator) Promote(ctx context.Context, name string) (*Result, error) {
	r := o.begin(OperationPromote, name)

	target, ok := o.registry.Get(name)
	if !ok {
		return r.fail(KindInvalidNode, name, fmt.Errorf("node %s is not registered", name))
	}
	if !target.Promotable() {
		return r.fail(KindInvalidNode, name, fmt.Errorf("node %s is of kind %s and can never become primary", name, target.Kind))
	}

	release, err := o.acquire(r, GlobalKey)
	if err != nil {
		return r.res, err
	}
	defer release()

	nodes := o.registry.Nodes()
	topo := o.locator.Inspect(ctx, nodes)
	status, _ := topo.Status(name)
	if status.IsPrimary() {
		return r.fail(KindAlreadyInDesiredState, name, fmt.Errorf("node %s is already the primary", name))
	}
	if !status.Reachable() {
		return r.fail(classify(ctx, ctx.Err(), KindNodeUnreachable), name, fmt.Errorf("node %s is unreachable: %s", name, status.Error))
	}

	// DemotingCurrentPrimary: best effort, the rebuild below reconfigures
	// the old primary whatever happens here
	if current, found := topo.Primary(); found {
		r.res.PreviousPrimary = current
		r.enter(StateDemotingCurrentPrimary)

		old := nodeByName(nodes, current)
		if _, err := o.writeMarker(ctx, r, old); err != nil {
			r.logger.Warn().Err(err).Str("old_primary", current).Msg("Failed to write standby marker on old primary; continuing")
		}
		if err := o.restart(ctx, r, old); err != nil {
			r.logger.Warn().Err(err).Str("old_primary", current).Msg("Failed to restart old primary; continuing")
		}
		if err := ctx.Err(); err != nil {
			return r.fail(KindTimeout, current, err)
		}
	}

	r.enter(StatePromotingTarget)
	if res, err := o.exec(ctx, r, target, ActionResumeReplay, o.layout.ResumeReplay()); err != nil || !res.Success() {
		// replay is only paused after an explicit pause; a failure here is not fatal
		r.logger.Debug().Err(err).Int("exit_code", res.ExitCode).Msg("WAL replay resume did not succeed")
	}
	res, err := o.exec(ctx, r, target, ActionPromote, o.layout.Promote())
	if err != nil {
		return r.fail(classify(ctx, err, KindCommandFailed), name, err)
	}
	if !res.Success() {
		return r.fail(KindCommandFailed, name, fmt.Errorf("promote exited with code %d: %s", res.ExitCode, res.Stderr))
	}

	r.enter(StateVerifyingPromotion)
	if err := o.verify(ctx, r, target, true); err != nil {
		return r.res, err
	}

	r.enter(StateReconfiguringStandbys)
	var others []*types.Node
	for _, n := range nodes {
		if n.Name != name {
			others = append(others, n)
		}
	}
	r.res.Rebuilds = o.rebuildAll(ctx, r, others, target)
	r.res.NewPrimary = name

	if err := o.confirmSinglePrimary(ctx, r, nodes, target); err != nil {
		return r.res, err
	}
	return r.complete()
}

// confirmSinglePrimary inspects every node once the standbys are rebuilt.
// A node other than primary still accepting writes gets one more demotion
// attempt. If any anomaly survives, the run fails with a safety violation.
func (o *Orchestrator) confirmSinglePrimary(ctx context.Context, r *run, nodes []*types.Node, primary *types.Node) error {
	topo := o.locator.Inspect(ctx, nodes)

	if stray := strayPrimaries(topo, primary.Name); len(stray) > 0 {
		for _, n := range stray {
			r.logger.Warn().Str("node", n.Name).Msg("Node still accepts writes after reconfiguration; demoting again")
			if _, err := o.writeMarker(ctx, r, n); err != nil {
				r.logger.Warn().Err(err).Str("node", n.Name).Msg("Failed to write standby marker")
			}
			if err := o.restart(ctx, r, n); err != nil {
				r.logger.Warn().Err(err).Str("node", n.Name).Msg("Failed to restart node")
			}
		}
		if err := wait.Settle(ctx, o.timeouts.Settle); err != nil {
			_, ferr := r.fail(KindTimeout, primary.Name, err)
			return ferr
		}
		topo = o.locator.Inspect(ctx, nodes)
	}

	if err := ctx.Err(); err != nil {
		_, ferr := r.fail(KindTimeout, primary.Name, err)
		return ferr
	}
	if len(topo.Anomalies) == 0 {
		return nil
	}

	r.res.Anomalies = topo.Anomalies
	r.res.SafetyViolation = true
	metrics.SafetyViolationsTotal.Inc()

	var msgs []string
	for _, a := range topo.Anomalies {
		msgs = append(msgs, a.Message)
	}
	msg := strings.Join(msgs, "; ")
	o.publish(events.EventSafetyViolation, r, msg, "nodes", strings.Join(topo.Primaries, ","))
	r.logger.Error().Strs("primaries", topo.Primaries).Msg("SAFETY VIOLATION: topology not consistent after promotion")

	_, ferr := r.fail(KindSafetyViolation, strings.Join(topo.Primaries, ","), errors.New(msg))
	return ferr
}

// strayPrimaries lists nodes observed as primary other than keep
func strayPrimaries(topo *probe.Topology, keep string) []*types.Node {
	var out []*types.Node
	for i, st := range topo.Statuses {
		if st.IsPrimary() && topo.Nodes[i].Name != keep {
			out = append(out, topo.Nodes[i])
		}
	}
	return out
}

// verify waits out the settle delay, then polls the target with backoff
// until it reports the expected role. wantPrimary selects promotion or
// demotion semantics.
func (o *Orchestrator) verify(ctx context.Context, r *run, target *types.Node, wantPrimary bool) error {
	if err := wait.Settle(ctx, o.timeouts.Settle); err != nil {
		_, ferr := r.fail(KindTimeout, target.Name, err)
		return ferr
	}

	vctx, cancel := context.WithTimeout(ctx, o.timeouts.Verify)
	defer cancel()

	timer := metrics.NewTimer()
	var last types.NodeStatus
	var violation bool

	retrier := retry.NewRetrier(o.timeouts.VerifyAttempts, o.timeouts.VerifyInterval, o.timeouts.Verify)
	err := retrier.RunContext(vctx, func(ctx context.Context) error {
		last = o.prober.Probe(ctx, target)

		if wantPrimary {
			if !last.IsPrimary() {
				return fmt.Errorf("node reports %s/%s", last.Connectivity, last.Role)
			}
			// kind is re-read: a node that became replica-kind while the
			// run was in flight must not be accepted as primary
			if current, ok := o.registry.Get(target.Name); ok && !current.Promotable() {
				violation = true
				return retry.Stop(fmt.Errorf("replica-kind node %s is accepting writes", target.Name))
			}
			return nil
		}

		if !last.Reachable() || last.IsPrimary() {
			return fmt.Errorf("node reports %s/%s", last.Connectivity, last.Role)
		}
		return nil
	})

	step := StepOutcome{
		State:    r.res.State,
		Node:     target.Name,
		Action:   ActionVerify,
		Success:  err == nil && !violation,
		Duration: timer.Duration(),
	}
	if err != nil {
		step.Error = err.Error()
	}
	r.record(step)

	switch {
	case violation:
		r.res.SafetyViolation = true
		metrics.SafetyViolationsTotal.Inc()
		o.publish(events.EventSafetyViolation, r, fmt.Sprintf("replica-kind node %s observed as primary", target.Name))
		r.logger.Error().Str("node", target.Name).Msg("SAFETY VIOLATION: replica-kind node observed as primary")
		_, ferr := r.fail(KindSafetyViolation, target.Name, err)
		return ferr
	case err != nil && ctx.Err() != nil:
		_, ferr := r.fail(KindTimeout, target.Name, ctx.Err())
		return ferr
	case err != nil:
		_, ferr := r.fail(KindVerificationFailed, target.Name, err)
		return ferr
	}
	return nil
}

// rebuildAll reconfigures nodes as standbys of primary concurrently.
// Outcomes come back in the order of nodes.
func (o *Orchestrator) rebuildAll(ctx context.Context, r *run, nodes []*types.Node, primary *types.Node) []rebuild.Outcome {
	outcomes := make([]rebuild.Outcome, len(nodes))

	var g errgroup.Group
	g.SetLimit(o.parallelism)
	for i, n := range nodes {
		g.Go(func() error {
			outcomes[i] = o.rebuilder.Rebuild(ctx, n, primary)
			if outcomes[i].Success {
				o.publish(events.EventRebuildCompleted, r, fmt.Sprintf("%s rebuilt as standby of %s", n.Name, primary.Name), "node", n.Name)
			} else {
				o.publish(events.EventRebuildFailed, r, fmt.Sprintf("%s rebuild failed at %s: %s", n.Name, outcomes[i].FailedStep, outcomes[i].Error), "node", n.Name)
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// writeMarker writes the standby marker on node and records the step
func (o *Orchestrator) writeMarker(ctx context.Context, r *run, node *types.Node) (channel.ExecResult, error) {
	res, err := o.exec(ctx, r, node, ActionWriteStandbyMarker, o.layout.WriteStandbyMarker())
	if err == nil && !res.Success() {
		err = fmt.Errorf("writing standby marker exited with code %d: %s", res.ExitCode, res.Stderr)
	}
	return res, err
}

// exec runs cmd on node and records the step. A non-zero exit is returned
// in the result, not as an error.
func (o *Orchestrator) exec(ctx context.Context, r *run, node *types.Node, action Action, cmd channel.Command) (channel.ExecResult, error) {
	timer := metrics.NewTimer()
	res, err := o.control.Exec(ctx, node, cmd, o.timeouts.Exec)

	step := StepOutcome{
		State:    r.res.State,
		Node:     node.Name,
		Action:   action,
		Success:  err == nil && res.Success(),
		ExitCode: res.ExitCode,
		Duration: timer.Duration(),
	}
	switch {
	case err != nil:
		step.Error = err.Error()
	case !res.Success():
		step.Error = res.Stderr
	}
	r.record(step)
	return res, err
}

// restart restarts node and records the step
func (o *Orchestrator) restart(ctx context.Context, r *run, node *types.Node) error {
	timer := metrics.NewTimer()
	code, err := o.control.Restart(ctx, node, o.timeouts.Restart)
	if err == nil && code != 0 {
		err = fmt.Errorf("restart exited with code %d", code)
	}

	step := StepOutcome{
		State:    r.res.State,
		Node:     node.Name,
		Action:   ActionRestart,
		Success:  err == nil,
		ExitCode: code,
		Duration: timer.Duration(),
	}
	if err != nil {
		step.Error = err.Error()
	}
	r.record(step)
	return err
}

// acquire takes the lease for key or fails the run with a conflict
func (o *Orchestrator) acquire(r *run, key string) (func(), error) {
	if !o.leases.acquire(key) {
		_, err := r.fail(KindConcurrentOperationConflict, r.res.Target,
			errors.New("another operation is in flight"))
		return nil, err
	}
	metrics.OperationsInFlight.Inc()
	r.logger.Debug().Str("lease", key).Msg("Lease acquired")

	return func() {
		o.leases.release(key)
		metrics.OperationsInFlight.Dec()
	}, nil
}

func nodeByName(nodes []*types.Node, name string) *types.Node {
	for _, n := range nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// run tracks one state machine execution
type run struct {
	o      *Orchestrator
	res    *Result
	logger zerolog.Logger
	timer  *metrics.Timer
}

func (o *Orchestrator) begin(op Operation, target string) *run {
	id := uuid.New().String()
	r := &run{
		o: o,
		res: &Result{
			ID:        id,
			Operation: op,
			Target:    target,
			State:     StateIdle,
			Steps:     []StepOutcome{},
			StartedAt: time.Now(),
		},
		logger: log.WithOperation(string(op), id),
		timer:  metrics.NewTimer(),
	}
	r.logger.Info().Str("target", target).Msg("Operation started")
	o.publish(events.EventOperationStarted, r, fmt.Sprintf("%s %s started", op, target))
	return r
}

// enter moves the run to state, closing the timing of the previous one
func (r *run) enter(state State) {
	r.timer.ObserveDurationVec(metrics.StepDuration, string(r.res.State))
	r.timer = metrics.NewTimer()

	r.logger.Info().
		Str("from", string(r.res.State)).
		Str("to", string(state)).
		Msg("State transition")
	r.res.State = state
	r.o.publish(events.EventOperationState, r, fmt.Sprintf("%s entered %s", r.res.Operation, state))
}

func (r *run) record(step StepOutcome) {
	r.res.Steps = append(r.res.Steps, step)
}

// fail ends the run in Failed. AlreadyInDesiredState and precondition
// failures leave the state machine where it was: nothing ran.
func (r *run) fail(kind Kind, node string, err error) (*Result, error) {
	ferr := &Error{Kind: kind, Step: r.res.State, Node: node, Err: err}

	r.timer.ObserveDurationVec(metrics.StepDuration, string(r.res.State))
	r.res.FailedStep = r.res.State
	r.res.State = StateFailed
	r.res.Kind = kind
	r.res.Error = ferr.Error()
	r.res.FinishedAt = time.Now()

	metrics.OperationsTotal.WithLabelValues(string(r.res.Operation), string(kind)).Inc()

	event := r.logger.Error()
	if kind == KindAlreadyInDesiredState || kind == KindConcurrentOperationConflict || kind == KindInvalidNode {
		event = r.logger.Warn()
	}
	event.Err(err).
		Str("kind", string(kind)).
		Str("failed_step", string(r.res.FailedStep)).
		Str("node", node).
		Msg("Operation failed")

	r.o.publish(events.EventOperationFailed, r, ferr.Error(), "kind", string(kind))
	return r.res, ferr
}

func (r *run) complete() (*Result, error) {
	r.enter(StateDone)
	r.res.FinishedAt = time.Now()

	metrics.OperationsTotal.WithLabelValues(string(r.res.Operation), string(StateDone)).Inc()

	r.logger.Info().
		Str("new_primary", r.res.NewPrimary).
		Strs("failed_rebuilds", r.res.FailedRebuilds()).
		Dur("duration", r.res.FinishedAt.Sub(r.res.StartedAt)).
		Msg("Operation completed")

	r.o.publish(events.EventOperationCompleted, r, fmt.Sprintf("%s %s completed", r.res.Operation, r.res.Target))
	return r.res, nil
}

func (o *Orchestrator) publish(t events.EventType, r *run, msg string, kv ...string) {
	if o.broker == nil {
		return
	}
	meta := map[string]string{
		"operation_id": r.res.ID,
		"operation":    string(r.res.Operation),
		"target":       r.res.Target,
		"state":        string(r.res.State),
	}
	for i := 0; i+1 < len(kv); i += 2 {
		meta[kv[i]] = kv[i+1]
	}
	o.broker.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
}
