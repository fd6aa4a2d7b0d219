package rebuild

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/pgwarden/pkg/channel"
	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/metrics"
	"github.com/cuemby/pgwarden/pkg/pg"
	"github.com/cuemby/pgwarden/pkg/probe"
	"github.com/cuemby/pgwarden/pkg/types"
	"github.com/cuemby/pgwarden/pkg/wait"
)

// Step names one stage of a rebuild
type Step string

const (
	StepStop        Step = "stop"
	StepClearData   Step = "clear_data"
	StepBaseBackup  Step = "base_backup"
	StepWriteMarker Step = "write_standby_marker"
	StepStart       Step = "start"
	StepVerify      Step = "verify"
)

// Timeouts bounds each kind of Control Channel call
type Timeouts struct {
	Stop       time.Duration `yaml:"stop"`
	Exec       time.Duration `yaml:"exec"`
	BaseBackup time.Duration `yaml:"base_backup"`
	Start      time.Duration `yaml:"start"`
	Settle     time.Duration `yaml:"settle"`
	Verify     time.Duration `yaml:"verify"`
}

// DefaultTimeouts returns the production timeouts
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Stop:       60 * time.Second,
		Exec:       10 * time.Second,
		BaseBackup: 10 * time.Minute,
		Start:      60 * time.Second,
		Settle:     5 * time.Second,
		Verify:     30 * time.Second,
	}
}

// StepResult records how one step went
type StepResult struct {
	Step     Step          `json:"step"`
	ExitCode int           `json:"exit_code,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Outcome is the result of rebuilding one node
type Outcome struct {
	Node       string           `json:"node"`
	Primary    string           `json:"primary"`
	Success    bool             `json:"success"`
	FailedStep Step             `json:"failed_step,omitempty"`
	TimedOut   bool             `json:"timed_out,omitempty"`
	Error      string           `json:"error,omitempty"`
	Steps      []StepResult     `json:"steps"`
	Status     types.NodeStatus `json:"status"`
}

// Rebuilder reconstructs nodes as streaming standbys of a primary
type Rebuilder struct {
	control  channel.Control
	prober   *probe.Prober
	layout   pg.Layout
	creds    pg.Credentials
	timeouts Timeouts
}

// NewRebuilder creates a rebuilder. creds authenticate the base backup
// against the primary.
func NewRebuilder(control channel.Control, prober *probe.Prober, layout pg.Layout, creds pg.Credentials, timeouts Timeouts) *Rebuilder {
	return &Rebuilder{
		control:  control,
		prober:   prober,
		layout:   layout,
		creds:    creds,
		timeouts: timeouts,
	}
}

// Rebuild stops node, wipes its data directory, copies the primary's data
// into it, marks it as a standby and starts it again. A failed step ends the
// rebuild and is recorded; partial state is left in place, never rolled back
// or retried, because re-running a base backup over a half-copied directory
// is unsafe.
func (r *Rebuilder) Rebuild(ctx context.Context, node, primary *types.Node) Outcome {
	logger := log.WithNode(node.Name)
	out := Outcome{Node: node.Name, Primary: primary.Name}

	logger.Info().Str("primary", primary.Name).Msg("Rebuilding node as standby")

	steps := []struct {
		step Step
		run  func(context.Context) (int, error)
	}{
		{StepStop, func(ctx context.Context) (int, error) {
			return 0, r.control.Stop(ctx, node, r.timeouts.Stop)
		}},
		{StepClearData, r.exec(node, r.layout.ClearData(), r.timeouts.Exec)},
		{StepBaseBackup, r.exec(node, r.layout.BaseBackup(primary, r.creds), r.timeouts.BaseBackup)},
		{StepWriteMarker, r.exec(node, r.layout.WriteStandbyMarker(), r.timeouts.Exec)},
		{StepStart, func(ctx context.Context) (int, error) {
			return 0, r.control.Start(ctx, node, r.timeouts.Start)
		}},
		{StepVerify, func(ctx context.Context) (int, error) {
			var err error
			out.Status, err = r.verify(ctx, node)
			return 0, err
		}},
	}

	for _, s := range steps {
		timer := metrics.NewTimer()
		code, err := s.run(ctx)
		res := StepResult{Step: s.step, ExitCode: code, Duration: timer.Duration()}

		if err != nil {
			res.Error = err.Error()
			out.Steps = append(out.Steps, res)
			out.FailedStep = s.step
			out.Error = err.Error()
			out.TimedOut = errors.Is(err, context.DeadlineExceeded)
			metrics.RebuildsTotal.WithLabelValues("failed").Inc()

			logger.Error().
				Err(err).
				Str("step", string(s.step)).
				Int("exit_code", code).
				Msg("Rebuild failed; node left for operator attention")
			return out
		}
		out.Steps = append(out.Steps, res)
		logger.Debug().Str("step", string(s.step)).Dur("duration", res.Duration).Msg("Rebuild step done")
	}

	out.Success = true
	metrics.RebuildsTotal.WithLabelValues("success").Inc()
	logger.Info().Str("primary", primary.Name).Msg("Node rebuilt as standby")
	return out
}

// exec wraps a Control Channel command as a step; a non-zero exit is an error
func (r *Rebuilder) exec(node *types.Node, cmd channel.Command, timeout time.Duration) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		res, err := r.control.Exec(ctx, node, cmd, timeout)
		if err != nil {
			return 0, err
		}
		if !res.Success() {
			return res.ExitCode, fmt.Errorf("%s exited with code %d: %s", cmd.Op, res.ExitCode, res.Stderr)
		}
		return 0, nil
	}
}

// verify waits out the settle delay, then polls until the node reports standby
func (r *Rebuilder) verify(ctx context.Context, node *types.Node) (types.NodeStatus, error) {
	if err := wait.Settle(ctx, r.timeouts.Settle); err != nil {
		return types.NodeStatus{}, err
	}

	var last types.NodeStatus
	verifyTimeout := r.timeouts.Verify
	if verifyTimeout <= 0 {
		verifyTimeout = time.Second
	}
	waiter := wait.NewWaiter(verifyTimeout, verifyTimeout/10+time.Millisecond)
	err := waiter.WaitFor(ctx, func(ctx context.Context) bool {
		last = r.prober.Probe(ctx, node)
		return last.Reachable() && last.Role == types.RoleStandby
	}, fmt.Sprintf("%s to report standby", node.Name))
	if err != nil {
		if ctx.Err() != nil {
			return last, ctx.Err()
		}
		return last, fmt.Errorf("node is %s/%s: %w", last.Connectivity, last.Role, err)
	}
	return last, nil
}
