package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/pgwarden/pkg/channel"
	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/metrics"
	"github.com/cuemby/pgwarden/pkg/types"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultConnectTimeout bounds the Query Channel session a probe opens
	DefaultConnectTimeout = 3 * time.Second

	// DefaultParallelism caps concurrent probes in ProbeAll
	DefaultParallelism = 16
)

// Prober observes a node's liveness and replication role. A probe never
// retries; retry policy belongs to the caller.
type Prober struct {
	control        channel.Control
	query          channel.Query
	connectTimeout time.Duration
	parallelism    int
	now            func() time.Time
}

// Option configures a Prober
type Option func(*Prober)

// WithConnectTimeout overrides the per-probe connect timeout
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.connectTimeout = d
		}
	}
}

// WithParallelism caps how many nodes ProbeAll checks at once
func WithParallelism(n int) Option {
	return func(p *Prober) {
		if n > 0 {
			p.parallelism = n
		}
	}
}

// NewProber creates a prober over the given channels
func NewProber(control channel.Control, query channel.Query, opts ...Option) *Prober {
	p := &Prober{
		control:        control,
		query:          query,
		connectTimeout: DefaultConnectTimeout,
		parallelism:    DefaultParallelism,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks that the node's process is running, then asks the server
// whether it is in recovery. Failures are reported in the status, never
// returned.
func (p *Prober) Probe(ctx context.Context, node *types.Node) types.NodeStatus {
	timer := metrics.NewTimer()
	status := p.probe(ctx, node)
	timer.ObserveDuration(metrics.ProbeDuration)

	result := string(status.Role)
	if !status.Reachable() {
		result = string(types.ConnectivityUnreachable)
	}
	metrics.ProbesTotal.WithLabelValues(result).Inc()

	if status.Error != "" {
		logger := log.WithNode(node.Name)
		logger.Debug().Str("error", status.Error).Msg("Probe failed")
	}
	return status
}

func (p *Prober) probe(ctx context.Context, node *types.Node) types.NodeStatus {
	status := types.NodeStatus{
		Name:         node.Name,
		Connectivity: types.ConnectivityUnreachable,
		Role:         types.RoleUnknown,
		CheckedAt:    p.now(),
	}

	running, err := p.control.IsRunning(ctx, node)
	if err != nil {
		status.Error = fmt.Sprintf("failed to check process: %v", err)
		return status
	}
	if !running {
		status.Error = channel.ErrNotRunning.Error()
		return status
	}

	session, err := p.query.Connect(ctx, node, p.connectTimeout)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer session.Close(context.WithoutCancel(ctx))

	standby, err := session.IsStandby(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	status.Connectivity = types.ConnectivityReachable
	if standby {
		status.Role = types.RoleStandby
	} else {
		status.Role = types.RolePrimary
	}
	return status
}

// ProbeAll probes nodes concurrently and returns statuses in the order of
// nodes
func (p *Prober) ProbeAll(ctx context.Context, nodes []*types.Node) []types.NodeStatus {
	statuses := make([]types.NodeStatus, len(nodes))

	var g errgroup.Group
	g.SetLimit(p.parallelism)
	for i, node := range nodes {
		g.Go(func() error {
			statuses[i] = p.Probe(ctx, node)
			return nil
		})
	}
	_ = g.Wait()

	return statuses
}
