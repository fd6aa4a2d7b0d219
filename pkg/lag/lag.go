package lag

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/pgwarden/pkg/channel"
	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/probe"
	"github.com/cuemby/pgwarden/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Calculator measures how far each standby trails the primary
type Calculator struct {
	locator        *probe.Locator
	query          channel.Query
	connectTimeout time.Duration
}

// NewCalculator creates a lag calculator
func NewCalculator(locator *probe.Locator, query channel.Query, connectTimeout time.Duration) *Calculator {
	if connectTimeout <= 0 {
		connectTimeout = probe.DefaultConnectTimeout
	}
	return &Calculator{
		locator:        locator,
		query:          query,
		connectTimeout: connectTimeout,
	}
}

// ComputeLag locates the primary among nodes and reads every node's lag
func (c *Calculator) ComputeLag(ctx context.Context, nodes []*types.Node) map[string]types.LagReading {
	return c.ComputeFrom(ctx, c.locator.Inspect(ctx, nodes))
}

// ComputeFrom reads lag against an already inspected topology.
//
// Without a primary every node gets a degraded reading: gap 0 and no
// positions. A node that cannot be read gets types.LagUnknown. A measured gap
// is never negative.
func (c *Calculator) ComputeFrom(ctx context.Context, topo *probe.Topology) map[string]types.LagReading {
	readings := make(map[string]types.LagReading, len(topo.Nodes))

	primaryName, found := topo.Primary()
	if !found {
		for _, n := range topo.Nodes {
			readings[n.Name] = types.LagReading{Node: n.Name, GapBytes: 0, Error: "no primary"}
		}
		return readings
	}

	var primary *types.Node
	for _, n := range topo.Nodes {
		if n.Name == primaryName {
			primary = n
		}
	}

	primaryPos, err := c.position(ctx, primary, channel.Session.CurrentPosition)
	if err != nil {
		logger := log.WithNode(primaryName)
		logger.Warn().Err(err).Msg("Failed to read primary WAL position")
		for _, n := range topo.Nodes {
			readings[n.Name] = unknown(n.Name, nil, fmt.Sprintf("primary position unavailable: %v", err))
		}
		return readings
	}

	results := make([]types.LagReading, len(topo.Nodes))

	var g errgroup.Group
	for i, n := range topo.Nodes {
		if n.Name == primaryName {
			p := primaryPos
			results[i] = types.LagReading{Node: n.Name, PrimaryPosition: &p, NodePosition: &p, GapBytes: 0}
			continue
		}
		if !topo.Statuses[i].Reachable() {
			results[i] = unknown(n.Name, &primaryPos, topo.Statuses[i].Error)
			continue
		}
		g.Go(func() error {
			results[i] = c.standbyReading(ctx, n, primaryPos)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		readings[r.Node] = r
	}
	return readings
}

func (c *Calculator) standbyReading(ctx context.Context, node *types.Node, primaryPos types.Position) types.LagReading {
	pos, err := c.position(ctx, node, channel.Session.ReceivedPosition)
	if err != nil {
		return unknown(node.Name, &primaryPos, err.Error())
	}
	return types.LagReading{
		Node:            node.Name,
		PrimaryPosition: &primaryPos,
		NodePosition:    &pos,
		GapBytes:        Gap(primaryPos, pos),
	}
}

func (c *Calculator) position(ctx context.Context, node *types.Node, read func(channel.Session, context.Context) (types.Position, error)) (types.Position, error) {
	session, err := c.query.Connect(ctx, node, c.connectTimeout)
	if err != nil {
		return 0, err
	}
	defer session.Close(context.WithoutCancel(ctx))

	return read(session, ctx)
}

// Gap is the byte distance from node to primary, clamped to
// [0, math.MaxInt64]
func Gap(primary, node types.Position) int64 {
	if node >= primary {
		return 0
	}
	d := uint64(primary - node)
	if d > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(d)
}

func unknown(node string, primaryPos *types.Position, reason string) types.LagReading {
	r := types.LagReading{Node: node, GapBytes: types.LagUnknown, Error: reason}
	if primaryPos != nil {
		p := *primaryPos
		r.PrimaryPosition = &p
	}
	return r
}
