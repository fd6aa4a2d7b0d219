package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cuemby/pgwarden/pkg/channel"
	"github.com/cuemby/pgwarden/pkg/pg"
	"github.com/cuemby/pgwarden/pkg/probe"
	"github.com/cuemby/pgwarden/pkg/types"
)

// QueryChecker probes a node over the Query Channel
type QueryChecker struct {
	prober *probe.Prober
	node   *types.Node
}

// NewQueryChecker creates a checker that reports a node healthy when it
// answers a probe
func NewQueryChecker(prober *probe.Prober, node *types.Node) *QueryChecker {
	return &QueryChecker{prober: prober, node: node}
}

// Check performs the probe
func (q *QueryChecker) Check(ctx context.Context) Result {
	start := time.Now()
	return FromStatus(q.prober.Probe(ctx, q.node), start)
}

// Type returns the health check type
func (q *QueryChecker) Type() CheckType {
	return CheckTypeQuery
}

// FromStatus converts a probe result into a check result
func FromStatus(status types.NodeStatus, start time.Time) Result {
	r := Result{
		Type:      CheckTypeQuery,
		Healthy:   status.Reachable(),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if r.Healthy {
		r.Message = fmt.Sprintf("reachable as %s", status.Role)
	} else {
		r.Message = status.Error
	}
	return r
}

// ExecChecker runs pg_isready inside the node through the Control Channel
type ExecChecker struct {
	control channel.Control
	node    *types.Node
	layout  pg.Layout

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration
}

// NewExecChecker creates a new exec health checker
func NewExecChecker(control channel.Control, layout pg.Layout, node *types.Node) *ExecChecker {
	return &ExecChecker{
		control: control,
		node:    node,
		layout:  layout,
		Timeout: 10 * time.Second,
	}
}

// Check performs the exec health check
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := Result{Type: CheckTypeExec, CheckedAt: start}

	res, err := e.control.Exec(ctx, e.node, e.layout.IsReady(), e.Timeout)
	result.Duration = time.Since(start)

	switch {
	case err != nil:
		result.Message = fmt.Sprintf("exec failed: %v", err)
	case res.ExitCode == 0:
		result.Healthy = true
		result.Message = "accepting connections"
	case res.ExitCode == 1:
		result.Message = "rejecting connections"
	case res.ExitCode == 2:
		result.Message = "no response"
	default:
		result.Message = fmt.Sprintf("pg_isready exited with code %d: %s", res.ExitCode, res.Stderr)
	}
	return result
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// TCPChecker checks that a node's PostgreSQL port accepts connections
type TCPChecker struct {
	// Address is the TCP address to connect to (e.g., "postgres-node1:5432")
	Address string

	// Timeout is the connection timeout (default: 3 seconds)
	Timeout time.Duration
}

// NewTCPChecker creates a checker for the node's Query Channel address
func NewTCPChecker(node *types.Node) *TCPChecker {
	port := node.Port
	if port == 0 {
		port = pg.DefaultPort
	}
	return &TCPChecker{
		Address: net.JoinHostPort(node.Host, strconv.Itoa(port)),
		Timeout: pg.DefaultConnectTimeout,
	}
}

// Check performs the TCP health check
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Type:      CheckTypeTCP,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Type:      CheckTypeTCP,
		Healthy:   true,
		Message:   fmt.Sprintf("TCP connection to %s successful", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// Diagnose runs checkers in order. Run over a TCP, an exec and a query
// checker it tells apart a closed port, a server that is not ready and one
// that refuses the configured credentials.
func Diagnose(ctx context.Context, checkers ...Checker) []Result {
	results := make([]Result, 0, len(checkers))
	for _, c := range checkers {
		results = append(results, c.Check(ctx))
	}
	return results
}
