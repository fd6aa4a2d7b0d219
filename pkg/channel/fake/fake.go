// Package fake implements channel.Control and channel.Query over an in-memory
// model of a PostgreSQL cluster. It follows real server behavior closely enough
// for orchestration tests: a node started without a standby marker comes up as
// primary, promote only works on a standby, and base backups need a live primary.
package fake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/pgwarden/pkg/channel"
	"github.com/cuemby/pgwarden/pkg/types"
)

// Node is the simulated state of one server
type Node struct {
	Running       bool
	Role          types.Role
	StandbyMarker bool
	HasData       bool
	Upstream      string
	Current       types.Position // write position while primary
	Received      types.Position // received position while standby

	ConnectErr error
	QueryErr   error
	ExitCodes  map[channel.Op]int
	StartErr   error
	StopErr    error
}

// Primary is the state of a running primary writing at pos
func Primary(pos types.Position) Node {
	return Node{Running: true, Role: types.RolePrimary, HasData: true, Current: pos}
}

// Standby is the state of a running standby that has received up to pos from
// upstream
func Standby(upstream string, pos types.Position) Node {
	return Node{
		Running:       true,
		Role:          types.RoleStandby,
		StandbyMarker: true,
		HasData:       true,
		Upstream:      upstream,
		Received:      pos,
	}
}

// Stopped is the state of a standby whose server is down
func Stopped(upstream string) Node {
	return Node{Role: types.RoleStandby, StandbyMarker: true, HasData: true, Upstream: upstream}
}

// Call records one channel invocation
type Call struct {
	Node   string
	Method string
	Op     channel.Op
}

// Cluster implements both channel.Control and channel.Query
type Cluster struct {
	mu    sync.Mutex
	nodes map[string]*Node
	hosts map[string]string
	calls []Call

	// OnExec runs before a command takes effect, outside the cluster lock.
	// Tests use it to block a command or to change the world mid-operation.
	OnExec func(node string, cmd channel.Command)
}

// NewCluster returns an empty simulated cluster
func NewCluster() *Cluster {
	return &Cluster{
		nodes: make(map[string]*Node),
		hosts: make(map[string]string),
	}
}

// Add registers a node's simulated state
func (c *Cluster) Add(n *types.Node, state Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := state
	c.nodes[n.Name] = &s
	if n.Host != "" {
		c.hosts[n.Host] = n.Name
	}
}

// Update mutates a node's simulated state under the cluster lock
func (c *Cluster) Update(name string, fn func(*Node)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[name]; ok {
		fn(n)
	}
}

// State returns a copy of a node's simulated state
func (c *Cluster) State(name string) Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[name]; ok {
		return *n
	}
	return Node{}
}

// Primaries lists running nodes whose server accepts writes
func (c *Cluster) Primaries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for name, n := range c.nodes {
		if n.Running && n.Role == types.RolePrimary {
			out = append(out, name)
		}
	}
	return out
}

// Calls returns every recorded invocation
func (c *Cluster) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// ControlCalls returns Control Channel invocations only
func (c *Cluster) ControlCalls() []Call {
	return c.filter(func(call Call) bool { return call.Method != "Connect" })
}

// Mutations returns Control Channel invocations that can change a node
func (c *Cluster) Mutations() []Call {
	return c.filter(func(call Call) bool {
		return call.Method != "Connect" && call.Method != "IsRunning"
	})
}

// ResetCalls forgets recorded invocations
func (c *Cluster) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

func (c *Cluster) filter(keep func(Call) bool) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if keep(call) {
			out = append(out, call)
		}
	}
	return out
}

func (c *Cluster) record(node, method string, op channel.Op) {
	c.calls = append(c.calls, Call{Node: node, Method: method, Op: op})
}

func (c *Cluster) lookup(name string) (*Node, error) {
	n, ok := c.nodes[name]
	if !ok {
		return nil, fmt.Errorf("no such container for node %s", name)
	}
	return n, nil
}

// IsRunning implements channel.Control
func (c *Cluster) IsRunning(ctx context.Context, node *types.Node) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(node.Name, "IsRunning", "")
	n, err := c.lookup(node.Name)
	if err != nil {
		return false, err
	}
	return n.Running, nil
}

// Exec implements channel.Control
func (c *Cluster) Exec(ctx context.Context, node *types.Node, cmd channel.Command, timeout time.Duration) (channel.ExecResult, error) {
	c.mu.Lock()
	c.record(node.Name, "Exec", cmd.Op)
	hook := c.OnExec
	c.mu.Unlock()

	if hook != nil {
		hook(node.Name, cmd)
	}
	if err := ctx.Err(); err != nil {
		return channel.ExecResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.lookup(node.Name)
	if err != nil {
		return channel.ExecResult{}, err
	}
	if code, ok := n.ExitCodes[cmd.Op]; ok && code != 0 {
		return channel.ExecResult{ExitCode: code, Stderr: fmt.Sprintf("simulated %s failure", cmd.Op)}, nil
	}

	switch cmd.Op {
	case channel.OpWriteStandbyMarker:
		if !n.HasData {
			return failed("data directory is empty"), nil
		}
		n.StandbyMarker = true
	case channel.OpResumeReplay:
		if !n.Running {
			return failed("could not connect to server"), nil
		}
	case channel.OpPromote:
		if !n.Running {
			return failed("no server running"), nil
		}
		if n.Role != types.RoleStandby {
			return failed("cannot promote server: server is not in standby mode"), nil
		}
		n.Role = types.RolePrimary
		n.StandbyMarker = false
		n.Upstream = ""
		if n.Received > n.Current {
			n.Current = n.Received
		}
	case channel.OpClearData:
		n.HasData = false
		n.StandbyMarker = false
		n.Upstream = ""
	case channel.OpBaseBackup:
		source, ok := c.hosts[argAfter(cmd.Args, "-h")]
		if !ok {
			return failed("could not translate host name"), nil
		}
		src := c.nodes[source]
		if src == nil || !src.Running || src.Role != types.RolePrimary {
			return failed("could not connect to primary"), nil
		}
		n.HasData = true
		n.Upstream = source
		n.Received = src.Current
		n.Current = src.Current
	case channel.OpIsReady:
		if !n.Running {
			return channel.ExecResult{ExitCode: 2, Stderr: "no response"}, nil
		}
	default:
		return failed("unknown command"), nil
	}
	return channel.ExecResult{}, nil
}

// Restart implements channel.Control
func (c *Cluster) Restart(ctx context.Context, node *types.Node, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(node.Name, "Restart", "")
	n, err := c.lookup(node.Name)
	if err != nil {
		return -1, err
	}
	if n.StopErr != nil {
		return 1, n.StopErr
	}
	n.Running = false
	if err := c.startLocked(n); err != nil {
		return 1, err
	}
	return 0, nil
}

// Stop implements channel.Control
func (c *Cluster) Stop(ctx context.Context, node *types.Node, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(node.Name, "Stop", "")
	n, err := c.lookup(node.Name)
	if err != nil {
		return err
	}
	if n.StopErr != nil {
		return n.StopErr
	}
	n.Running = false
	return nil
}

// Start implements channel.Control
func (c *Cluster) Start(ctx context.Context, node *types.Node, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(node.Name, "Start", "")
	n, err := c.lookup(node.Name)
	if err != nil {
		return err
	}
	return c.startLocked(n)
}

func (c *Cluster) startLocked(n *Node) error {
	if n.StartErr != nil {
		return n.StartErr
	}
	if !n.HasData {
		return errors.New("database files are missing")
	}
	n.Running = true
	if n.StandbyMarker {
		n.Role = types.RoleStandby
		if up := c.nodes[n.Upstream]; up != nil && up.Running && up.Role == types.RolePrimary {
			n.Received = up.Current
		}
	} else {
		n.Role = types.RolePrimary
	}
	return nil
}

// Connect implements channel.Query
func (c *Cluster) Connect(ctx context.Context, node *types.Node, timeout time.Duration) (channel.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(node.Name, "Connect", "")
	n, err := c.lookup(node.Name)
	if err != nil {
		return nil, err
	}
	if n.ConnectErr != nil {
		return nil, n.ConnectErr
	}
	if !n.Running {
		return nil, fmt.Errorf("dial %s:%d: connection refused", node.Host, node.Port)
	}
	return &session{cluster: c, name: node.Name}, nil
}

type session struct {
	cluster *Cluster
	name    string
}

func (s *session) node() (*Node, error) {
	n, err := s.cluster.lookup(s.name)
	if err != nil {
		return nil, err
	}
	if !n.Running {
		return nil, errors.New("server closed the connection unexpectedly")
	}
	if n.QueryErr != nil {
		return nil, n.QueryErr
	}
	return n, nil
}

func (s *session) IsStandby(ctx context.Context) (bool, error) {
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	n, err := s.node()
	if err != nil {
		return false, err
	}
	return n.Role == types.RoleStandby, nil
}

func (s *session) CurrentPosition(ctx context.Context) (types.Position, error) {
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	n, err := s.node()
	if err != nil {
		return 0, err
	}
	if n.Role != types.RolePrimary {
		return 0, errors.New("recovery is in progress")
	}
	return n.Current, nil
}

func (s *session) ReceivedPosition(ctx context.Context) (types.Position, error) {
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	n, err := s.node()
	if err != nil {
		return 0, err
	}
	if n.Role != types.RoleStandby {
		return 0, errors.New("server is not in recovery")
	}
	return n.Received, nil
}

func (s *session) Close(ctx context.Context) error {
	return nil
}

func failed(msg string) channel.ExecResult {
	return channel.ExecResult{ExitCode: 1, Stderr: msg}
}

// argAfter finds the value following flag, looking inside "sh -c" scripts too
func argAfter(args []string, flag string) string {
	fields := strings.Fields(strings.Join(args, " "))
	for i := 0; i < len(fields)-1; i++ {
		if fields[i] == flag {
			return strings.Trim(fields[i+1], "'\"")
		}
	}
	return ""
}
