package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/pgwarden/pkg/channel"
	"github.com/cuemby/pgwarden/pkg/events"
	"github.com/cuemby/pgwarden/pkg/failover"
	"github.com/cuemby/pgwarden/pkg/health"
	"github.com/cuemby/pgwarden/pkg/lag"
	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/pg"
	"github.com/cuemby/pgwarden/pkg/probe"
	"github.com/cuemby/pgwarden/pkg/rebuild"
	"github.com/cuemby/pgwarden/pkg/registry"
	"github.com/cuemby/pgwarden/pkg/types"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrNodeIsPrimary is returned when deregistering a node that accepts writes
	ErrNodeIsPrimary = errors.New("node is the current primary")

	// ErrInvalidRequest wraps request validation failures
	ErrInvalidRequest = errors.New("invalid request")
)

// validate is a singleton validator instance
var validate = validator.New()

// HostRequest registers a node
type HostRequest struct {
	Name      string `json:"name" validate:"required,hostname_rfc1123"`
	Container string `json:"container" validate:"omitempty,max=128"`
	Host      string `json:"host" validate:"omitempty,hostname_rfc1123|ip"`
	Address   string `json:"address" validate:"omitempty,ip"`
	Port      int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Kind      string `json:"kind" validate:"required,oneof=backup replica"`
}

// ClusterRequest creates a cluster
type ClusterRequest struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=256"`
}

// Config holds the collaborators of a Manager
type Config struct {
	Registry *registry.Registry
	Control  channel.Control
	Query    channel.Query
	Broker   *events.Broker

	Layout             pg.Layout
	Credentials        pg.Credentials
	ConnectTimeout     time.Duration
	ProbeParallelism   int
	FailoverTimeouts   failover.Timeouts
	RebuildTimeouts    rebuild.Timeouts
	RebuildParallelism int

	// OperationTimeout bounds a promotion or demotion once it has started
	OperationTimeout time.Duration
}

// DefaultOperationTimeout bounds a whole promotion or demotion. It leaves
// room for the base backups of the standby rebuilds.
const DefaultOperationTimeout = 20 * time.Minute

// Manager is the administrative facade over the registry, the probes and
// the orchestrator. Every method maps to exactly one underlying operation.
type Manager struct {
	registry *registry.Registry
	control  channel.Control
	prober   *probe.Prober
	locator  *probe.Locator
	lag      *lag.Calculator
	orch     *failover.Orchestrator
	layout   pg.Layout
	broker   *events.Broker

	opTimeout time.Duration
}

// NewManager wires a Manager from cfg
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Registry == nil || cfg.Control == nil || cfg.Query == nil {
		return nil, errors.New("manager requires a registry, a control channel and a query channel")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = probe.DefaultConnectTimeout
	}
	if cfg.FailoverTimeouts == (failover.Timeouts{}) {
		cfg.FailoverTimeouts = failover.DefaultTimeouts()
	}
	if cfg.RebuildTimeouts == (rebuild.Timeouts{}) {
		cfg.RebuildTimeouts = rebuild.DefaultTimeouts()
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}

	prober := probe.NewProber(cfg.Control, cfg.Query,
		probe.WithConnectTimeout(cfg.ConnectTimeout),
		probe.WithParallelism(cfg.ProbeParallelism),
	)
	locator := probe.NewLocator(prober)
	rebuilder := rebuild.NewRebuilder(cfg.Control, prober, cfg.Layout, cfg.Credentials, cfg.RebuildTimeouts)
	orch := failover.New(cfg.Registry, cfg.Control, prober, rebuilder,
		failover.WithLayout(cfg.Layout),
		failover.WithTimeouts(cfg.FailoverTimeouts),
		failover.WithBroker(cfg.Broker),
		failover.WithRebuildParallelism(cfg.RebuildParallelism),
	)

	return &Manager{
		registry: cfg.Registry,
		control:  cfg.Control,
		prober:   prober,
		locator:  locator,
		lag:      lag.NewCalculator(locator, cfg.Query, cfg.ConnectTimeout),
		orch:     orch,
		layout:   cfg.Layout,
		broker:   cfg.Broker,

		opTimeout: cfg.OperationTimeout,
	}, nil
}

// Registry returns the node registry
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Locator returns the primary locator shared by the manager's operations
func (m *Manager) Locator() *probe.Locator {
	return m.locator
}

// Overview probes every node once and reports roles, lag and anomalies.
// Unreachable nodes are reported in place, never as an error.
func (m *Manager) Overview(ctx context.Context) (*types.Overview, error) {
	nodes := m.registry.Nodes()
	topo := m.locator.Inspect(ctx, nodes)
	readings := m.lag.ComputeFrom(ctx, topo)

	ov := &types.Overview{
		Timestamp: time.Now(),
		Health:    topo.Health(),
		Nodes:     make([]*types.NodeOverview, 0, len(nodes)),
		Anomalies: topo.Anomalies,
	}
	if primary, ok := topo.Primary(); ok {
		ov.Primary = primary
	}
	for i, n := range nodes {
		entry := &types.NodeOverview{Node: n, Status: topo.Statuses[i]}
		if r, ok := readings[n.Name]; ok {
			entry.Lag = &r
		}
		ov.Nodes = append(ov.Nodes, entry)
	}
	return ov, ctx.Err()
}

// NodeStatus probes a single node, found by name, address or container
func (m *Manager) NodeStatus(ctx context.Context, identifier string) (*types.NodeOverview, error) {
	node, ok := m.registry.Lookup(identifier)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNodeNotFound, identifier)
	}
	return &types.NodeOverview{Node: node, Status: m.prober.Probe(ctx, node)}, nil
}

// Lag computes the replication lag of every node
func (m *Manager) Lag(ctx context.Context) map[string]types.LagReading {
	return m.lag.ComputeLag(ctx, m.registry.Nodes())
}

// Diagnose runs port, readiness and query checks against one node
func (m *Manager) Diagnose(ctx context.Context, identifier string) ([]health.Result, error) {
	node, ok := m.registry.Lookup(identifier)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNodeNotFound, identifier)
	}
	return health.Diagnose(ctx,
		health.NewTCPChecker(node),
		health.NewExecChecker(m.control, m.layout, node),
		health.NewQueryChecker(m.prober, node),
	), nil
}

// Promote makes the named node the primary
func (m *Manager) Promote(ctx context.Context, name string) (*failover.Result, error) {
	ctx, cancel := m.operationContext(ctx)
	defer cancel()
	return m.orch.Promote(ctx, name)
}

// Demote turns the named primary into a standby
func (m *Manager) Demote(ctx context.Context, name string) (*failover.Result, error) {
	ctx, cancel := m.operationContext(ctx)
	defer cancel()
	return m.orch.Demote(ctx, name)
}

// DemoteAll turns every node into a standby
func (m *Manager) DemoteAll(ctx context.Context) (*failover.Result, error) {
	ctx, cancel := m.operationContext(ctx)
	defer cancel()
	return m.orch.DemoteAll(ctx)
}

// OperationTimeout is the longest a promotion or demotion may run
func (m *Manager) OperationTimeout() time.Duration {
	return m.opTimeout
}

// operationContext detaches a state machine from its caller. Stopping one
// halfway can leave no primary, so only OperationTimeout ends it early.
func (m *Manager) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.opTimeout)
}

// InFlight lists the lease keys of running operations
func (m *Manager) InFlight() []string {
	return m.orch.InFlight()
}

// RegisterHost validates req and registers the node
func (m *Manager) RegisterHost(ctx context.Context, req HostRequest) (*types.Node, error) {
	if err := validate.StructCtx(ctx, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	node, err := m.registry.Register(&types.Node{
		Name:      req.Name,
		Container: req.Container,
		Host:      req.Host,
		Address:   req.Address,
		Port:      req.Port,
		Kind:      types.NodeKind(req.Kind),
	})
	if err != nil {
		return nil, err
	}

	m.publish(events.EventNodeRegistered, fmt.Sprintf("node %s registered as %s", node.Name, node.Kind), node.Name, node.Cluster)
	return node, nil
}

// DeregisterHost removes the node found by name, address or container. A
// node observed as primary is refused, and so is any removal while a
// promotion or demotion is running.
func (m *Manager) DeregisterHost(ctx context.Context, identifier string) (*types.Node, error) {
	node, ok := m.registry.Lookup(identifier)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNodeNotFound, identifier)
	}

	release, err := m.orch.Reserve("deregister " + node.Name)
	if err != nil {
		return nil, err
	}
	defer release()

	if status := m.prober.Probe(ctx, node); status.IsPrimary() {
		return nil, fmt.Errorf("%w: %s must be demoted before it is removed", ErrNodeIsPrimary, node.Name)
	}

	removed, err := m.registry.Deregister(node.Name)
	if err != nil {
		return nil, err
	}

	m.publish(events.EventNodeDeregistered, fmt.Sprintf("node %s deregistered", removed.Name), removed.Name, removed.Cluster)
	return removed, nil
}

// CreateCluster validates req and creates the cluster
func (m *Manager) CreateCluster(ctx context.Context, req ClusterRequest) (*types.Cluster, error) {
	if err := validate.StructCtx(ctx, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	cluster, err := m.registry.CreateCluster(req.Name, req.Description)
	if err != nil {
		return nil, err
	}

	m.publish(events.EventClusterCreated, fmt.Sprintf("cluster %s created", cluster.Name), "", cluster.Name)
	return cluster, nil
}

// ListClusters returns every cluster in creation order
func (m *Manager) ListClusters() []*types.Cluster {
	return m.registry.Clusters()
}

// AttachNode adds a node to a cluster
func (m *Manager) AttachNode(cluster, node string) (*types.Cluster, error) {
	c, err := m.registry.Attach(cluster, node)
	if err != nil {
		return nil, err
	}
	m.publish(events.EventClusterNodeAttached, fmt.Sprintf("node %s attached to %s", node, cluster), node, cluster)
	return c, nil
}

// DetachNode removes a node from a cluster
func (m *Manager) DetachNode(cluster, node string) (*types.Cluster, error) {
	c, err := m.registry.Detach(cluster, node)
	if err != nil {
		return nil, err
	}
	m.publish(events.EventClusterNodeDetached, fmt.Sprintf("node %s detached from %s", node, cluster), node, cluster)
	return c, nil
}

// Close releases the registry's state store
func (m *Manager) Close() error {
	return m.registry.Close()
}

func (m *Manager) publish(t events.EventType, msg, node, cluster string) {
	logger := log.WithComponent("manager")
	logger.Debug().Str("event", string(t)).Msg(msg)

	if m.broker == nil {
		return
	}
	meta := map[string]string{}
	if node != "" {
		meta["node"] = node
	}
	if cluster != "" {
		meta["cluster"] = cluster
	}
	m.broker.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
}
