package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/storage"
	"github.com/cuemby/pgwarden/pkg/types"
	"go.uber.org/multierr"
)

var (
	ErrNodeExists       = errors.New("node already exists")
	ErrNodeNotFound     = errors.New("node not found")
	ErrInvalidNode      = errors.New("invalid node")
	ErrInvalidCluster   = errors.New("invalid cluster")
	ErrClusterExists    = errors.New("cluster already exists")
	ErrClusterNotFound  = errors.New("cluster not found")
	ErrAlreadyAttached  = errors.New("node is already attached to a cluster")
	ErrNotAttached      = errors.New("node is not attached to this cluster")
	ErrPersistenceFault = errors.New("failed to persist registry change")
)

// DefaultPort is used for nodes registered without a port
const DefaultPort = 5432

// Registry is the authoritative in-memory list of nodes and cluster groups.
// A single writer lock guards it; every read returns copies, so callers see
// a consistent snapshot that later changes never touch.
type Registry struct {
	mu       sync.RWMutex
	nodes    []*types.Node
	clusters []*types.Cluster
	store    storage.Store
	now      func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithStore writes every change through to store
func WithStore(store storage.Store) Option {
	return func(r *Registry) { r.store = store }
}

// WithClock overrides the time source used for creation timestamps and IDs
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load creates a registry from the records in store and keeps writing
// through to it
func Load(store storage.Store, opts ...Option) (*Registry, error) {
	r := New(append(opts, WithStore(store))...)

	nodes, err := store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}
	clusters, err := store.ListClusters()
	if err != nil {
		return nil, fmt.Errorf("failed to load clusters: %w", err)
	}

	r.nodes = nodes
	r.clusters = clusters

	logger := log.WithComponent("registry")
	logger.Info().
		Int("nodes", len(nodes)).
		Int("clusters", len(clusters)).
		Msg("Registry loaded from state store")

	return r, nil
}

// Register adds node. Container defaults to postgres-<name>, Host to the
// container name and Port to 5432.
func (r *Registry) Register(node *types.Node) (*types.Node, error) {
	if node == nil || node.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidNode)
	}
	if !node.Kind.Valid() {
		return nil, fmt.Errorf("%w: kind must be %q or %q, got %q",
			ErrInvalidNode, types.NodeKindBackup, types.NodeKindReplica, node.Kind)
	}

	n := node.Clone()
	if n.Container == "" {
		n.Container = "postgres-" + n.Name
	}
	if n.Host == "" {
		n.Host = n.Container
	}
	if n.Port == 0 {
		n.Port = DefaultPort
	}
	n.Cluster = ""
	n.CreatedAt = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findNode(n.Name) >= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, n.Name)
	}
	if err := r.persist(func(s storage.Store) error { return s.SaveNode(n) }); err != nil {
		return nil, err
	}
	r.nodes = append(r.nodes, n)

	logger := log.WithComponent("registry")
	logger.Info().
		Str("node", n.Name).
		Str("kind", string(n.Kind)).
		Str("host", n.Host).
		Int("port", n.Port).
		Msg("Node registered")

	return n.Clone(), nil
}

// Deregister removes the node with the given name and drops it from its
// cluster. Callers are responsible for refusing to remove a primary.
func (r *Registry) Deregister(name string) (*types.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.findNode(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	node := r.nodes[i]

	var cluster *types.Cluster
	if node.Cluster != "" {
		if ci := r.findCluster(node.Cluster); ci >= 0 {
			cluster = r.clusters[ci].Clone()
			cluster.Nodes = without(cluster.Nodes, name)
		}
	}

	err := r.persist(func(s storage.Store) error {
		if cluster != nil {
			if err := s.SaveCluster(cluster); err != nil {
				return err
			}
		}
		return s.DeleteNode(name)
	})
	if err != nil {
		return nil, err
	}

	if cluster != nil {
		r.clusters[r.findCluster(cluster.Name)] = cluster
	}
	r.nodes = append(r.nodes[:i:i], r.nodes[i+1:]...)

	logger := log.WithComponent("registry")
	logger.Info().Str("node", name).Msg("Node deregistered")

	return node.Clone(), nil
}

// Get returns a copy of the named node
func (r *Registry) Get(name string) (*types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.findNode(name); i >= 0 {
		return r.nodes[i].Clone(), true
	}
	return nil, false
}

// Lookup finds a node by name first, then by address or container name
func (r *Registry) Lookup(identifier string) (*types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.findNode(identifier); i >= 0 {
		return r.nodes[i].Clone(), true
	}
	for _, n := range r.nodes {
		if n.Matches(identifier) {
			return n.Clone(), true
		}
	}
	return nil, false
}

// Nodes returns a snapshot of all nodes in registration order
func (r *Registry) Nodes() []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Node, len(r.nodes))
	for i, n := range r.nodes {
		out[i] = n.Clone()
	}
	return out
}

// Len returns the number of registered nodes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// SetKind changes the declared kind of a node
func (r *Registry) SetKind(name string, kind types.NodeKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidNode, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.findNode(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	n := r.nodes[i].Clone()
	n.Kind = kind
	if err := r.persist(func(s storage.Store) error { return s.SaveNode(n) }); err != nil {
		return err
	}
	r.nodes[i] = n
	return nil
}

// CreateCluster adds an empty cluster group. IDs take the form
// cluster_<unix-millis>, bumped if two clusters are created in the same
// millisecond.
func (r *Registry) CreateCluster(name, description string) (*types.Cluster, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidCluster)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findCluster(name) >= 0 {
		return nil, fmt.Errorf("%w: %s", ErrClusterExists, name)
	}

	now := r.now()
	millis := now.UnixMilli()
	for r.clusterIDTaken(millis) {
		millis++
	}

	c := &types.Cluster{
		ID:          fmt.Sprintf("cluster_%d", millis),
		Name:        name,
		Description: description,
		Nodes:       []string{},
		CreatedAt:   now,
	}
	if err := r.persist(func(s storage.Store) error { return s.SaveCluster(c) }); err != nil {
		return nil, err
	}
	r.clusters = append(r.clusters, c)

	logger := log.WithCluster(name)
	logger.Info().Str("id", c.ID).Msg("Cluster created")

	return c.Clone(), nil
}

// Cluster returns a copy of the named cluster
func (r *Registry) Cluster(name string) (*types.Cluster, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.findCluster(name); i >= 0 {
		return r.clusters[i].Clone(), true
	}
	return nil, false
}

// Clusters returns a snapshot of all clusters in creation order
func (r *Registry) Clusters() []*types.Cluster {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Cluster, len(r.clusters))
	for i, c := range r.clusters {
		out[i] = c.Clone()
	}
	return out
}

// Attach adds node to cluster. A node belongs to at most one cluster.
func (r *Registry) Attach(clusterName, nodeName string) (*types.Cluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ci := r.findCluster(clusterName)
	if ci < 0 {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, clusterName)
	}
	ni := r.findNode(nodeName)
	if ni < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeName)
	}
	if current := r.nodes[ni].Cluster; current != "" {
		return nil, fmt.Errorf("%w: %s is in %s", ErrAlreadyAttached, nodeName, current)
	}

	node := r.nodes[ni].Clone()
	node.Cluster = clusterName
	cluster := r.clusters[ci].Clone()
	cluster.Nodes = append(cluster.Nodes, nodeName)

	if err := r.persistLink(node, cluster); err != nil {
		return nil, err
	}
	r.nodes[ni] = node
	r.clusters[ci] = cluster

	logger := log.WithCluster(clusterName)
	logger.Info().Str("node", nodeName).Msg("Node attached to cluster")

	return cluster.Clone(), nil
}

// Detach removes node from cluster. Only the membership link is cleared.
func (r *Registry) Detach(clusterName, nodeName string) (*types.Cluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ci := r.findCluster(clusterName)
	if ci < 0 {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, clusterName)
	}
	ni := r.findNode(nodeName)
	if ni < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeName)
	}
	if current := r.nodes[ni].Cluster; current != clusterName {
		if current == "" {
			return nil, fmt.Errorf("%w: %s is not in any cluster", ErrNotAttached, nodeName)
		}
		return nil, fmt.Errorf("%w: %s is in %s", ErrNotAttached, nodeName, current)
	}

	node := r.nodes[ni].Clone()
	node.Cluster = ""
	cluster := r.clusters[ci].Clone()
	cluster.Nodes = without(cluster.Nodes, nodeName)

	if err := r.persistLink(node, cluster); err != nil {
		return nil, err
	}
	r.nodes[ni] = node
	r.clusters[ci] = cluster

	logger := log.WithCluster(clusterName)
	logger.Info().Str("node", nodeName).Msg("Node detached from cluster")

	return cluster.Clone(), nil
}

// Close releases the backing store, if any
func (r *Registry) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *Registry) persistLink(node *types.Node, cluster *types.Cluster) error {
	return r.persist(func(s storage.Store) error {
		return multierr.Combine(s.SaveNode(node), s.SaveCluster(cluster))
	})
}

// persist runs fn against the store; callers hold the write lock and apply
// the in-memory change only when it succeeds
func (r *Registry) persist(fn func(storage.Store) error) error {
	if r.store == nil {
		return nil
	}
	if err := fn(r.store); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFault, err)
	}
	return nil
}

func (r *Registry) findNode(name string) int {
	for i, n := range r.nodes {
		if n.Name == name {
			return i
		}
	}
	return -1
}

func (r *Registry) findCluster(name string) int {
	for i, c := range r.clusters {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (r *Registry) clusterIDTaken(millis int64) bool {
	id := fmt.Sprintf("cluster_%d", millis)
	for _, c := range r.clusters {
		if c.ID == id {
			return true
		}
	}
	return false
}

func without(names []string, name string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
