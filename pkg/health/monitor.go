package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/pgwarden/pkg/events"
	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/probe"
	"github.com/cuemby/pgwarden/pkg/types"
)

// NodeSource lists the nodes to monitor
type NodeSource interface {
	Nodes() []*types.Node
}

// Monitor inspects the topology periodically. It publishes node.down once a
// node fails Retries consecutive rounds, node.up when it answers again, and
// topology.anomaly when an anomaly first appears.
type Monitor struct {
	source  NodeSource
	locator *probe.Locator
	broker  *events.Broker
	config  Config

	mu        sync.RWMutex
	statuses  map[string]*Status
	anomalies map[string]bool
	last      *probe.Topology

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor. broker may be nil.
func NewMonitor(source NodeSource, locator *probe.Locator, broker *events.Broker, config Config) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}
	return &Monitor{
		source:    source,
		locator:   locator,
		broker:    broker,
		config:    config,
		statuses:  make(map[string]*Status),
		anomalies: make(map[string]bool),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins monitoring in the background
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop stops monitoring and waits for the current round to finish
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check runs one monitoring round and returns the observed topology
func (m *Monitor) Check(ctx context.Context) *probe.Topology {
	logger := log.WithComponent("health")

	nodes := m.source.Nodes()
	topo := m.locator.Inspect(ctx, nodes)
	if ctx.Err() != nil {
		// a canceled round says nothing about the nodes
		return topo
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(nodes))
	for _, status := range topo.Statuses {
		seen[status.Name] = true
		st, ok := m.statuses[status.Name]
		if !ok {
			st = NewStatus()
			m.statuses[status.Name] = st
		}

		if !st.Update(FromStatus(status, status.CheckedAt), m.config) {
			continue
		}
		if st.Healthy {
			logger.Info().Str("node", status.Name).Str("role", string(status.Role)).Msg("Node is up")
			m.publish(events.EventNodeUp, fmt.Sprintf("node %s is reachable again", status.Name), status.Name)
		} else {
			logger.Warn().
				Str("node", status.Name).
				Int("failures", st.ConsecutiveFailures).
				Str("error", status.Error).
				Msg("Node is down")
			m.publish(events.EventNodeDown, fmt.Sprintf("node %s is unreachable: %s", status.Name, status.Error), status.Name)
		}
	}
	for name := range m.statuses {
		if !seen[name] {
			delete(m.statuses, name)
		}
	}

	current := make(map[string]bool, len(topo.Anomalies))
	for _, a := range topo.Anomalies {
		key := string(a.Type) + ":" + strings.Join(a.Nodes, ",")
		current[key] = true
		if m.anomalies[key] {
			continue
		}
		logger.Error().Str("type", string(a.Type)).Strs("nodes", a.Nodes).Msg(a.Message)
		m.publish(events.EventTopologyAnomaly, a.Message, strings.Join(a.Nodes, ","))
	}
	m.anomalies = current
	m.last = topo

	return topo
}

// Status returns a copy of the tracked status of node
func (m *Monitor) Status(node string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[node]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Down lists the nodes currently considered down
func (m *Monitor) Down() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, st := range m.statuses {
		if !st.Healthy {
			out = append(out, name)
		}
	}
	return out
}

// Last returns the topology seen by the latest completed round, or nil
func (m *Monitor) Last() *probe.Topology {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) publish(t events.EventType, msg, nodes string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:     t,
		Message:  msg,
		Metadata: map[string]string{"nodes": nodes},
	})
}
