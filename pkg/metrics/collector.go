package metrics

import (
	"context"
	"time"

	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/types"
)

// DefaultCollectInterval is how often gauges are refreshed
const DefaultCollectInterval = 15 * time.Second

// Source provides the data the collector turns into gauges
type Source interface {
	Overview(ctx context.Context) (*types.Overview, error)
	ListClusters() []*types.Cluster
}

// Collector refreshes topology gauges from periodic overviews
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.doneCh)
		defer ticker.Stop()

		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector and waits for the loop to exit
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	overview, err := c.source.Overview(ctx)
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("Failed to collect overview")
		return
	}
	Record(overview)
	ClustersTotal.Set(float64(len(c.source.ListClusters())))
}

// Record sets the topology gauges from overview. Per-node series are reset
// so deregistered nodes disappear.
func Record(overview *types.Overview) {
	NodesTotal.Reset()
	NodeUp.Reset()
	NodeIsPrimary.Reset()
	ReplicationLagBytes.Reset()
	TopologyAnomalies.Reset()

	counts := make(map[types.Role]map[types.Connectivity]int)
	for _, n := range overview.Nodes {
		st := n.Status
		if counts[st.Role] == nil {
			counts[st.Role] = make(map[types.Connectivity]int)
		}
		counts[st.Role][st.Connectivity]++

		NodeUp.WithLabelValues(n.Node.Name, string(n.Node.Kind)).Set(boolGauge(st.Reachable()))
		NodeIsPrimary.WithLabelValues(n.Node.Name).Set(boolGauge(st.IsPrimary()))
		if n.Lag != nil {
			ReplicationLagBytes.WithLabelValues(n.Node.Name).Set(float64(n.Lag.GapBytes))
		}
	}

	for role, byConn := range counts {
		for conn, count := range byConn {
			NodesTotal.WithLabelValues(string(role), string(conn)).Set(float64(count))
		}
	}

	for _, a := range overview.Anomalies {
		TopologyAnomalies.WithLabelValues(string(a.Type)).Inc()
	}

	if overview.Health == types.TopologyHealthy {
		UpdateComponent(ComponentTopology, true, "primary is "+overview.Primary)
	} else {
		MarkDegraded(ComponentTopology, string(overview.Health))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
