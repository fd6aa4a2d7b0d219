package config

import (
	"fmt"

	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/registry"
	"go.uber.org/multierr"
)

// Seed registers the configured nodes and clusters that reg does not know
// yet. Entries already present, for example reloaded from the state store,
// are left untouched, so seeding on every start is safe.
func (c *Config) Seed(reg *registry.Registry) error {
	logger := log.WithComponent("config")
	var errs error
	added := 0

	for _, nc := range c.Nodes {
		if _, ok := reg.Get(nc.Name); ok {
			continue
		}
		if _, err := reg.Register(nc.Node()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("node %s: %w", nc.Name, err))
			continue
		}
		added++
	}

	for _, cc := range c.Clusters {
		if _, ok := reg.Cluster(cc.Name); !ok {
			if _, err := reg.CreateCluster(cc.Name, cc.Description); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("cluster %s: %w", cc.Name, err))
				continue
			}
		}
		for _, member := range cc.Nodes {
			node, ok := reg.Get(member)
			if !ok || node.Cluster == cc.Name {
				continue
			}
			if _, err := reg.Attach(cc.Name, member); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("cluster %s: %w", cc.Name, err))
			}
		}
	}

	logger.Info().
		Int("configured", len(c.Nodes)).
		Int("added", added).
		Int("registered", reg.Len()).
		Msg("Registry seeded from configuration")

	return errs
}
