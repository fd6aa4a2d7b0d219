package main

import (
	"context"

	"github.com/cuemby/pgwarden/pkg/client"
	"github.com/cuemby/pgwarden/pkg/failover"
	"github.com/cuemby/pgwarden/pkg/health"
	"github.com/cuemby/pgwarden/pkg/manager"
	"github.com/cuemby/pgwarden/pkg/types"
	"github.com/spf13/cobra"
)

// backend is what the one-shot commands act on: the running server by
// default, or an in-process Manager with --local
type backend interface {
	Overview(ctx context.Context) (*types.Overview, error)
	NodeStatus(ctx context.Context, identifier string) (*types.NodeOverview, error)
	Lag(ctx context.Context) (map[string]types.LagReading, error)
	Diagnose(ctx context.Context, identifier string) ([]health.Result, error)
	Promote(ctx context.Context, name string) (*failover.Result, error)
	Demote(ctx context.Context, name string) (*failover.Result, error)
	DemoteAll(ctx context.Context) (*failover.Result, error)
	RegisterHost(ctx context.Context, req manager.HostRequest) (*types.Node, error)
	DeregisterHost(ctx context.Context, identifier string) (*types.Node, error)
	CreateCluster(ctx context.Context, req manager.ClusterRequest) (*types.Cluster, error)
	ListClusters(ctx context.Context) ([]*types.Cluster, error)
	AttachNode(ctx context.Context, cluster, node string) (*types.Cluster, error)
	DetachNode(ctx context.Context, cluster, node string) (*types.Cluster, error)
}

var (
	_ backend = (*client.Client)(nil)
	_ backend = localBackend{}
)

// localBackend adapts an in-process Manager to backend
type localBackend struct {
	*manager.Manager
}

func (l localBackend) Lag(ctx context.Context) (map[string]types.LagReading, error) {
	return l.Manager.Lag(ctx), nil
}

func (l localBackend) ListClusters(context.Context) ([]*types.Cluster, error) {
	return l.Manager.ListClusters(), nil
}

func (l localBackend) AttachNode(_ context.Context, cluster, node string) (*types.Cluster, error) {
	return l.Manager.AttachNode(cluster, node)
}

func (l localBackend) DetachNode(_ context.Context, cluster, node string) (*types.Cluster, error) {
	return l.Manager.DetachNode(cluster, node)
}

// withBackend runs fn against the server named by --server, or by the
// configured API address. With --local it builds its own Manager instead,
// which does not share leases with a running server. mutates marks
// registry changes, which an in-memory local registry loses on exit.
func withBackend(cmd *cobra.Command, mutates bool, fn func(ctx context.Context, b backend) error) error {
	if local, _ := cmd.Flags().GetBool("local"); local {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if mutates {
				warnEphemeral(a)
			}
			return fn(ctx, localBackend{a.manager})
		})
	}

	addr, _ := cmd.Flags().GetString("server")
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr = cfg.API.Addr
	}
	c, err := client.NewClient(addr)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), c)
}
