package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/manager"
	"github.com/spf13/cobra"
)

// Host commands
var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Manage registered nodes",
}

var hostAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := manager.HostRequest{Name: args[0]}
		req.Container, _ = cmd.Flags().GetString("container")
		req.Host, _ = cmd.Flags().GetString("host")
		req.Address, _ = cmd.Flags().GetString("address")
		req.Port, _ = cmd.Flags().GetInt("port")
		req.Kind, _ = cmd.Flags().GetString("kind")

		return withBackend(cmd, true, func(ctx context.Context, b backend) error {
			node, err := b.RegisterHost(ctx, req)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(node)
			}
			fmt.Printf("✓ Registered %s node %s (container %s, %s:%d)\n",
				node.Kind, node.Name, node.Container, node.Host, node.Port)
			return nil
		})
	},
}

var hostRemoveCmd = &cobra.Command{
	Use:     "remove <node>",
	Aliases: []string{"rm"},
	Short:   "Deregister a node",
	Long: `Remove a node from the registry. The current primary cannot be removed;
demote it or promote another node first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, true, func(ctx context.Context, b backend) error {
			node, err := b.DeregisterHost(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(node)
			}
			fmt.Printf("✓ Deregistered %s\n", node.Name)
			return nil
		})
	},
}

func init() {
	hostAddCmd.Flags().String("container", "", "Container reference (defaults to the name)")
	hostAddCmd.Flags().String("host", "", "Host name for SQL connections (defaults to the name)")
	hostAddCmd.Flags().String("address", "", "IP address for SQL connections")
	hostAddCmd.Flags().Int("port", 0, "PostgreSQL port (defaults to 5432)")
	hostAddCmd.Flags().String("kind", "backup", "Node kind (backup, replica)")

	hostCmd.AddCommand(hostAddCmd)
	hostCmd.AddCommand(hostRemoveCmd)
	rootCmd.AddCommand(hostCmd)
}

// Cluster commands
var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage clusters",
}

var clusterCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("description")
		return withBackend(cmd, true, func(ctx context.Context, b backend) error {
			cluster, err := b.CreateCluster(ctx, manager.ClusterRequest{Name: args[0], Description: desc})
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cluster)
			}
			fmt.Printf("✓ Created cluster %s (id %s)\n", cluster.Name, cluster.ID)
			return nil
		})
	},
}

var clusterListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List clusters",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, false, func(ctx context.Context, b backend) error {
			clusters, err := b.ListClusters(ctx)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(clusters)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tNAME\tNODES\tDESCRIPTION")
			for _, c := range clusters {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Name, dash(strings.Join(c.Nodes, ",")), c.Description)
			}
			return w.Flush()
		})
	},
}

var clusterAttachCmd = &cobra.Command{
	Use:   "attach <cluster> <node>",
	Short: "Attach a node to a cluster",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, true, func(ctx context.Context, b backend) error {
			cluster, err := b.AttachNode(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cluster)
			}
			fmt.Printf("✓ Attached %s to %s\n", args[1], cluster.Name)
			return nil
		})
	},
}

var clusterDetachCmd = &cobra.Command{
	Use:   "detach <cluster> <node>",
	Short: "Detach a node from a cluster",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, true, func(ctx context.Context, b backend) error {
			cluster, err := b.DetachNode(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cluster)
			}
			fmt.Printf("✓ Detached %s from %s\n", args[1], cluster.Name)
			return nil
		})
	},
}

func init() {
	clusterCreateCmd.Flags().String("description", "", "Cluster description")

	clusterCmd.AddCommand(clusterCreateCmd)
	clusterCmd.AddCommand(clusterListCmd)
	clusterCmd.AddCommand(clusterAttachCmd)
	clusterCmd.AddCommand(clusterDetachCmd)
	rootCmd.AddCommand(clusterCmd)
}

func warnEphemeral(a *app) {
	if a.persistent() {
		return
	}
	logger := log.WithComponent("cli")
	logger.Warn().Msg("No --state-dir: this change only lives until the command exits")
}
