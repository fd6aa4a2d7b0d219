package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [node]",
	Short: "Show the topology, or one node's status",
	Long: `Probe every registered node and report its role, reachability and
replication lag. With a node name, container reference or host, report only
that node.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, false, func(ctx context.Context, b backend) error {
			if len(args) == 1 {
				n, err := b.NodeStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(n)
				}
				printNodeOverview(n)
				return nil
			}

			ov, err := b.Overview(ctx)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(ov)
			}
			printOverview(ov)
			return nil
		})
	},
}

var lagCmd = &cobra.Command{
	Use:   "lag",
	Short: "Show replication lag of every node against the primary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, false, func(ctx context.Context, b backend) error {
			readings, err := b.Lag(ctx)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(readings)
			}
			printLag(readings)
			return nil
		})
	},
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose <node>",
	Short: "Run the query, exec and TCP checks against a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, false, func(ctx context.Context, b backend) error {
			results, err := b.Diagnose(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(results)
			}
			printDiagnosis(args[0], results)
			return nil
		})
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote <node>",
	Short: "Make a backup node the primary",
	Long: `Demote the current primary, promote the target, verify that it accepts
writes and rebuild every other node as a standby of it.

Only backup nodes can be promoted. Promoting the current primary is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, false, func(ctx context.Context, b backend) error {
			res, err := b.Promote(ctx, args[0])
			if res == nil {
				return err
			}
			return reportResult(cmd, res)
		})
	},
}

var demoteCmd = &cobra.Command{
	Use:   "demote <node>",
	Short: "Turn the primary node into a standby",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, false, func(ctx context.Context, b backend) error {
			res, err := b.Demote(ctx, args[0])
			if res == nil {
				return err
			}
			return reportResult(cmd, res)
		})
	},
}

var demoteAllCmd = &cobra.Command{
	Use:   "demote-all",
	Short: "Put every node into standby mode",
	Long: `Write the standby marker on every registered node and restart it. Nothing
accepts writes afterwards until a node is promoted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("demote-all leaves the topology without a primary; pass --yes to confirm")
		}
		return withBackend(cmd, false, func(ctx context.Context, b backend) error {
			res, err := b.DemoteAll(ctx)
			if res == nil {
				return err
			}
			return reportResult(cmd, res)
		})
	},
}

func init() {
	demoteAllCmd.Flags().Bool("yes", false, "Confirm that every node should be demoted")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(lagCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(demoteCmd)
	rootCmd.AddCommand(demoteAllCmd)
}
