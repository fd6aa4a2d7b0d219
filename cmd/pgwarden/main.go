package main

import (
	"fmt"
	"os"

	"github.com/cuemby/pgwarden/pkg/config"
	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pgwarden",
	Short: "pgwarden - PostgreSQL failover and topology orchestrator",
	Long: `pgwarden tracks which PostgreSQL node holds the primary role, moves
that role safely on request and rebuilds the other nodes as streaming
standbys of the new primary.

Nodes run as containerd containers. Replica nodes are never promoted.

Commands other than serve talk to the running server's HTTP API, so they
share its operation leases. --local runs them in process instead.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		asJSON, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{
			Level:      log.ParseLevel(level),
			JSONOutput: asJSON,
		})
		metrics.SetVersion(Version)
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pgwarden version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to the YAML configuration file")
	flags.String("state-dir", "", "Directory for the persisted registry (in-memory when empty)")
	flags.String("containerd-socket", "", "containerd socket path (overrides config)")
	flags.String("namespace", "", "containerd namespace of the node containers (overrides config)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.StringP("output", "o", "table", "Output format (table, json)")
	flags.String("server", "", "pgwarden server URL or host:port (defaults to the configured api.addr)")
	flags.Bool("local", false, "Run against containerd directly instead of the pgwarden server")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pgwarden version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// loadConfig reads --config and applies flag overrides. Flags win over the
// file only when set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		flag   string
		target *string
	}{
		{"state-dir", &cfg.StateDir},
		{"containerd-socket", &cfg.Containerd.Socket},
		{"namespace", &cfg.Containerd.Namespace},
		{"api-addr", &cfg.API.Addr},
		{"grpc-addr", &cfg.API.GRPCAddr},
	}
	for _, o := range overrides {
		if f := cmd.Flags().Lookup(o.flag); f != nil && f.Changed {
			*o.target = f.Value.String()
		}
	}
	if !cmd.Flags().Changed("log-level") || !cmd.Flags().Changed("log-json") {
		level, _ := cmd.Flags().GetString("log-level")
		if !cmd.Flags().Changed("log-level") && cfg.Logging.Level != "" {
			level = cfg.Logging.Level
		}
		asJSON, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{
			Level:      log.ParseLevel(level),
			JSONOutput: asJSON || cfg.Logging.JSON,
		})
	}

	return cfg, cfg.Validate()
}
