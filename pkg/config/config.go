package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/pgwarden/pkg/failover"
	"github.com/cuemby/pgwarden/pkg/manager"
	"github.com/cuemby/pgwarden/pkg/pg"
	"github.com/cuemby/pgwarden/pkg/rebuild"
	"github.com/cuemby/pgwarden/pkg/types"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is a singleton validator instance
var validate = validator.New()

// Environment variables that override the database credentials
const (
	EnvDBUser     = "DB_USER"
	EnvDBPassword = "DB_PASSWORD"
	EnvDBName     = "DB_NAME"
)

// Config is the pgwarden configuration file
type Config struct {
	API        APIConfig        `yaml:"api"`
	StateDir   string           `yaml:"state_dir"`
	Logging    LoggingConfig    `yaml:"logging"`
	Containerd ContainerdConfig `yaml:"containerd"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Nodes      []NodeConfig     `yaml:"nodes" validate:"dive"`
	Clusters   []ClusterConfig  `yaml:"clusters" validate:"dive"`
}

type APIConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	GRPCAddr string `yaml:"grpc_addr"` // empty disables the gRPC health service
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
}

type ContainerdConfig struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
}

// PostgresConfig describes how every node's server is laid out and reached
type PostgresConfig struct {
	DataDir        string         `yaml:"data_dir" validate:"required,startswith=/"`
	BinDir         string         `yaml:"bin_dir" validate:"omitempty,startswith=/"`
	OSUser         string         `yaml:"os_user" validate:"required"`
	Credentials    pg.Credentials `yaml:"credentials"`
	ConnectTimeout time.Duration  `yaml:"connect_timeout" validate:"gt=0"`
	Parallelism    int            `yaml:"probe_parallelism" validate:"gte=0"`
}

// TimeoutsConfig bounds every Control Channel call and settle delay
type TimeoutsConfig struct {
	Exec           time.Duration `yaml:"exec" validate:"gt=0"`
	Restart        time.Duration `yaml:"restart" validate:"gt=0"`
	Stop           time.Duration `yaml:"stop" validate:"gt=0"`
	Start          time.Duration `yaml:"start" validate:"gt=0"`
	BaseBackup     time.Duration `yaml:"base_backup" validate:"gt=0"`
	Settle         time.Duration `yaml:"settle" validate:"gte=0"`
	Verify         time.Duration `yaml:"verify" validate:"gt=0"`
	VerifyInterval time.Duration `yaml:"verify_interval" validate:"gt=0"`
	VerifyAttempts int           `yaml:"verify_attempts" validate:"gte=1"`
	Rebuilds       int           `yaml:"rebuild_parallelism" validate:"gte=1"`
	Operation      time.Duration `yaml:"operation" validate:"gt=0"` // whole promotion or demotion
}

// MonitorConfig controls background health monitoring
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	Retries  int           `yaml:"retries" validate:"gte=1"`
}

// NodeConfig is a node registered at startup
type NodeConfig struct {
	Name      string `yaml:"name" validate:"required,hostname_rfc1123"`
	Container string `yaml:"container"`
	Host      string `yaml:"host" validate:"omitempty,hostname_rfc1123|ip"`
	Address   string `yaml:"address"`
	Port      int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Kind      string `yaml:"kind" validate:"required,oneof=backup replica"`
}

// ClusterConfig is a cluster created at startup
type ClusterConfig struct {
	Name        string   `yaml:"name" validate:"required"`
	Description string   `yaml:"description"`
	Nodes       []string `yaml:"nodes"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	ft := failover.DefaultTimeouts()
	rt := rebuild.DefaultTimeouts()
	return &Config{
		API: APIConfig{Addr: ":8080", GRPCAddr: ":9090"},
		Logging: LoggingConfig{
			Level: "info",
		},
		Containerd: ContainerdConfig{
			Socket:    "/run/containerd/containerd.sock",
			Namespace: "default",
		},
		Postgres: PostgresConfig{
			DataDir: pg.DefaultDataDir,
			OSUser:  pg.DefaultOSUser,
			Credentials: pg.Credentials{
				User:     "postgres",
				Database: "postgres",
				SSLMode:  "disable",
			},
			ConnectTimeout: pg.DefaultConnectTimeout,
		},
		Timeouts: TimeoutsConfig{
			Exec:           ft.Exec,
			Restart:        ft.Restart,
			Stop:           rt.Stop,
			Start:          rt.Start,
			BaseBackup:     rt.BaseBackup,
			Settle:         ft.Settle,
			Verify:         ft.Verify,
			VerifyInterval: ft.VerifyInterval,
			VerifyAttempts: ft.VerifyAttempts,
			Rebuilds:       failover.DefaultRebuildParallelism,
			Operation:      manager.DefaultOperationTimeout,
		},
		Monitor: MonitorConfig{
			Interval: 10 * time.Second,
			Retries:  3,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDBUser); v != "" {
		c.Postgres.Credentials.User = v
	}
	if v := os.Getenv(EnvDBPassword); v != "" {
		c.Postgres.Credentials.Password = v
	}
	if v := os.Getenv(EnvDBName); v != "" {
		c.Postgres.Credentials.Database = v
	}
}

// Validate checks field constraints and cross references between nodes and
// clusters
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	nodes := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if nodes[n.Name] {
			return fmt.Errorf("nodes: duplicate node %q", n.Name)
		}
		nodes[n.Name] = true
	}

	clusters := make(map[string]bool, len(c.Clusters))
	member := make(map[string]string)
	for _, cl := range c.Clusters {
		if clusters[cl.Name] {
			return fmt.Errorf("clusters: duplicate cluster %q", cl.Name)
		}
		clusters[cl.Name] = true

		for _, n := range cl.Nodes {
			if !nodes[n] {
				return fmt.Errorf("clusters: %s lists unknown node %q", cl.Name, n)
			}
			if other, ok := member[n]; ok {
				return fmt.Errorf("clusters: node %q is in both %s and %s", n, other, cl.Name)
			}
			member[n] = cl.Name
		}
	}
	return nil
}

// Layout returns the data directory layout of the nodes
func (c *Config) Layout() pg.Layout {
	return pg.Layout{
		DataDir: c.Postgres.DataDir,
		BinDir:  c.Postgres.BinDir,
		OSUser:  c.Postgres.OSUser,
	}
}

// FailoverTimeouts returns the orchestrator timeouts
func (c *Config) FailoverTimeouts() failover.Timeouts {
	return failover.Timeouts{
		Exec:           c.Timeouts.Exec,
		Restart:        c.Timeouts.Restart,
		Settle:         c.Timeouts.Settle,
		Verify:         c.Timeouts.Verify,
		VerifyInterval: c.Timeouts.VerifyInterval,
		VerifyAttempts: c.Timeouts.VerifyAttempts,
	}
}

// RebuildTimeouts returns the standby rebuild timeouts
func (c *Config) RebuildTimeouts() rebuild.Timeouts {
	return rebuild.Timeouts{
		Stop:       c.Timeouts.Stop,
		Exec:       c.Timeouts.Exec,
		BaseBackup: c.Timeouts.BaseBackup,
		Start:      c.Timeouts.Start,
		Settle:     c.Timeouts.Settle,
		Verify:     c.Timeouts.Verify,
	}
}

// Node converts a configured node into a registry node
func (n NodeConfig) Node() *types.Node {
	return &types.Node{
		Name:      n.Name,
		Container: n.Container,
		Host:      n.Host,
		Address:   n.Address,
		Port:      n.Port,
		Kind:      types.NodeKind(n.Kind),
	}
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	// Return the first validation error in a user-friendly format
	for _, e := range validationErrs {
		field := e.Namespace()
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min", "gte":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "gt":
			return fmt.Errorf("%s: must be greater than %s", field, param)
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, param)
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}
	return err
}
