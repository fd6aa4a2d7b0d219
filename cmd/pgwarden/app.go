package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/pgwarden/pkg/config"
	"github.com/cuemby/pgwarden/pkg/events"
	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/manager"
	"github.com/cuemby/pgwarden/pkg/metrics"
	"github.com/cuemby/pgwarden/pkg/pg"
	"github.com/cuemby/pgwarden/pkg/registry"
	"github.com/cuemby/pgwarden/pkg/runtime"
	"github.com/cuemby/pgwarden/pkg/storage"
	"go.uber.org/multierr"
)

// app holds everything a command needs and releases it on close
type app struct {
	cfg     *config.Config
	manager *manager.Manager
	runtime *runtime.ContainerdRuntime
	broker  *events.Broker
}

// newApp connects to containerd, opens the registry and wires the manager
func newApp(cfg *config.Config, broker *events.Broker) (*app, error) {
	logger := log.WithComponent("app")

	reg, err := openRegistry(cfg)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentRegistry, false, err.Error())
		return nil, err
	}
	if err := cfg.Seed(reg); err != nil {
		logger.Warn().Err(err).Msg("Some configured nodes or clusters could not be registered")
	}
	metrics.UpdateComponent(metrics.ComponentRegistry, true, fmt.Sprintf("%d nodes", reg.Len()))

	rt, err := runtime.NewContainerdRuntime(cfg.Containerd.Socket, cfg.Containerd.Namespace)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentControl, false, err.Error())
		return nil, multierr.Combine(err, reg.Close())
	}
	metrics.UpdateComponent(metrics.ComponentControl, true, "connected to "+cfg.Containerd.Socket)

	mgr, err := manager.NewManager(manager.Config{
		Registry:           reg,
		Control:            rt,
		Query:              pg.NewDialer(cfg.Postgres.Credentials),
		Broker:             broker,
		Layout:             cfg.Layout(),
		Credentials:        cfg.Postgres.Credentials,
		ConnectTimeout:     cfg.Postgres.ConnectTimeout,
		ProbeParallelism:   cfg.Postgres.Parallelism,
		FailoverTimeouts:   cfg.FailoverTimeouts(),
		RebuildTimeouts:    cfg.RebuildTimeouts(),
		RebuildParallelism: cfg.Timeouts.Rebuilds,
		OperationTimeout:   cfg.Timeouts.Operation,
	})
	if err != nil {
		return nil, multierr.Combine(err, rt.Close(), reg.Close())
	}

	return &app{cfg: cfg, manager: mgr, runtime: rt, broker: broker}, nil
}

func openRegistry(cfg *config.Config) (*registry.Registry, error) {
	if cfg.StateDir == "" {
		return registry.New(), nil
	}

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store %s: %w", filepath.Join(cfg.StateDir, storage.DBFile), err)
	}
	reg, err := registry.Load(store)
	if err != nil {
		return nil, multierr.Combine(err, store.Close())
	}
	return reg, nil
}

// persistent reports whether registry changes outlive this process
func (a *app) persistent() bool {
	return a.cfg.StateDir != ""
}

func (a *app) close() error {
	return multierr.Combine(a.manager.Close(), a.runtime.Close())
}
