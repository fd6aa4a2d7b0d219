package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/pgwarden/pkg/api"
	"github.com/cuemby/pgwarden/pkg/events"
	"github.com/cuemby/pgwarden/pkg/health"
	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/metrics"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pgwarden API server",
	Long: `Run pgwarden as a long-lived service.

The server exposes the administrative HTTP API, Prometheus metrics, process
health endpoints and a gRPC health service whose "pgwarden.Primary" status
is SERVING while a primary is located. A background monitor probes every
node and publishes node.down, node.up and topology.anomaly events.

pgwarden never fails over on its own. Promotions happen only on request.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("api-addr", "", "Address for the HTTP API (overrides config)")
	serveCmd.Flags().String("grpc-addr", "", "Address for the gRPC health service (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.WithComponent("serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go logEvents(sub)

	a, err := newApp(cfg, broker)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn().Err(err).Msg("Shutdown was not clean")
		}
	}()
	if !a.persistent() {
		logger.Warn().Msg("No --state-dir: hosts and clusters added at runtime are lost on restart")
	}

	monitor := health.NewMonitor(a.manager.Registry(), a.manager.Locator(), broker, health.Config{
		Interval: cfg.Monitor.Interval,
		Retries:  cfg.Monitor.Retries,
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	collector := metrics.NewCollector(a.manager, cfg.Monitor.Interval)
	collector.Start()
	defer collector.Stop()

	errCh := make(chan error, 2)

	httpServer := api.NewServer(a.manager)
	go func() {
		if err := httpServer.Start(cfg.API.Addr); err != nil {
			errCh <- fmt.Errorf("HTTP API: %w", err)
		}
	}()

	if cfg.API.GRPCAddr != "" {
		grpcServer := api.NewHealthServer(func(ctx context.Context) (string, bool) {
			if topo := monitor.Last(); topo != nil {
				return topo.Primary()
			}
			return a.manager.Locator().Locate(ctx, a.manager.Registry().Nodes())
		})
		go grpcServer.Watch(ctx, cfg.Monitor.Interval)
		go func() {
			if err := grpcServer.Start(cfg.API.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("gRPC health: %w", err)
			}
		}()
		defer grpcServer.Stop()
	}

	logger.Info().
		Str("api", cfg.API.Addr).
		Str("grpc", cfg.API.GRPCAddr).
		Int("nodes", a.manager.Registry().Len()).
		Msg("pgwarden is running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err = <-errCh:
		logger.Error().Err(err).Msg("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn().Err(serr).Msg("HTTP API did not shut down cleanly")
	}
	return err
}

// logEvents writes every published event to the log until sub is closed
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		e := logger.Info()
		if ev.Type == events.EventSafetyViolation || ev.Type == events.EventTopologyAnomaly {
			e = logger.Error()
		}
		e = e.Str("type", string(ev.Type))
		for k, v := range ev.Metadata {
			e = e.Str(k, v)
		}
		e.Msg(ev.Message)
	}
}
