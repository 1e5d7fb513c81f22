package cli

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/docstore/internal/handler"
	"github.com/devrev/pairdb/docstore/internal/health"
	"github.com/devrev/pairdb/docstore/internal/server"
	"github.com/devrev/pairdb/docstore/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewServeCommand creates the serve command
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a replica",
		Long: `Run a database replica: accept incoming replication streams over gRPC,
resolve conflicts in the background, gossip configuration changes with the
other replicas and expose Prometheus metrics.

Example:
  docstore serve --config ./config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("database_id", cfg.Server.DatabaseID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n, err := openNode(cfg, reg, logger)
	if err != nil {
		return err
	}
	defer n.close(cfg.Server.ShutdownTimeout)

	checker := health.NewChecker(logger)
	checker.Register("disk", health.DiskCheck(n.disk, cfg.Storage.ThrottleThreshold))
	checker.Register("merger", health.MergerCheck(n.merger, cfg.Merger.QueueSize/2))
	checker.Register("background", health.PoolCheck(n.pool, 80))

	grpcServer := grpc.NewServer()
	handler.NewReplicationHandler(n.session, logger).Register(grpcServer)
	healthSrv := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var gossip *service.ConfigGossip
	if cfg.Gossip.Enabled {
		revisions := cfg.Revisions
		gossip = service.NewConfigGossip(service.GossipConfig{
			NodeName:       cfg.Server.NodeID,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			PingTimeout:    cfg.Gossip.PingTimeout,
			PingInterval:   cfg.Gossip.PingInterval,
			JoinRetries:    cfg.Gossip.JoinRetries,
		}, n.session, service.ClusterConfiguration{
			Revisions:       &revisions,
			Scripts:         cfg.Resolution.Scripts,
			ResolveToLatest: cfg.Resolution.ResolveToLatest,
		}, n.metrics, logger)
		if err := gossip.Start(ctx); err != nil {
			return err
		}
	}

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, reg, n.metrics, checker, n.disk, logger)
		g.Go(metricsServer.ListenAndServe)
	} else {
		g.Go(func() error {
			checker.Start(ctx, 15*time.Second)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("Document store starting",
			zap.String("node_id", cfg.Server.NodeID),
			zap.String("address", addr))
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		checkpointLoop(ctx, n, cfg.Storage.CheckpointInterval)
		return nil
	})

	// Conflicts left by a previous run are picked up right away
	n.session.Resolution().RequestPass()

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down gracefully...")
		healthSrv.Shutdown()

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(cfg.Server.ShutdownTimeout):
			logger.Warn("Graceful stop timed out, closing streams")
			grpcServer.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if metricsServer != nil {
			if err := metricsServer.Stop(shutdownCtx); err != nil {
				logger.Warn("Failed to stop metrics server", zap.Error(err))
			}
		}
		if gossip != nil {
			if err := gossip.Shutdown(time.Second); err != nil {
				logger.Warn("Failed to leave gossip cluster", zap.Error(err))
			}
		}
		if err := n.store.Checkpoint(shutdownCtx); err != nil {
			logger.Warn("Final checkpoint failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	logger.Info("Document store stopped")
	return nil
}

// checkpointLoop folds the commit log into a snapshot every interval
func checkpointLoop(ctx context.Context, n *node, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := n.store.Checkpoint(ctx); err != nil {
				n.logger.Error("Checkpoint failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
