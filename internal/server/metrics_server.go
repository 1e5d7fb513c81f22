package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/devrev/pairdb/docstore/internal/health"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/storage/diskmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves Prometheus metrics and health endpoints via HTTP
type MetricsServer struct {
	httpServer *http.Server
	metrics    *metrics.Metrics
	disk       *diskmanager.DiskManager
	checker    *health.Checker
	logger     *zap.Logger
	interval   time.Duration
	stopChan   chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port int
	Path string
	// CollectInterval is how often system gauges and health checks refresh
	CollectInterval time.Duration
}

// NewMetricsServer creates a new metrics server. disk may be nil for an
// in-memory store.
func NewMetricsServer(cfg MetricsServerConfig, gatherer prometheus.Gatherer, m *metrics.Metrics, checker *health.Checker, disk *diskmanager.DiskManager, logger *zap.Logger) *MetricsServer {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = 15 * time.Second
	}
	mux := http.NewServeMux()

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		disk:     disk,
		checker:  checker,
		logger:   logger,
		interval: cfg.CollectInterval,
		stopChan: make(chan struct{}),
	}

	mux.Handle(cfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", checker.LivenessHandler)
	mux.HandleFunc("/ready", checker.ReadinessHandler)
	return ms
}

// Handler returns the HTTP handler
func (s *MetricsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve collects system metrics and serves on lis until Stop
func (s *MetricsServer) Serve(lis net.Listener) error {
	s.logger.Info("Starting metrics server", zap.String("addr", lis.Addr().String()))
	go s.collectSystemMetrics()

	if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured port and calls Serve
func (s *MetricsServer) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(lis)
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping metrics server")
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

func (s *MetricsServer) collectSystemMetrics() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

// updateSystemMetrics refreshes the disk gauge and the health report
func (s *MetricsServer) updateSystemMetrics() {
	if s.disk != nil {
		if err := s.disk.ForceCheck(); err != nil {
			s.logger.Error("Failed to get disk stats", zap.Error(err))
		}
		s.metrics.DiskUsagePercent.Set(s.disk.UsagePercent())
	}
	s.checker.RunChecks(context.Background())
}
