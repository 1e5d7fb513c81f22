package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devrev/pairdb/docstore/internal/alerts"
	"github.com/devrev/pairdb/docstore/internal/config"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/service"
	"github.com/devrev/pairdb/docstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/docstore/internal/storage/kv"
	"github.com/devrev/pairdb/docstore/internal/storage/txmerger"
	"github.com/devrev/pairdb/docstore/internal/util/batchmem"
	"github.com/devrev/pairdb/docstore/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// node is one database replica with its storage stack opened
type node struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	disk    *diskmanager.DiskManager
	store   *kv.Store
	merger  *txmerger.Merger
	alerts  *alerts.Store
	pool    *workerpool.WorkerPool
	session *service.DatabaseSession
}

func openNode(cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*node, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	n := &node{cfg: cfg, logger: logger, metrics: metrics.NewMetrics(cfg.Server.NodeID, reg)}

	var err error
	n.disk, err = diskmanager.NewDiskManager(&diskmanager.Config{
		DataDir:                 cfg.Storage.DataDir,
		CheckInterval:           10 * time.Second,
		ThrottleThreshold:       cfg.Storage.ThrottleThreshold,
		CircuitBreakerThreshold: cfg.Storage.CircuitBreaker,
	}, logger)
	if err != nil {
		return nil, err
	}

	n.store, err = kv.Open(kv.Options{
		Dir:         filepath.Join(cfg.Storage.DataDir, "kv"),
		SegmentSize: cfg.Storage.SegmentSize,
		SyncWrites:  cfg.Storage.SyncWrites,
		Guard:       n.disk,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	n.merger = txmerger.New(n.store, txmerger.Config{
		QueueSize:          cfg.Merger.QueueSize,
		MaxBatchedCommands: cfg.Merger.MaxBatchedCommands,
		Logger:             logger,
		OnBatch:            n.metrics.RecordMergerBatch,
	})

	n.alerts, err = alerts.Open(cfg.Alerts.Path, logger)
	if err != nil {
		n.close(time.Second)
		return nil, err
	}

	n.pool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "resolution",
		MaxWorkers: cfg.Resolution.Workers,
		QueueSize:  64,
		Logger:     logger,
		OnTask:     n.metrics.RecordBackgroundTask,
	})

	revisions := cfg.Revisions
	n.session, err = service.NewDatabaseSession(service.SessionConfig{
		DatabaseID:               cfg.Server.DatabaseID,
		Revisions:                &revisions,
		SuppressRevisionCreation: cfg.Replication.SuppressRevisionCreation,
		ResolveToLatest:          cfg.Resolution.ResolveToLatest,
		Scripts:                  cfg.Resolution.Scripts,
		MaxResolutionRounds:      cfg.Resolution.MaxRounds,
		KeepAliveInterval:        cfg.Replication.KeepAliveInterval,
		MaxBatchItems:            cfg.Replication.MaxBatchItems,
		MaxAttachmentStreams:     cfg.Replication.MaxAttachmentStreams,
		Allocator: batchmem.Config{
			ChunkSize:          cfg.Replication.ChunkSize,
			DedicatedThreshold: cfg.Replication.DedicatedThreshold,
			MaxMemory:          cfg.Replication.MaxBatchMemory,
			SpillThreshold:     cfg.Replication.SpillThreshold,
			TempDir:            cfg.Replication.TempDir,
		},
		Enforcement: service.EnforcementBudget{
			MaxDuration: cfg.Enforcement.RoundTimeBudget,
			MaxBytes:    cfg.Enforcement.RoundByteBudget,
		},
	}, n.store, n.merger, n.alerts, n.metrics, n.pool, logger)
	if err != nil {
		n.close(time.Second)
		return nil, err
	}
	return n, nil
}

// close stops everything that was opened, newest first
func (n *node) close(timeout time.Duration) {
	if n.session != nil {
		if err := n.session.Close(timeout); err != nil {
			n.logger.Warn("Failed to close database session", zap.Error(err))
		}
	}
	if n.pool != nil {
		if err := n.pool.Stop(timeout); err != nil {
			n.logger.Warn("Failed to stop worker pool", zap.Error(err))
		}
	}
	if n.alerts != nil {
		if err := n.alerts.Close(); err != nil {
			n.logger.Warn("Failed to close alert store", zap.Error(err))
		}
	}
	if n.merger != nil {
		if err := n.merger.Stop(timeout); err != nil {
			n.logger.Warn("Failed to stop transaction merger", zap.Error(err))
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Warn("Failed to close store", zap.Error(err))
		}
	}
}
