package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	storeerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"go.uber.org/zap"
)

// Usage is one observation of the data volume
type Usage struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// StatFunc reports volume usage for a directory
type StatFunc func(dir string) (Usage, error)

// DiskManager guards commit-log appends against a full data volume
type DiskManager struct {
	dataDir string
	logger  *zap.Logger
	stat    StatFunc

	mu             sync.Mutex
	lastCheck      time.Time
	usagePercent   float64
	availableBytes uint64
	checkInterval  time.Duration

	throttleThreshold       float64
	circuitBreakerThreshold float64

	throttled bool
	broken    bool
}

// Config holds the disk guard thresholds, in percent of volume used
type Config struct {
	DataDir                 string
	CheckInterval           time.Duration
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
	// Stat overrides the filesystem check; nil uses statfs
	Stat StatFunc
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// NewDiskManager creates a disk manager and performs the first check
func NewDiskManager(cfg *Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	stat := cfg.Stat
	if stat == nil {
		stat = statfs
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		stat:                    stat,
		checkInterval:           cfg.CheckInterval,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.refresh(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

// CheckBeforeWrite rejects a write of estimatedBytes when the volume is full
// or throttled and the write is large
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.refresh(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.broken {
		return storeerrors.DiskFull(dm.usagePercent, dm.availableBytes)
	}
	if dm.throttled && estimatedBytes > dm.availableBytes/10 {
		return storeerrors.DiskThrottled(dm.usagePercent)
	}
	if estimatedBytes > dm.availableBytes {
		return storeerrors.DiskFull(dm.usagePercent, dm.availableBytes)
	}
	return nil
}

// refresh must be called with mu held
func (dm *DiskManager) refresh() error {
	u, err := dm.stat(dm.dataDir)
	if err != nil {
		return err
	}
	dm.lastCheck = time.Now()
	dm.availableBytes = u.AvailableBytes
	dm.usagePercent = 0
	if u.TotalBytes > 0 {
		dm.usagePercent = float64(u.TotalBytes-u.AvailableBytes) / float64(u.TotalBytes) * 100.0
	}

	wasBroken, wasThrottled := dm.broken, dm.throttled
	dm.broken = dm.usagePercent >= dm.circuitBreakerThreshold
	dm.throttled = !dm.broken && dm.usagePercent >= dm.throttleThreshold

	switch {
	case dm.broken && !wasBroken:
		dm.logger.Error("Disk circuit breaker engaged, commits rejected",
			zap.Float64("usage_percent", dm.usagePercent),
			zap.Uint64("available_bytes", dm.availableBytes))
	case !dm.broken && wasBroken:
		dm.logger.Info("Disk circuit breaker released",
			zap.Float64("usage_percent", dm.usagePercent))
	}
	if dm.throttled && !wasThrottled {
		dm.logger.Warn("Disk write throttling enabled",
			zap.Float64("usage_percent", dm.usagePercent),
			zap.Float64("threshold", dm.throttleThreshold))
	}
	return nil
}

// ForceCheck checks the volume immediately
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.refresh()
}

// UsagePercent returns the last observed usage
func (dm *DiskManager) UsagePercent() float64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.usagePercent
}

func statfs(dir string) (Usage, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return Usage{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return Usage{
		TotalBytes:     st.Blocks * uint64(st.Bsize),
		AvailableBytes: st.Bavail * uint64(st.Bsize),
	}, nil
}
