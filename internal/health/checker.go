package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/devrev/pairdb/docstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/docstore/internal/storage/txmerger"
	"github.com/devrev/pairdb/docstore/internal/util/workerpool"
	"go.uber.org/zap"
)

// Status of a single check or of the node
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Check inspects one dependency. It returns the status and a short message.
type Check func(ctx context.Context) (Status, string)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the aggregate served on the readiness endpoint
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

type namedCheck struct {
	name  string
	check Check
}

// Checker runs registered checks periodically and serves their results
type Checker struct {
	logger *zap.Logger

	mu        sync.RWMutex
	checks    []namedCheck
	lastCheck time.Time
	report    Report
}

// NewChecker creates a checker with no checks; the node reports healthy
// until one is registered
func NewChecker(logger *zap.Logger) *Checker {
	return &Checker{
		logger: logger,
		report: Report{Status: StatusHealthy},
	}
}

// Register adds a check
func (h *Checker) Register(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// Start runs the checks every interval until ctx is done
func (h *Checker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.RunChecks(ctx)
	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and stores the report
func (h *Checker) RunChecks(ctx context.Context) Report {
	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()

	report := Report{Status: StatusHealthy, Checks: make([]CheckResult, 0, len(checks))}
	for _, c := range checks {
		status, msg := c.check(ctx)
		report.Checks = append(report.Checks, CheckResult{
			Name:      c.name,
			Status:    status,
			Message:   msg,
			Timestamp: time.Now(),
		})
		switch {
		case status == StatusCritical:
			report.Status = StatusCritical
		case status == StatusDegraded && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	h.report = report
	h.mu.Unlock()

	h.logger.Debug("Health check completed", zap.String("status", string(report.Status)))
	return report
}

// Report returns the last stored report
func (h *Checker) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.report
}

// Ready is false while any check is critical
func (h *Checker) Ready() bool {
	return h.Report().Status != StatusCritical
}

// LivenessHandler answers as long as the process serves HTTP
func (h *Checker) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"alive","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// ReadinessHandler serves the last report; critical answers 503
func (h *Checker) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	report := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Warn("Failed to write readiness report", zap.Error(err))
	}
}

// DiskCheck degrades above warnPercent and is critical once writes are
// refused
func DiskCheck(dm *diskmanager.DiskManager, warnPercent float64) Check {
	return func(context.Context) (Status, string) {
		if err := dm.ForceCheck(); err != nil {
			return StatusCritical, fmt.Sprintf("disk check failed: %v", err)
		}
		usage := dm.UsagePercent()
		msg := fmt.Sprintf("%.2f%% used", usage)
		if err := dm.CheckBeforeWrite(0); err != nil {
			return StatusCritical, msg
		}
		if usage > warnPercent {
			return StatusDegraded, msg
		}
		return StatusHealthy, msg
	}
}

// MergerCheck degrades when more than maxQueued commands wait for a commit
func MergerCheck(m *txmerger.Merger, maxQueued int) Check {
	return func(context.Context) (Status, string) {
		stats := m.Stats()
		msg := fmt.Sprintf("%d queued, %d commit failures", stats.Queued, stats.CommitFailure)
		if stats.Queued > maxQueued {
			return StatusDegraded, msg
		}
		return StatusHealthy, msg
	}
}

// PoolCheck degrades when the background queue is fuller than maxPercent
func PoolCheck(p *workerpool.WorkerPool, maxPercent float64) Check {
	return func(context.Context) (Status, string) {
		stats := p.Stats()
		msg := fmt.Sprintf("%d queued, %d active, %d failed", stats.QueuedTasks, stats.ActiveWorkers, stats.FailedTasks)
		if stats.QueueUtilization() > maxPercent {
			return StatusDegraded, msg
		}
		return StatusHealthy, msg
	}
}
