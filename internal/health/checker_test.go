package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devrev/pairdb/docstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/docstore/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func diskManager(t *testing.T, total, available uint64) *diskmanager.DiskManager {
	t.Helper()
	cfg := diskmanager.DefaultConfig(t.TempDir())
	cfg.CheckInterval = time.Hour
	cfg.Stat = func(string) (diskmanager.Usage, error) {
		return diskmanager.Usage{TotalBytes: total, AvailableBytes: available}, nil
	}
	dm, err := diskmanager.NewDiskManager(cfg, zap.NewNop())
	require.NoError(t, err)
	return dm
}

func TestChecker_AggregatesWorstStatus(t *testing.T) {
	tests := []struct {
		name      string
		available uint64
		want      Status
	}{
		{"healthy", 500, StatusHealthy},
		{"degraded", 150, StatusDegraded},
		{"critical", 10, StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewChecker(zap.NewNop())
			h.Register("disk", DiskCheck(diskManager(t, 1000, tt.available), 80))
			h.Register("static", func(context.Context) (Status, string) { return StatusHealthy, "" })

			report := h.RunChecks(context.Background())
			assert.Equal(t, tt.want, report.Status)
			require.Len(t, report.Checks, 2)
			assert.Equal(t, "disk", report.Checks[0].Name)
			assert.Equal(t, tt.want != StatusCritical, h.Ready())
		})
	}
}

func TestChecker_ReadinessHandler(t *testing.T) {
	h := NewChecker(zap.NewNop())
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.Register("broken", func(context.Context) (Status, string) { return StatusCritical, "down" })
	h.RunChecks(context.Background())

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusCritical, report.Status)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "down", report.Checks[0].Message)

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPoolCheck(t *testing.T) {
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "test", MaxWorkers: 1, QueueSize: 2})
	release := make(chan struct{})
	started := make(chan struct{})
	defer func() {
		close(release)
		_ = pool.Stop(time.Second)
	}()

	check := PoolCheck(pool, 50)
	status, _ := check(context.Background())
	assert.Equal(t, StatusHealthy, status)

	block := func(context.Context) error {
		<-release
		return nil
	}
	require.NoError(t, pool.Submit(workerpool.Task{ID: "first", Fn: func(ctx context.Context) error {
		close(started)
		return block(ctx)
	}}))
	<-started
	require.NoError(t, pool.Submit(workerpool.Task{ID: "second", Fn: block}))
	require.NoError(t, pool.Submit(workerpool.Task{ID: "third", Fn: block}))

	status, msg := check(context.Background())
	assert.Equal(t, StatusDegraded, status)
	assert.Contains(t, msg, "2 queued")
}
