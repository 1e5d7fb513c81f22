// Package workerpool runs the background work of a database session, such as
// conflict resolution passes and retention enforcement, on a bounded set of
// goroutines.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work. Tasks with Coalesce set share a slot
// with any queued task of the same ID: submitting one while another is still
// waiting is accepted without queueing a second copy.
type Task struct {
	ID       string
	Fn       func(context.Context) error
	Context  context.Context
	Coalesce bool
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
	// OnTask is called after every executed task
	OnTask func(taskID string, duration time.Duration, err error)
}

// WorkerPool executes tasks on a fixed number of workers fed by a bounded
// queue
type WorkerPool struct {
	name       string
	maxWorkers int
	queueSize  int
	taskQueue  chan Task
	onTask     func(string, time.Duration, error)
	logger     *zap.Logger
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}

	mu      sync.Mutex
	pending map[string]int

	activeWorkers  int32
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
	coalescedTasks uint64
}

// NewWorkerPool starts a pool
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan Task, cfg.QueueSize),
		onTask:     cfg.OnTask,
		logger:     cfg.Logger.With(zap.String("pool", cfg.Name)),
		stopChan:   make(chan struct{}),
		pending:    make(map[string]int),
	}

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", p.queueSize))
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.taskQueue:
			p.dequeued(task)
			p.execute(id, task)
		}
	}
}

func (p *WorkerPool) dequeued(task Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.pending[task.ID]; n <= 1 {
		delete(p.pending, task.ID)
	} else {
		p.pending[task.ID] = n - 1
	}
}

func (p *WorkerPool) execute(workerID int, task Task) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)

	start := time.Now()
	err := p.run(task)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Error("Task failed",
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.completedTasks, 1)
		p.logger.Debug("Task completed",
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration))
	}
	if p.onTask != nil {
		p.onTask(task.ID, duration, err)
	}
}

// run executes task, turning a panic into an error
func (p *WorkerPool) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil
	}
	return task.Fn(ctx)
}

// Submit queues task without blocking. It fails when the pool is stopped or
// the queue is full.
func (p *WorkerPool) Submit(task Task) error {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if task.Coalesce && p.pending[task.ID] > 0 {
		atomic.AddUint64(&p.coalescedTasks, 1)
		return nil
	}
	select {
	case p.taskQueue <- task:
		p.pending[task.ID]++
		atomic.AddUint64(&p.totalTasks, 1)
		return nil
	default:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return fmt.Errorf("worker pool '%s' queue is full", p.name)
	}
}

// TrySubmit is Submit reporting only whether the task was accepted
func (p *WorkerPool) TrySubmit(task Task) bool {
	return p.Submit(task) == nil
}

// Stop stops the workers and waits up to timeout for running tasks. Tasks
// still queued are dropped.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool")
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped")
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.Duration("timeout", timeout))
		}
	})
	return err
}

// Stats returns a snapshot of the pool counters
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.activeWorkers)),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
		CoalescedTasks: atomic.LoadUint64(&p.coalescedTasks),
	}
}

// Stats are worker pool counters
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	QueueSize      int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
	CoalescedTasks uint64
}

// QueueUtilization returns the queue fill as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return float64(s.QueuedTasks) / float64(s.QueueSize) * 100.0
}
