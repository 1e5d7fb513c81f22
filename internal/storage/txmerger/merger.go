package txmerger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/docstore/internal/storage/kv"
	"go.uber.org/zap"
)

// ErrStopped is returned for commands submitted to, or still queued in, a stopped merger
var ErrStopped = errors.New("transaction merger stopped")

// Command runs once against the shared write transaction and reports how
// many operations it performed
type Command interface {
	Execute(ctx context.Context, tx *kv.Tx) (int, error)
}

// CommandFunc adapts a function to Command
type CommandFunc func(ctx context.Context, tx *kv.Tx) (int, error)

// Execute calls f
func (f CommandFunc) Execute(ctx context.Context, tx *kv.Tx) (int, error) {
	return f(ctx, tx)
}

// AfterCommitter is implemented by commands that need to act once their
// writes are durable
type AfterCommitter interface {
	AfterCommit()
}

// Future is the pending result of a submitted command
type Future struct {
	done chan struct{}
	ops  int
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(ops int, err error) {
	f.ops, f.err = ops, err
	close(f.done)
}

// Done is closed when the command has been committed or rejected
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the command completes or ctx is done
func (f *Future) Wait(ctx context.Context) (int, error) {
	select {
	case <-f.done:
		return f.ops, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type pending struct {
	ctx    context.Context
	cmd    Command
	future *Future
}

// Config holds merger configuration
type Config struct {
	QueueSize          int
	MaxBatchedCommands int
	Logger             *zap.Logger
	// OnBatch is called after every batch with its size, duration and outcome
	OnBatch func(commands int, duration time.Duration, err error)
}

// Merger serializes all writes. Commands are pulled from a bounded queue by
// one goroutine and merged into a single storage transaction; each command
// runs in its own savepoint so a failure only undoes that command.
type Merger struct {
	store    *kv.Store
	queue    chan *pending
	maxBatch int
	logger   *zap.Logger
	onBatch  func(int, time.Duration, error)

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}

	executed  uint64
	failed    uint64
	batches   uint64
	commitErr uint64
}

// New creates a merger and starts its executor goroutine
func New(store *kv.Store, cfg Config) *Merger {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxBatchedCommands <= 0 {
		cfg.MaxBatchedCommands = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	m := &Merger{
		store:    store,
		queue:    make(chan *pending, cfg.QueueSize),
		maxBatch: cfg.MaxBatchedCommands,
		logger:   cfg.Logger,
		onBatch:  cfg.OnBatch,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

// Submit enqueues cmd, blocking while the queue is full
func (m *Merger) Submit(ctx context.Context, cmd Command) (*Future, error) {
	p := &pending{ctx: ctx, cmd: cmd, future: newFuture()}
	select {
	case <-m.stopChan:
		return nil, ErrStopped
	default:
	}

	select {
	case m.queue <- p:
		return p.future, nil
	case <-m.stopChan:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute submits cmd and waits for its result
func (m *Merger) Execute(ctx context.Context, cmd Command) (int, error) {
	f, err := m.Submit(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return f.Wait(ctx)
}

func (m *Merger) run() {
	defer close(m.done)

	for {
		select {
		case <-m.stopChan:
			m.drain()
			return
		case p := <-m.queue:
			batch := []*pending{p}
		fill:
			for len(batch) < m.maxBatch {
				select {
				case next := <-m.queue:
					batch = append(batch, next)
				default:
					break fill
				}
			}
			m.runBatch(batch)
		}
	}
}

func (m *Merger) runBatch(batch []*pending) {
	start := time.Now()
	tx := m.store.Begin()

	ops := make([]int, len(batch))
	errs := make([]error, len(batch))
	for i, p := range batch {
		if err := p.ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		sp := tx.Savepoint()
		ops[i], errs[i] = m.safeExecute(p, tx)
		if errs[i] != nil {
			tx.RollbackTo(sp)
			atomic.AddUint64(&m.failed, 1)
			continue
		}
		tx.Release(sp)
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		atomic.AddUint64(&m.commitErr, 1)
		m.logger.Error("Merged transaction commit failed",
			zap.Int("commands", len(batch)),
			zap.Error(commitErr))
	}

	atomic.AddUint64(&m.batches, 1)
	for i, p := range batch {
		err := errs[i]
		if err == nil && commitErr != nil {
			err = commitErr
		}
		if err == nil {
			atomic.AddUint64(&m.executed, 1)
			if ac, ok := p.cmd.(AfterCommitter); ok {
				ac.AfterCommit()
			}
		}
		p.future.complete(ops[i], err)
	}

	if m.onBatch != nil {
		m.onBatch(len(batch), time.Since(start), commitErr)
	}
}

func (m *Merger) safeExecute(p *pending, tx *kv.Tx) (ops int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command panicked: %v", r)
			m.logger.Error("Command panic recovered", zap.Any("panic", r))
		}
	}()
	return p.cmd.Execute(p.ctx, tx)
}

func (m *Merger) drain() {
	for {
		select {
		case p := <-m.queue:
			p.future.complete(0, ErrStopped)
		default:
			return
		}
	}
}

// Stop rejects queued commands after the running batch completes
func (m *Merger) Stop(timeout time.Duration) error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopChan)
		select {
		case <-m.done:
			m.logger.Info("Transaction merger stopped")
		case <-time.After(timeout):
			err = fmt.Errorf("transaction merger stop timeout after %v", timeout)
		}
	})
	return err
}

// Stats returns merger counters
func (m *Merger) Stats() Stats {
	return Stats{
		Queued:        len(m.queue),
		Executed:      atomic.LoadUint64(&m.executed),
		Failed:        atomic.LoadUint64(&m.failed),
		Batches:       atomic.LoadUint64(&m.batches),
		CommitFailure: atomic.LoadUint64(&m.commitErr),
	}
}

// Stats describes merger activity
type Stats struct {
	Queued        int
	Executed      uint64
	Failed        uint64
	Batches       uint64
	CommitFailure uint64
}
