package kv

import (
	"context"
	"fmt"
	"sync"

	"github.com/devrev/pairdb/docstore/internal/storage/memtable"
	"go.uber.org/zap"
)

// Reader is the read surface shared by views and transactions. Returned
// slices must not be modified.
type Reader interface {
	Get(table, key string) ([]byte, bool)
	// Scan visits keys with prefix in order, starting at from when it sorts
	// after prefix, until fn returns false
	Scan(table, prefix, from string, fn func(key string, value []byte) bool)
}

// CommitGuard is consulted before a commit is made durable
type CommitGuard interface {
	CheckBeforeWrite(estimatedBytes uint64) error
}

// Options configures a Store
type Options struct {
	// Dir holds the commit log; empty keeps the store in memory only
	Dir         string
	SegmentSize int64
	SyncWrites  bool
	Guard       CommitGuard
	Logger      *zap.Logger
}

// Store is an ordered multi-table key/value store with a single writer.
// Committed state lives in skip lists; readers share a RWMutex with the
// commit step only, so open transactions never block them.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*memtable.SkipList[[]byte]
	seq    int64

	writeMu sync.Mutex
	log     *CommitLog
	guard   CommitGuard
	logger  *zap.Logger
}

// Open creates a store, recovering committed state from opts.Dir
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		tables: make(map[string]*memtable.SkipList[[]byte]),
		guard:  opts.Guard,
		logger: logger,
	}
	if opts.Dir == "" {
		return s, nil
	}

	log, err := openCommitLog(opts.Dir, opts.SegmentSize, opts.SyncWrites, logger)
	if err != nil {
		return nil, err
	}
	s.log = log
	if err := s.recover(); err != nil {
		log.close()
		return nil, err
	}
	return s, nil
}

// NewInMemory returns a store without durability
func NewInMemory(logger *zap.Logger) *Store {
	s, _ := Open(Options{Logger: logger})
	return s
}

func (s *Store) recover() error {
	snap, err := s.log.readSnapshot()
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if snap != nil {
		for name, rows := range snap.Tables {
			t := s.table(name)
			for k, v := range rows {
				t.Insert(k, v)
			}
		}
		s.seq = snap.Seq
	}

	replayed := 0
	last, err := s.log.replay(s.seq, func(seq int64, ops []Op) {
		s.apply(ops)
		replayed++
	})
	if err != nil {
		return fmt.Errorf("commit log recovery failed: %w", err)
	}
	s.seq = last

	s.logger.Info("Store recovered",
		zap.Int64("seq", s.seq),
		zap.Int("replayed_commits", replayed),
		zap.Bool("from_snapshot", snap != nil))
	return nil
}

// table returns the named table, creating it; callers hold mu or own the store
func (s *Store) table(name string) *memtable.SkipList[[]byte] {
	t, ok := s.tables[name]
	if !ok {
		t = memtable.NewSkipList[[]byte]()
		s.tables[name] = t
	}
	return t
}

func (s *Store) apply(ops []Op) {
	for _, op := range ops {
		if op.Delete {
			if t, ok := s.tables[op.Table]; ok {
				t.Delete(op.Key)
			}
			continue
		}
		s.table(op.Table).Insert(op.Key, op.Value)
	}
}

// View runs fn against committed state
func (s *Store) View(fn func(r Reader) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(baseReader{s})
}

// Begin starts the single write transaction, blocking until the previous
// one is committed or rolled back
func (s *Store) Begin() *Tx {
	s.writeMu.Lock()
	return newTx(s)
}

// Update runs fn in a transaction and commits it when fn succeeds
func (s *Store) Update(fn func(tx *Tx) error) error {
	tx := s.Begin()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Seq returns the sequence number of the last commit
func (s *Store) Seq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Checkpoint writes a snapshot of committed state and truncates the log
func (s *Store) Checkpoint(ctx context.Context) error {
	if s.log == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	seq := s.seq
	tables := make(map[string]map[string][]byte, len(s.tables))
	for name, t := range s.tables {
		rows := make(map[string][]byte, t.Len())
		it := t.Iterator()
		for it.Next() {
			rows[it.Key()] = it.Value()
		}
		tables[name] = rows
	}
	s.mu.RUnlock()

	if err := s.log.writeSnapshot(ctx, seq, tables); err != nil {
		return err
	}
	s.logger.Info("Store checkpoint written", zap.Int64("seq", seq), zap.Int("tables", len(tables)))
	return nil
}

// Close releases the commit log
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.log == nil {
		return nil
	}
	return s.log.close()
}

type baseReader struct {
	s *Store
}

func (r baseReader) Get(table, key string) ([]byte, bool) {
	t, ok := r.s.tables[table]
	if !ok {
		return nil, false
	}
	return t.Search(key)
}

func (r baseReader) Scan(table, prefix, from string, fn func(key string, value []byte) bool) {
	t, ok := r.s.tables[table]
	if !ok {
		return
	}
	t.AscendPrefix(prefix, from, fn)
}
