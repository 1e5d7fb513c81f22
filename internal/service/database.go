package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/docstore/internal/algorithm"
	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/kv"
	"github.com/devrev/pairdb/docstore/internal/storage/txmerger"
	"github.com/devrev/pairdb/docstore/internal/util/batchmem"
	"github.com/devrev/pairdb/docstore/internal/util/workerpool"
	"github.com/devrev/pairdb/docstore/internal/validation"
	"go.uber.org/zap"
)

// Alert kinds raised to operators
const (
	AlertResolutionFailed   = "resolution_failed"
	AlertCollectionMismatch = "collection_mismatch"
	AlertInvariantViolation = "invariant_violation"
)

// AlertSink records operator visible alerts
type AlertSink interface {
	Raise(ctx context.Context, kind, documentID, message string) error
}

// SessionConfig holds per-database settings
type SessionConfig struct {
	// DatabaseID is this replica's entry in version vectors
	DatabaseID               string
	Revisions                *model.RevisionsConfiguration
	SuppressRevisionCreation bool
	ResolveToLatest          bool
	// Scripts maps a collection to a CUE resolution program
	Scripts             map[string]string
	MaxResolutionRounds int
	KeepAliveInterval   time.Duration
	// MaxBatchItems and MaxAttachmentStreams bound the counts a batch header
	// may announce
	MaxBatchItems        int32
	MaxAttachmentStreams int32
	Allocator            batchmem.Config
	Enforcement          EnforcementBudget
}

// DatabaseSession owns every piece of per-database state: storage, the
// write merger, the conflict store, the revision ledger, the resolution
// engine and the registry of incoming connections
type DatabaseSession struct {
	cfg        SessionConfig
	store      *kv.Store
	merger     *txmerger.Merger
	conflicts  *ConflictStore
	ledger     *RevisionLedger
	resolution *ResolutionService
	validator  *validation.Validator
	alerts     AlertSink
	metrics    *metrics.Metrics
	pool       *workerpool.WorkerPool
	ownsPool   bool
	logger     *zap.Logger
	now        func() time.Time

	connMu      sync.Mutex
	connections map[string]*IncomingHandler
}

// NewDatabaseSession wires a session over an open store and merger. A nil
// pool creates one owned by the session; nil metrics use a private registry.
func NewDatabaseSession(
	cfg SessionConfig,
	store *kv.Store,
	merger *txmerger.Merger,
	alerts AlertSink,
	m *metrics.Metrics,
	pool *workerpool.WorkerPool,
	logger *zap.Logger,
) (*DatabaseSession, error) {
	if cfg.DatabaseID == "" {
		return nil, errors.InvalidArgument("database id is required", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewMetrics(cfg.DatabaseID, nil)
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 5 * time.Second
	}
	if cfg.MaxResolutionRounds <= 0 {
		cfg.MaxResolutionRounds = 16
	}
	if cfg.MaxBatchItems <= 0 {
		cfg.MaxBatchItems = 16 * 1024
	}
	if cfg.MaxAttachmentStreams <= 0 {
		cfg.MaxAttachmentStreams = 1024
	}
	if alerts == nil {
		alerts = logAlertSink{logger: logger}
	}

	s := &DatabaseSession{
		cfg:         cfg,
		store:       store,
		merger:      merger,
		conflicts:   NewConflictStore(logger),
		ledger:      NewRevisionLedger(cfg.Revisions, m, logger),
		validator:   validation.NewValidator(),
		alerts:      alerts,
		metrics:     m,
		pool:        pool,
		logger:      logger.With(zap.String("database", cfg.DatabaseID)),
		now:         time.Now,
		connections: make(map[string]*IncomingHandler),
	}
	if s.pool == nil {
		s.pool = workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "database-" + cfg.DatabaseID,
			MaxWorkers: 2,
			QueueSize:  16,
			Logger:     logger,
			OnTask:     m.RecordBackgroundTask,
		})
		s.ownsPool = true
	}

	scripts, err := NewScriptResolver(cfg.Scripts)
	if err != nil {
		return nil, err
	}
	s.resolution = newResolutionService(s, scripts, cfg.ResolveToLatest)
	return s, nil
}

// ID returns the database id
func (s *DatabaseSession) ID() string {
	return s.cfg.DatabaseID
}

// Ledger exposes the revision ledger
func (s *DatabaseSession) Ledger() *RevisionLedger {
	return s.ledger
}

// Resolution exposes the conflict resolution engine
func (s *DatabaseSession) Resolution() *ResolutionService {
	return s.resolution
}

// Close stops session owned background work
func (s *DatabaseSession) Close(timeout time.Duration) error {
	s.resolution.stop()
	if s.ownsPool {
		return s.pool.Stop(timeout)
	}
	return nil
}

// Put writes a document locally. The new vector extends every version the
// id currently has, so a put on a conflicted id resolves it.
func (s *DatabaseSession) Put(ctx context.Context, id, collection string, body []byte) (*model.DocumentRecord, error) {
	if err := s.validator.ValidateDocument(id, collection, body); err != nil {
		return nil, err
	}
	var written *model.DocumentRecord
	_, err := s.merger.Execute(ctx, txmerger.CommandFunc(func(ctx context.Context, tx *kv.Tx) (int, error) {
		rec, err := s.writeLocal(tx, id, collection, body, false)
		written = rec
		return 1, err
	}))
	if err != nil {
		return nil, err
	}
	return written, nil
}

// Delete writes a local tombstone for id
func (s *DatabaseSession) Delete(ctx context.Context, id string) error {
	if err := s.validator.ValidateID(id); err != nil {
		return err
	}
	_, err := s.merger.Execute(ctx, txmerger.CommandFunc(func(ctx context.Context, tx *kv.Tx) (int, error) {
		doc, err := getDocument(tx, id)
		if err != nil {
			return 0, err
		}
		members, err := s.conflicts.Get(tx, id)
		if err != nil {
			return 0, err
		}
		if (doc == nil || doc.Deleted) && len(members) == 0 {
			return 0, errors.DocumentNotFound(id)
		}
		collection := ""
		if doc != nil {
			collection = doc.Collection
		} else {
			collection = members[0].Collection
		}
		_, err = s.writeLocal(tx, id, collection, nil, true)
		return 1, err
	}))
	return err
}

func (s *DatabaseSession) writeLocal(tx *kv.Tx, id, collection string, body []byte, deleted bool) (*model.DocumentRecord, error) {
	doc, err := getDocument(tx, id)
	if err != nil {
		return nil, err
	}
	members, err := s.conflicts.Get(tx, id)
	if err != nil {
		return nil, err
	}

	var flags model.DocumentFlags
	base := mergedConflictVector(members)
	if doc != nil {
		base = algorithm.Merge(base, doc.Vector)
		flags = doc.Flags.Strip(model.FlagFromReplication | model.FlagResolved)
	}
	if len(members) > 0 {
		if err := s.archiveConflicts(tx, members); err != nil {
			return nil, err
		}
		s.conflicts.Clear(tx, id)
		flags |= model.FlagResolved
		s.metrics.RecordResolution("manual")
	}

	counter := lastEtag(tx) + 1
	vector := algorithm.Increment(base, s.cfg.DatabaseID, counter)
	return s.writeDocument(tx, documentWrite{
		ID:           id,
		Collection:   collection,
		Body:         body,
		Deleted:      deleted,
		Vector:       vector,
		Flags:        flags,
		LastModified: s.now().UTC(),
	})
}

// Get returns the live document. Conflicted ids fail with a conflict error
// and missing or deleted ids with a not found error.
func (s *DatabaseSession) Get(id string) (*model.DocumentRecord, error) {
	var doc *model.DocumentRecord
	err := s.store.View(func(r kv.Reader) error {
		if members, err := s.conflicts.Get(r, id); err != nil {
			return err
		} else if len(members) > 0 {
			return errors.DocumentConflict(id, len(members))
		}
		d, err := getDocument(r, id)
		if err != nil {
			return err
		}
		if d == nil || d.Deleted {
			return errors.DocumentNotFound(id)
		}
		doc = d
		return nil
	})
	return doc, err
}

// Conflicts returns the surviving alternatives of id
func (s *DatabaseSession) Conflicts(id string) ([]*model.ConflictRecord, error) {
	var members []*model.ConflictRecord
	err := s.store.View(func(r kv.Reader) error {
		var err error
		members, err = s.conflicts.Get(r, id)
		return err
	})
	return members, err
}

// ConflictedIDs returns every id currently in conflict
func (s *DatabaseSession) ConflictedIDs() ([]string, error) {
	var ids []string
	err := s.store.View(func(r kv.Reader) error {
		return s.conflicts.Groups(r, func(g *ConflictGroup) bool {
			ids = append(ids, g.ID)
			return true
		})
	})
	return ids, err
}

// RevisionChain returns revisions of id, newest first, and the total kept
func (s *DatabaseSession) RevisionChain(id string, start, take int) ([]*model.RevisionRecord, int64, error) {
	var (
		records []*model.RevisionRecord
		total   int64
	)
	err := s.store.View(func(r kv.Reader) error {
		var err error
		records, total, err = s.ledger.GetChain(r, id, start, take)
		return err
	})
	return records, total, err
}

// RevisionByVector returns the revision stored under vector, or nil
func (s *DatabaseSession) RevisionByVector(vector model.VersionVector) (*model.RevisionRecord, error) {
	var rec *model.RevisionRecord
	err := s.store.View(func(r kv.Reader) error {
		var err error
		rec, err = s.ledger.GetByVector(r, vector)
		return err
	})
	return rec, err
}

// BinEntries returns deleted documents that still have history
func (s *DatabaseSession) BinEntries(sinceEtag int64, take int) ([]*model.RevisionRecord, error) {
	var out []*model.RevisionRecord
	err := s.store.View(func(r kv.Reader) error {
		var err error
		out, err = s.ledger.BinEntries(r, sinceEtag, take)
		return err
	})
	return out, err
}

// EnforceRevisionConfiguration applies the current retention policies to
// the whole ledger
func (s *DatabaseSession) EnforceRevisionConfiguration(ctx context.Context) (EnforcementResult, error) {
	return s.ledger.EnforceConfigurationAcrossDatabase(ctx, s.merger, s.cfg.Enforcement)
}

// ScheduleRevisionEnforcement runs EnforceRevisionConfiguration in the
// background. Requests made while one is still queued share it.
func (s *DatabaseSession) ScheduleRevisionEnforcement() bool {
	ctx := s.resolution.ctx
	err := s.pool.Submit(workerpool.Task{
		ID:       "enforce-revisions",
		Context:  ctx,
		Coalesce: true,
		Fn: func(ctx context.Context) error {
			res, err := s.EnforceRevisionConfiguration(ctx)
			if err != nil {
				return err
			}
			if res.Deleted > 0 {
				s.logger.Info("Revision retention enforced",
					zap.Int("documents", res.Documents),
					zap.Int("deleted", res.Deleted))
			}
			return nil
		},
	})
	if err != nil {
		s.logger.Warn("Revision enforcement not scheduled", zap.Error(err))
		return false
	}
	return true
}

// DatabaseVector returns the merged vector of everything applied locally
func (s *DatabaseSession) DatabaseVector() (model.VersionVector, error) {
	var v model.VersionVector
	err := s.store.View(func(r kv.Reader) error {
		var err error
		v, err = readDatabaseVector(r)
		return err
	})
	return v, err
}

// replicationState reads the database vector, last etag and the checkpoint
// of source in one view
func (s *DatabaseSession) replicationState(source string) (model.VersionVector, int64, int64, error) {
	var (
		v          model.VersionVector
		etag, last int64
	)
	err := s.store.View(func(r kv.Reader) error {
		var err error
		v, err = readDatabaseVector(r)
		etag = lastEtag(r)
		last = readCheckpoint(r, source)
		return err
	})
	return v, etag, last, err
}

// Checkpoint returns the last item counter accepted from source
func (s *DatabaseSession) Checkpoint(source string) int64 {
	var last int64
	_ = s.store.View(func(r kv.Reader) error {
		last = readCheckpoint(r, source)
		return nil
	})
	return last
}

// UpdateConfiguration installs a new revision and resolution configuration
// and triggers a resolution pass for version
func (s *DatabaseSession) UpdateConfiguration(ctx context.Context, version int64, revisions *model.RevisionsConfiguration, scripts map[string]string, resolveToLatest bool) error {
	resolver, err := NewScriptResolver(scripts)
	if err != nil {
		return err
	}
	s.ledger.SetConfiguration(revisions)
	s.resolution.configure(resolver, resolveToLatest)
	if revisions != nil {
		s.ScheduleRevisionEnforcement()
	}
	s.logger.Info("Database configuration updated",
		zap.Int64("version", version),
		zap.Int("scripts", len(scripts)),
		zap.Bool("resolve_to_latest", resolveToLatest))
	s.resolution.Trigger(ctx, version)
	return nil
}

func (s *DatabaseSession) registerConnection(h *IncomingHandler) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.connections[h.ID()] = h
	s.metrics.ActiveConnections.Inc()
}

func (s *DatabaseSession) unregisterConnection(h *IncomingHandler) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if _, ok := s.connections[h.ID()]; ok {
		delete(s.connections, h.ID())
		s.metrics.ActiveConnections.Dec()
	}
}

// Connections returns the ids of running incoming connections, sorted
func (s *DatabaseSession) Connections() []string {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	ids := make([]string, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *DatabaseSession) raiseAlert(ctx context.Context, kind, id string, err error) {
	if alertErr := s.alerts.Raise(ctx, kind, id, err.Error()); alertErr != nil {
		s.logger.Error("Failed to record alert",
			zap.String("kind", kind),
			zap.String("id", id),
			zap.Error(alertErr))
	}
}

type logAlertSink struct {
	logger *zap.Logger
}

func (l logAlertSink) Raise(_ context.Context, kind, documentID, message string) error {
	l.logger.Warn("Operator alert",
		zap.String("kind", kind),
		zap.String("id", documentID),
		zap.String("message", message))
	return nil
}
