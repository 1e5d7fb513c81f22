package service

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/kv"
	"github.com/devrev/pairdb/docstore/internal/util/workerpool"
	"go.uber.org/zap"
)

// Resolution methods, as recorded in metrics
const (
	MethodScript = "script"
	MethodLatest = "latest"
)

// PassResult summarizes one resolution pass
type PassResult struct {
	Rounds      int
	Resolved    int
	Failed      int
	RetryRounds int
}

// ResolutionService converges conflicted documents in the background. Only
// one pass runs at a time; a request that arrives while a pass runs is
// picked up by that pass before it exits.
type ResolutionService struct {
	session *DatabaseSession
	logger  *zap.Logger

	cfgMu           sync.RWMutex
	scripts         *ScriptResolver
	resolveToLatest bool

	gate          sync.Mutex
	requested     atomic.Bool
	lastScheduled atomic.Int64
	lastCompleted atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

func newResolutionService(s *DatabaseSession, scripts *ScriptResolver, resolveToLatest bool) *ResolutionService {
	ctx, cancel := context.WithCancel(context.Background())
	return &ResolutionService{
		session:         s,
		logger:          s.logger.With(zap.String("component", "resolution")),
		scripts:         scripts,
		resolveToLatest: resolveToLatest,
		ctx:             ctx,
		cancel:          cancel,
	}
}

func (r *ResolutionService) configure(scripts *ScriptResolver, resolveToLatest bool) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	r.scripts = scripts
	r.resolveToLatest = resolveToLatest
}

func (r *ResolutionService) config() (*ScriptResolver, bool) {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.scripts, r.resolveToLatest
}

func (r *ResolutionService) stop() {
	r.cancel()
}

// Trigger schedules a pass for configuration version. It is a no-op unless
// version is newer than both the last scheduled and the last completed
// version.
func (r *ResolutionService) Trigger(ctx context.Context, version int64) bool {
	for {
		scheduled := r.lastScheduled.Load()
		if version <= scheduled || version <= r.lastCompleted.Load() {
			return false
		}
		if r.lastScheduled.CompareAndSwap(scheduled, version) {
			break
		}
	}
	r.logger.Debug("Resolution triggered", zap.Int64("version", version))
	r.RequestPass()
	return true
}

// LastCompletedVersion returns the newest configuration version a pass has
// finished with
func (r *ResolutionService) LastCompletedVersion() int64 {
	return r.lastCompleted.Load()
}

// RequestPass asks for a pass after new conflicts were recorded
func (r *ResolutionService) RequestPass() {
	r.requested.Store(true)
	r.schedule()
}

func (r *ResolutionService) schedule() {
	if r.ctx.Err() != nil {
		return
	}
	ok := r.session.pool.TrySubmit(workerpool.Task{
		ID:       "resolve-conflicts",
		Context:  r.ctx,
		Fn:       r.runScheduled,
		Coalesce: true,
	})
	if !ok {
		r.logger.Debug("Resolution pass not scheduled, pool busy")
	}
}

func (r *ResolutionService) runScheduled(ctx context.Context) error {
	if !r.gate.TryLock() {
		return nil
	}
	var err error
	for err == nil && r.requested.Swap(false) {
		_, err = r.pass(ctx)
	}
	r.gate.Unlock()

	// A request that landed between the last swap and the unlock
	if err == nil && r.requested.Load() {
		r.schedule()
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// RunPass runs one pass on the calling goroutine. It fails if a pass is
// already running.
func (r *ResolutionService) RunPass(ctx context.Context) (PassResult, error) {
	if !r.gate.TryLock() {
		return PassResult{}, fmt.Errorf("resolution pass already running")
	}
	r.requested.Store(false)
	res, err := r.pass(ctx)
	r.gate.Unlock()

	if r.requested.Load() {
		r.schedule()
	}
	return res, err
}

// groupResolution is the outcome computed for one conflict group from a
// snapshot, applied later if the group has not moved
type groupResolution struct {
	ID           string
	Collection   string
	Watermark    int64
	Body         []byte
	Deleted      bool
	LastModified time.Time
	Method       string
}

func (r *ResolutionService) pass(ctx context.Context) (PassResult, error) {
	s := r.session
	start := time.Now()
	version := r.lastScheduled.Load()
	alerted := make(map[string]struct{})

	var result PassResult
	for result.Rounds < s.cfg.MaxResolutionRounds {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Rounds++

		var groups []*ConflictGroup
		err := s.store.View(func(rd kv.Reader) error {
			return s.conflicts.Groups(rd, func(g *ConflictGroup) bool {
				groups = append(groups, g)
				return true
			})
		})
		if err != nil {
			return result, err
		}

		var resolutions []*groupResolution
		for _, g := range groups {
			res, err := r.resolveGroup(g)
			if err != nil {
				if _, seen := alerted[g.ID]; !seen {
					alerted[g.ID] = struct{}{}
					result.Failed++
					r.reportFailure(ctx, g.ID, err)
				}
				continue
			}
			if res != nil {
				resolutions = append(resolutions, res)
			}
		}
		if len(resolutions) == 0 {
			break
		}

		cmd := &resolveConflictsCommand{session: s, resolutions: resolutions}
		if _, err := s.merger.Execute(ctx, cmd); err != nil {
			return result, err
		}
		result.Resolved += cmd.resolved
		if !cmd.needsRetry {
			break
		}
		result.RetryRounds++
	}

	for {
		completed := r.lastCompleted.Load()
		if version <= completed || r.lastCompleted.CompareAndSwap(completed, version) {
			break
		}
	}

	s.metrics.RecordResolutionPass(time.Since(start), result.RetryRounds)
	if result.Resolved > 0 || result.Failed > 0 {
		r.logger.Info("Resolution pass completed",
			zap.Int("rounds", result.Rounds),
			zap.Int("resolved", result.Resolved),
			zap.Int("failed", result.Failed),
			zap.Duration("duration", time.Since(start)))
	}
	return result, nil
}

// resolveGroup computes a resolution for g. A nil result with a nil error
// leaves the group for manual resolution.
func (r *ResolutionService) resolveGroup(g *ConflictGroup) (*groupResolution, error) {
	collections := g.Collections()
	if len(collections) > 1 {
		return nil, errors.CollectionMismatch(g.ID, collections)
	}
	collection := collections[0]
	scripts, resolveToLatest := r.config()

	switch {
	case len(g.Members) >= 2 && scripts.Has(collection):
		body, deleted, err := scripts.Resolve(collection, g.Members)
		if err != nil {
			return nil, errors.ResolutionFailed(g.ID, err)
		}
		return &groupResolution{
			ID:           g.ID,
			Collection:   collection,
			Watermark:    g.Watermark(),
			Body:         body,
			Deleted:      deleted,
			LastModified: r.session.now().UTC(),
			Method:       MethodScript,
		}, nil

	case resolveToLatest:
		winner, err := ResolveToLatest(g.Members)
		if err != nil {
			return nil, err
		}
		return &groupResolution{
			ID:           g.ID,
			Collection:   collection,
			Watermark:    g.Watermark(),
			Body:         winner.Body,
			Deleted:      winner.IsTombstone(),
			LastModified: winner.LastModified,
			Method:       MethodLatest,
		}, nil
	}
	return nil, nil
}

func (r *ResolutionService) reportFailure(ctx context.Context, id string, err error) {
	code := errors.GetCode(err)
	kind := AlertResolutionFailed
	switch code {
	case errors.ErrCodeCollectionMismatch:
		kind = AlertCollectionMismatch
	case errors.ErrCodeInvariantViolation:
		kind = AlertInvariantViolation
	}
	r.session.metrics.RecordResolutionFailure(code.String())
	r.logger.Warn("Conflict left unresolved", zap.String("id", id), zap.Error(err))
	r.session.raiseAlert(ctx, kind, id, err)
}

// ResolveToLatest picks the member with the greatest LastModified, breaking
// ties by the byte order of the canonical vector string. Members sharing a
// vector but not a body violate the conflict store invariant.
func ResolveToLatest(members []*model.ConflictRecord) (*model.ConflictRecord, error) {
	if len(members) == 0 {
		return nil, errors.InvalidArgument("no conflict members to resolve", nil)
	}
	byVector := make(map[string]*model.ConflictRecord, len(members))
	var winner *model.ConflictRecord
	winnerVector := ""
	for _, m := range members {
		v := m.Vector.String()
		if prev, ok := byVector[v]; ok {
			if !bytes.Equal(prev.Body, m.Body) || prev.IsTombstone() != m.IsTombstone() {
				return nil, errors.InvariantViolation(fmt.Sprintf("conflict members of %s share vector %s with different bodies", m.ID, v))
			}
			continue
		}
		byVector[v] = m

		if winner == nil ||
			m.LastModified.After(winner.LastModified) ||
			(m.LastModified.Equal(winner.LastModified) && v > winnerVector) {
			winner, winnerVector = m, v
		}
	}
	return winner, nil
}

// resolveConflictsCommand installs a round of resolutions. A group whose
// watermark moved since the snapshot is skipped and the round retried.
type resolveConflictsCommand struct {
	session     *DatabaseSession
	resolutions []*groupResolution

	resolved   int
	needsRetry bool
	methods    []string
}

func (c *resolveConflictsCommand) Execute(_ context.Context, tx *kv.Tx) (int, error) {
	s := c.session
	c.resolved, c.needsRetry, c.methods = 0, false, nil

	for _, res := range c.resolutions {
		members, err := s.conflicts.Get(tx, res.ID)
		if err != nil {
			return 0, err
		}
		if len(members) == 0 {
			continue
		}
		if current := maxConflictEtag(members); current != res.Watermark {
			s.logger.Debug("Conflict changed during resolution",
				zap.Error(errors.ConcurrentModification(res.ID, res.Watermark, current)))
			c.needsRetry = true
			continue
		}

		if err := s.archiveConflicts(tx, members); err != nil {
			return 0, err
		}
		s.conflicts.Clear(tx, res.ID)
		if _, err := s.writeDocument(tx, documentWrite{
			ID:           res.ID,
			Collection:   res.Collection,
			Body:         res.Body,
			Deleted:      res.Deleted,
			Vector:       mergedConflictVector(members),
			Flags:        model.FlagResolved,
			LastModified: res.LastModified,
		}); err != nil {
			return 0, err
		}
		c.resolved++
		c.methods = append(c.methods, res.Method)
	}
	return c.resolved, nil
}

// AfterCommit counts resolutions once they are durable
func (c *resolveConflictsCommand) AfterCommit() {
	for _, m := range c.methods {
		c.session.metrics.RecordResolution(m)
	}
}
