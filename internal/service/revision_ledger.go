package service

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/kv"
	"github.com/devrev/pairdb/docstore/internal/storage/txmerger"
	"go.uber.org/zap"
)

// Executor runs commands against the serialized write path
type Executor interface {
	Execute(ctx context.Context, cmd txmerger.Command) (int, error)
}

// Tombstone reasons
const (
	ReasonRetention       = "retention"
	ReasonPurgeOnDelete   = "purge_on_delete"
	ReasonReplicated      = "replicated"
	ReasonKeepNoRevisions = "minimum_revisions_to_keep_zero"
)

// EnforcementBudget bounds one round of database wide enforcement
type EnforcementBudget struct {
	MaxDuration time.Duration
	MaxBytes    int64
}

// EnforcementResult summarizes a database wide enforcement run
type EnforcementResult struct {
	Rounds         int
	ScannedRecords int
	Documents      int
	Deleted        int
}

// RevisionLedger is the append-only history of every document. Revisions
// are keyed by canonical vector; secondary tables index them per id and
// per etag, and revision_counts keeps the live count of each chain.
type RevisionLedger struct {
	config  atomic.Pointer[model.RevisionsConfiguration]
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewRevisionLedger creates a ledger governed by cfg
func NewRevisionLedger(cfg *model.RevisionsConfiguration, m *metrics.Metrics, logger *zap.Logger) *RevisionLedger {
	l := &RevisionLedger{metrics: m, logger: logger, now: time.Now}
	l.config.Store(cfg)
	return l
}

// SetConfiguration swaps the retention configuration
func (l *RevisionLedger) SetConfiguration(cfg *model.RevisionsConfiguration) {
	l.config.Store(cfg)
}

// PolicyFor resolves the policy of a collection for a document carrying flags
func (l *RevisionLedger) PolicyFor(collection string, flags model.DocumentFlags) *model.RetentionPolicy {
	return l.config.Load().PolicyFor(collection, flags)
}

func byIDKey(id string, etag int64) string {
	return idPrefix(id) + etagKey(etag)
}

// Append stores rec unless a revision or ledger tombstone with the same
// vector exists. A replay carrying Conflicted onto a stored revision that
// lacks it rewrites that revision with the flag added. It reports whether
// anything was written.
func (l *RevisionLedger) Append(tx *kv.Tx, rec *model.RevisionRecord) (bool, error) {
	if rec.Vector.IsEmpty() {
		return false, errors.InvalidItem(rec.ID, "revision has an empty vector")
	}
	key := rec.Vector.String()

	existing, err := getJSON[model.RevisionRecord](tx, tableRevisions, key)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if rec.Flags.Contains(model.FlagConflicted) && !existing.Flags.Contains(model.FlagConflicted) {
			existing.Flags |= model.FlagConflicted
			return true, putJSON(tx, tableRevisions, key, existing)
		}
		return false, nil
	}
	if _, tombstoned := tx.Get(tableRevisionTombstones, key); tombstoned {
		return false, nil
	}

	rec.Vector = rec.Vector.Canonical()
	rec.Flags |= model.FlagRevision
	if rec.IsDeleteMarker() {
		rec.Flags |= model.FlagDeleteRevision
	}
	rec.Etag = nextEtag(tx)

	if err := putJSON(tx, tableRevisions, key, rec); err != nil {
		return false, err
	}
	tx.Put(tableRevisionsByID, byIDKey(rec.ID, rec.Etag), []byte(key))
	tx.Put(tableRevisionsByEtag, etagKey(rec.Etag), []byte(key))
	putInt(tx, tableRevisionCounts, idKey(rec.ID), l.liveCount(tx, rec.ID)+1)

	l.metrics.RevisionsWrittenTotal.Inc()
	return true, nil
}

// liveCount returns the number of revisions kept for id
func (l *RevisionLedger) liveCount(r kv.Reader, id string) int64 {
	return getInt(r, tableRevisionCounts, idKey(id))
}

// Count returns the number of revisions kept for id
func (l *RevisionLedger) Count(r kv.Reader, id string) int64 {
	return l.liveCount(r, id)
}

// remove deletes one stored revision and leaves a ledger tombstone
func (l *RevisionLedger) remove(tx *kv.Tx, rec *model.RevisionRecord, reason string) error {
	key := rec.Vector.String()
	tx.Delete(tableRevisions, key)
	tx.Delete(tableRevisionsByID, byIDKey(rec.ID, rec.Etag))
	tx.Delete(tableRevisionsByEtag, etagKey(rec.Etag))

	count := l.liveCount(tx, rec.ID) - 1
	if count <= 0 {
		tx.Delete(tableRevisionCounts, idKey(rec.ID))
	} else {
		putInt(tx, tableRevisionCounts, idKey(rec.ID), count)
	}

	tomb := &model.RevisionTombstoneRecord{
		Vector:    rec.Vector,
		ID:        rec.ID,
		Etag:      nextEtag(tx),
		DeletedAt: l.now().UTC(),
		Reason:    reason,
	}
	if err := putJSON(tx, tableRevisionTombstones, key, tomb); err != nil {
		return err
	}
	l.metrics.RevisionsPrunedTotal.Inc()
	return nil
}

// ApplyTombstone removes the revision keyed by vector if it is stored and
// records a ledger tombstone for it. It reports whether anything changed.
func (l *RevisionLedger) ApplyTombstone(tx *kv.Tx, id string, vector model.VersionVector) (bool, error) {
	key := vector.String()
	rec, err := getJSON[model.RevisionRecord](tx, tableRevisions, key)
	if err != nil {
		return false, err
	}
	if rec != nil {
		return true, l.remove(tx, rec, ReasonReplicated)
	}
	if _, ok := tx.Get(tableRevisionTombstones, key); ok {
		return false, nil
	}
	tomb := &model.RevisionTombstoneRecord{
		Vector:    vector.Canonical(),
		ID:        id,
		Etag:      nextEtag(tx),
		DeletedAt: l.now().UTC(),
		Reason:    ReasonReplicated,
	}
	return true, putJSON(tx, tableRevisionTombstones, key, tomb)
}

// chain returns the revision keys of id, oldest first
func (l *RevisionLedger) chain(r kv.Reader, id string) []string {
	var keys []string
	r.Scan(tableRevisionsByID, idPrefix(id), "", func(_ string, value []byte) bool {
		keys = append(keys, string(value))
		return true
	})
	return keys
}

func (l *RevisionLedger) load(r kv.Reader, keys []string) ([]*model.RevisionRecord, error) {
	out := make([]*model.RevisionRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := getJSON[model.RevisionRecord](r, tableRevisions, key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, errors.CorruptedData("revision index points at a missing revision "+key, nil)
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteChain removes every revision of id and returns how many were removed
func (l *RevisionLedger) DeleteChain(tx *kv.Tx, id, reason string) (int, error) {
	records, err := l.load(tx, l.chain(tx, id))
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		if err := l.remove(tx, rec, reason); err != nil {
			return 0, err
		}
	}
	if len(records) > 0 {
		l.logger.Debug("Revision chain deleted",
			zap.String("id", id),
			zap.String("reason", reason),
			zap.Int("revisions", len(records)))
	}
	return len(records), nil
}

// EnforceRetention prunes the oldest revisions of id that the policy of
// collection no longer requires. When capped is set, at most
// MaxDeletesPerUpdate revisions are removed and moreWork reports whether
// another removable revision remains.
func (l *RevisionLedger) EnforceRetention(tx *kv.Tx, id, collection string, flags model.DocumentFlags, capped bool) (deleted int, moreWork bool, err error) {
	policy := l.PolicyFor(collection, flags)
	if !policy.Enabled() {
		return 0, false, nil
	}
	if policy.MinimumRevisionsToKeep != nil && *policy.MinimumRevisionsToKeep == 0 {
		n, err := l.DeleteChain(tx, id, ReasonKeepNoRevisions)
		return n, false, err
	}

	byCount := policy.MinimumRevisionsToKeep != nil
	byAge := policy.MinimumRevisionAgeToKeep != nil
	if !byCount && !byAge {
		return 0, false, nil
	}

	var excess int64
	if byCount {
		excess = l.liveCount(tx, id) - *policy.MinimumRevisionsToKeep
		if excess <= 0 {
			return 0, false, nil
		}
	}

	limit := int64(-1)
	if capped && policy.MaxDeletesPerUpdate != nil {
		limit = *policy.MaxDeletesPerUpdate
	}

	var cutoff time.Time
	if byAge {
		cutoff = l.now().Add(-*policy.MinimumRevisionAgeToKeep)
	}

	keys := l.chain(tx, id)
	for _, key := range keys {
		if byCount && int64(deleted) >= excess {
			return deleted, false, nil
		}
		rec, err := getJSON[model.RevisionRecord](tx, tableRevisions, key)
		if err != nil {
			return deleted, false, err
		}
		if rec == nil {
			continue
		}
		if byAge && rec.LastModified.After(cutoff) {
			return deleted, false, nil
		}
		if limit >= 0 && int64(deleted) >= limit {
			return deleted, true, nil
		}
		if err := l.remove(tx, rec, ReasonRetention); err != nil {
			return deleted, false, err
		}
		deleted++
	}
	return deleted, false, nil
}

// GetChain returns up to take revisions of id starting at start, newest
// first, and the total number kept
func (l *RevisionLedger) GetChain(r kv.Reader, id string, start, take int) ([]*model.RevisionRecord, int64, error) {
	keys := l.chain(r, id)
	total := int64(len(keys))
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	if start < 0 {
		start = 0
	}
	if start >= len(keys) {
		return nil, total, nil
	}
	keys = keys[start:]
	if take >= 0 && take < len(keys) {
		keys = keys[:take]
	}
	records, err := l.load(r, keys)
	return records, total, err
}

// GetByVector returns the revision stored under vector, or nil
func (l *RevisionLedger) GetByVector(r kv.Reader, vector model.VersionVector) (*model.RevisionRecord, error) {
	return getJSON[model.RevisionRecord](r, tableRevisions, vector.String())
}

// GetTombstone returns the ledger tombstone for vector, or nil
func (l *RevisionLedger) GetTombstone(r kv.Reader, vector model.VersionVector) (*model.RevisionTombstoneRecord, error) {
	return getJSON[model.RevisionTombstoneRecord](r, tableRevisionTombstones, vector.String())
}

// BinEntries returns, in etag order from sinceEtag, the newest revision of
// every id whose chain ends in a delete marker and whose document is gone
func (l *RevisionLedger) BinEntries(r kv.Reader, sinceEtag int64, take int) ([]*model.RevisionRecord, error) {
	var keys []string
	r.Scan(tableRevisionsByEtag, "", etagKey(sinceEtag), func(_ string, value []byte) bool {
		keys = append(keys, string(value))
		return true
	})

	var out []*model.RevisionRecord
	for _, key := range keys {
		if take >= 0 && len(out) >= take {
			break
		}
		rec, err := getJSON[model.RevisionRecord](r, tableRevisions, key)
		if err != nil {
			return nil, err
		}
		if rec == nil || !rec.IsDeleteMarker() {
			continue
		}
		if newest := l.newestKey(r, rec.ID); newest != key {
			continue
		}
		doc, err := getDocument(r, rec.ID)
		if err != nil {
			return nil, err
		}
		if doc != nil && !doc.Deleted {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *RevisionLedger) newestKey(r kv.Reader, id string) string {
	keys := l.chain(r, id)
	if len(keys) == 0 {
		return ""
	}
	return keys[len(keys)-1]
}

// policyFlags returns the flags that select the policy governing id: the
// live document's, or else those of its newest revision
func (l *RevisionLedger) policyFlags(r kv.Reader, id string) (string, model.DocumentFlags, bool, error) {
	doc, err := getDocument(r, id)
	if err != nil {
		return "", 0, false, err
	}
	if doc != nil {
		return doc.Collection, doc.Flags, true, nil
	}
	key := l.newestKey(r, id)
	if key == "" {
		return "", 0, false, nil
	}
	rec, err := getJSON[model.RevisionRecord](r, tableRevisions, key)
	if err != nil || rec == nil {
		return "", 0, false, err
	}
	return rec.Collection, rec.Flags, true, nil
}

// enforcementRound walks revisions_by_etag from cursor and enforces the
// policy of every id it meets, until the budget is spent
type enforcementRound struct {
	ledger *RevisionLedger
	cursor int64
	budget EnforcementBudget

	next      int64
	done      bool
	scanned   int
	documents int
	deleted   int
}

const enforcementScanChunk = 512

func (c *enforcementRound) Execute(ctx context.Context, tx *kv.Tx) (int, error) {
	started := time.Now()
	var (
		ids   []string
		seen  = make(map[string]struct{})
		bytes int64
	)
	c.next = c.cursor

scan:
	for {
		type indexed struct {
			etag int64
			key  string
		}
		var chunk []indexed
		tx.Scan(tableRevisionsByEtag, "", etagKey(c.next), func(key string, value []byte) bool {
			etag, err := strconv.ParseInt(key, 10, 64)
			if err == nil {
				chunk = append(chunk, indexed{etag: etag, key: string(value)})
			}
			return len(chunk) < enforcementScanChunk
		})
		if len(chunk) == 0 {
			c.done = true
			break
		}

		for _, e := range chunk {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			c.next = e.etag + 1
			c.scanned++
			data, ok := tx.Get(tableRevisions, e.key)
			if ok {
				bytes += int64(len(data))
				var rec struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(data, &rec); err == nil {
					if _, dup := seen[idKey(rec.ID)]; !dup {
						seen[idKey(rec.ID)] = struct{}{}
						ids = append(ids, rec.ID)
					}
				}
			}
			if (c.budget.MaxDuration > 0 && time.Since(started) >= c.budget.MaxDuration) ||
				(c.budget.MaxBytes > 0 && bytes >= c.budget.MaxBytes) {
				break scan
			}
		}
	}

	ops := 0
	for _, id := range ids {
		collection, flags, ok, err := c.ledger.policyFlags(tx, id)
		if err != nil {
			return ops, err
		}
		if !ok {
			continue
		}
		n, _, err := c.ledger.EnforceRetention(tx, id, collection, flags, false)
		if err != nil {
			return ops, err
		}
		c.documents++
		c.deleted += n
		ops += n
	}
	return ops, nil
}

// EnforceConfigurationAcrossDatabase applies the current policies to every
// stored chain. The ledger is walked oldest to newest in bounded rounds,
// each its own command, resuming from the last scanned etag.
func (l *RevisionLedger) EnforceConfigurationAcrossDatabase(ctx context.Context, exec Executor, budget EnforcementBudget) (EnforcementResult, error) {
	var result EnforcementResult
	round := &enforcementRound{ledger: l, budget: budget}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		started := time.Now()
		if _, err := exec.Execute(ctx, round); err != nil {
			return result, err
		}
		l.metrics.RevisionEnforcementRound.Observe(time.Since(started).Seconds())

		result.Rounds++
		result.ScannedRecords += round.scanned
		result.Documents += round.documents
		result.Deleted += round.deleted

		l.logger.Debug("Revision enforcement round completed",
			zap.Int("round", result.Rounds),
			zap.Int64("next_etag", round.next),
			zap.Int("scanned", round.scanned),
			zap.Int("deleted", round.deleted))

		if round.done {
			break
		}
		round = &enforcementRound{ledger: l, budget: budget, cursor: round.next}
	}

	l.logger.Info("Revision configuration enforced across database",
		zap.Int("rounds", result.Rounds),
		zap.Int("documents", result.Documents),
		zap.Int("deleted", result.Deleted))
	return result, nil
}
