package service

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/algorithm"
	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/kv"
	"go.uber.org/zap"
)

// ConflictGroup is every surviving alternative of one document id
type ConflictGroup struct {
	ID      string
	Members []*model.ConflictRecord
}

// Collections returns the distinct collections of the group, sorted
func (g *ConflictGroup) Collections() []string {
	seen := make(map[string]struct{}, len(g.Members))
	var out []string
	for _, m := range g.Members {
		if _, ok := seen[m.Collection]; ok {
			continue
		}
		seen[m.Collection] = struct{}{}
		out = append(out, m.Collection)
	}
	sort.Strings(out)
	return out
}

// Watermark is the highest member etag; it moves whenever the group changes
func (g *ConflictGroup) Watermark() int64 {
	return maxConflictEtag(g.Members)
}

// Vector is the merge of all member vectors
func (g *ConflictGroup) Vector() model.VersionVector {
	return mergedConflictVector(g.Members)
}

// ConflictStore keeps the concurrently surviving versions of documents.
// Rows are keyed by lower(id) + NUL + canonical vector, so an id holds at
// most one record per vector.
type ConflictStore struct {
	logger *zap.Logger
}

// NewConflictStore creates a conflict store
func NewConflictStore(logger *zap.Logger) *ConflictStore {
	return &ConflictStore{logger: logger}
}

func conflictKey(id string, vector model.VersionVector) string {
	return idPrefix(id) + vector.String()
}

// Get returns the members for id ordered by vector string
func (s *ConflictStore) Get(r kv.Reader, id string) ([]*model.ConflictRecord, error) {
	var keys []string
	r.Scan(tableConflicts, idPrefix(id), "", func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	})

	members := make([]*model.ConflictRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := getJSON[model.ConflictRecord](r, tableConflicts, key)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			members = append(members, rec)
		}
	}
	return members, nil
}

// InConflict reports whether id has at least one member
func (s *ConflictStore) InConflict(r kv.Reader, id string) bool {
	found := false
	r.Scan(tableConflicts, idPrefix(id), "", func(string, []byte) bool {
		found = true
		return false
	})
	return found
}

// Put stores rec, replacing a member with the same vector
func (s *ConflictStore) Put(tx *kv.Tx, rec *model.ConflictRecord) error {
	if rec.Vector.IsEmpty() {
		return errors.InvalidItem(rec.ID, "conflict member has an empty vector")
	}
	rec.Vector = rec.Vector.Canonical()
	rec.Flags |= model.FlagConflicted
	return putJSON(tx, tableConflicts, conflictKey(rec.ID, rec.Vector), rec)
}

// Delete removes the member of id with vector
func (s *ConflictStore) Delete(tx *kv.Tx, id string, vector model.VersionVector) {
	tx.Delete(tableConflicts, conflictKey(id, vector))
}

// Clear removes every member of id and returns how many were removed
func (s *ConflictStore) Clear(tx *kv.Tx, id string) int {
	var keys []string
	tx.Scan(tableConflicts, idPrefix(id), "", func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	for _, key := range keys {
		tx.Delete(tableConflicts, key)
	}
	if len(keys) > 0 {
		s.logger.Debug("Conflicts cleared", zap.String("id", id), zap.Int("members", len(keys)))
	}
	return len(keys)
}

// Groups visits every conflicted id in key order until fn returns false
func (s *ConflictStore) Groups(r kv.Reader, fn func(g *ConflictGroup) bool) error {
	var (
		current *ConflictGroup
		decErr  error
		stopped bool
	)
	r.Scan(tableConflicts, "", "", func(key string, value []byte) bool {
		rec, err := decodeConflict(key, value)
		if err != nil {
			decErr = err
			return false
		}
		groupKey := key[:strings.IndexByte(key, 0)]
		if current != nil && idKey(current.ID) != groupKey {
			if !fn(current) {
				stopped = true
				return false
			}
			current = nil
		}
		if current == nil {
			current = &ConflictGroup{ID: rec.ID}
		}
		current.Members = append(current.Members, rec)
		return true
	})
	if decErr != nil {
		return decErr
	}
	if current != nil && !stopped {
		fn(current)
	}
	return nil
}

func decodeConflict(key string, value []byte) (*model.ConflictRecord, error) {
	if strings.IndexByte(key, 0) < 0 {
		return nil, errors.CorruptedData("conflict key without separator", nil)
	}
	var rec model.ConflictRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, errors.CorruptedData("failed to decode conflict member", err)
	}
	return &rec, nil
}

// statusAgainstConflicts classifies a remote vector against the members of
// a conflicted id: it is already merged when any member covers it, an
// update when it dominates every member, otherwise another conflict
func statusAgainstConflicts(remote model.VersionVector, members []*model.ConflictRecord) model.ConflictStatus {
	dominatesAll := true
	for _, m := range members {
		switch algorithm.Compare(remote, m.Vector) {
		case model.AlreadyMerged:
			return model.AlreadyMerged
		case model.Conflict:
			dominatesAll = false
		}
	}
	if dominatesAll {
		return model.Update
	}
	return model.Conflict
}

func maxConflictEtag(members []*model.ConflictRecord) int64 {
	var max int64
	for _, m := range members {
		if m.Etag > max {
			max = m.Etag
		}
	}
	return max
}

func mergedConflictVector(members []*model.ConflictRecord) model.VersionVector {
	vectors := make([]model.VersionVector, len(members))
	for i, m := range members {
		vectors[i] = m.Vector
	}
	return algorithm.Merge(vectors...)
}
