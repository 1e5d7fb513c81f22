package service

import (
	"time"

	"github.com/devrev/pairdb/docstore/internal/algorithm"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/kv"
	"go.uber.org/zap"
)

// documentWrite is a new current version of a document
type documentWrite struct {
	ID                string
	Collection        string
	Body              []byte
	Deleted           bool
	Vector            model.VersionVector
	Flags             model.DocumentFlags
	LastModified      time.Time
	TransactionMarker int32
	// FromReplication skips revision creation when replication-time
	// revisions are suppressed
	FromReplication bool
}

// writeDocument installs w as the current version of its id, records the
// revision its policy asks for and merges its vector into the database
// vector
func (s *DatabaseSession) writeDocument(tx *kv.Tx, w documentWrite) (*model.DocumentRecord, error) {
	etag := nextEtag(tx)
	flags := w.Flags.Strip(model.FlagConflicted | model.FlagRevision | model.FlagDeleteRevision | model.FlagHasRevisions)
	if w.FromReplication {
		flags |= model.FlagFromReplication
	}
	if w.Deleted {
		w.Body = nil
	}

	policy := s.ledger.PolicyFor(w.Collection, flags)
	switch {
	case w.Deleted && policy != nil && policy.PurgeOnDelete:
		if _, err := s.ledger.DeleteChain(tx, w.ID, ReasonPurgeOnDelete); err != nil {
			return nil, err
		}
	case policy.Enabled() && !(w.FromReplication && s.cfg.SuppressRevisionCreation):
		rev := &model.RevisionRecord{
			ID:                w.ID,
			Collection:        w.Collection,
			Vector:            w.Vector,
			Body:              w.Body,
			Flags:             flags,
			LastModified:      w.LastModified,
			TransactionMarker: w.TransactionMarker,
		}
		if w.Deleted {
			rev.DeletedMarkerEtag = etag
		}
		if _, err := s.ledger.Append(tx, rev); err != nil {
			return nil, err
		}
		if _, _, err := s.ledger.EnforceRetention(tx, w.ID, w.Collection, flags, true); err != nil {
			return nil, err
		}
	}
	if s.ledger.Count(tx, w.ID) > 0 {
		flags |= model.FlagHasRevisions
	}

	rec := &model.DocumentRecord{
		ID:           w.ID,
		Collection:   w.Collection,
		Body:         w.Body,
		Vector:       w.Vector.Canonical(),
		Etag:         etag,
		Flags:        flags,
		LastModified: w.LastModified,
		Deleted:      w.Deleted,
	}
	if err := putJSON(tx, tableDocs, idKey(w.ID), rec); err != nil {
		return nil, err
	}

	if err := mergeDatabaseVector(tx, rec.Vector); err != nil {
		return nil, err
	}
	return rec, nil
}

func mergeDatabaseVector(tx *kv.Tx, v model.VersionVector) error {
	current, err := readDatabaseVector(tx)
	if err != nil {
		return err
	}
	merged := algorithm.Merge(current, v)
	if !algorithm.Equal(merged, current) {
		writeDatabaseVector(tx, merged)
	}
	return nil
}

// archiveConflicts appends every member to the ledger under the conflicts
// policy so no alternative is lost when the group is cleared
func (s *DatabaseSession) archiveConflicts(tx *kv.Tx, members []*model.ConflictRecord) error {
	for _, m := range members {
		if err := s.archiveConflict(tx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *DatabaseSession) archiveConflict(tx *kv.Tx, m *model.ConflictRecord) error {
	flags := m.Flags | model.FlagConflicted
	if !s.ledger.PolicyFor(m.Collection, flags).Enabled() {
		return nil
	}
	_, err := s.ledger.Append(tx, &model.RevisionRecord{
		ID:           m.ID,
		Collection:   m.Collection,
		Vector:       m.Vector,
		Body:         m.Body,
		Flags:        flags.Strip(model.FlagResolved | model.FlagHasRevisions),
		LastModified: m.LastModified,
	})
	return err
}

// applyDocument merges a replicated document or tombstone. It reports
// whether local state changed and whether a new conflict was recorded.
func (s *DatabaseSession) applyDocument(tx *kv.Tx, item *model.ReplicatedItem, body []byte, deleted bool) (changed, conflicted bool, err error) {
	doc, err := getDocument(tx, item.ID)
	if err != nil {
		return false, false, err
	}
	members, err := s.conflicts.Get(tx, item.ID)
	if err != nil {
		return false, false, err
	}

	var status model.ConflictStatus
	if len(members) > 0 {
		status = statusAgainstConflicts(item.Vector, members)
	} else {
		var local model.VersionVector
		if doc != nil {
			local = doc.Vector
		}
		status = algorithm.Compare(item.Vector, local)
	}

	switch status {
	case model.AlreadyMerged:
		return false, false, nil

	case model.Update:
		flags := item.Flags
		if len(members) > 0 {
			if err := s.archiveConflicts(tx, members); err != nil {
				return false, false, err
			}
			s.conflicts.Clear(tx, item.ID)
			flags |= model.FlagResolved
		}
		_, err := s.writeDocument(tx, documentWrite{
			ID:                item.ID,
			Collection:        item.Collection,
			Body:              body,
			Deleted:           deleted,
			Vector:            item.Vector,
			Flags:             flags,
			LastModified:      item.LastModified,
			TransactionMarker: item.TransactionMarker,
			FromReplication:   true,
		})
		return err == nil, false, err

	default:
		if err := s.addConflict(tx, item, body, deleted, doc, members); err != nil {
			return false, false, err
		}
		return true, true, nil
	}
}

// addConflict records the remote version as a conflict member. A live or
// deleted current version is converted into a member first, and members the
// remote version supersedes are dropped.
func (s *DatabaseSession) addConflict(tx *kv.Tx, item *model.ReplicatedItem, body []byte, deleted bool, doc *model.DocumentRecord, members []*model.ConflictRecord) error {
	if len(members) == 0 && doc != nil {
		local := &model.ConflictRecord{
			ID:           doc.ID,
			Collection:   doc.Collection,
			Vector:       doc.Vector,
			Body:         doc.Body,
			LastModified: doc.LastModified,
			Etag:         nextEtag(tx),
			Flags:        doc.Flags,
		}
		if doc.Deleted {
			local.Body = nil
		}
		if err := s.conflicts.Put(tx, local); err != nil {
			return err
		}
		if err := s.archiveConflict(tx, local); err != nil {
			return err
		}
		tx.Delete(tableDocs, idKey(item.ID))
	}

	for _, m := range members {
		if algorithm.Compare(item.Vector, m.Vector) == model.Update {
			s.conflicts.Delete(tx, m.ID, m.Vector)
		}
	}

	if deleted {
		body = nil
	} else if body == nil {
		body = []byte{}
	}
	remote := &model.ConflictRecord{
		ID:           item.ID,
		Collection:   item.Collection,
		Vector:       item.Vector,
		Body:         body,
		LastModified: item.LastModified,
		Etag:         nextEtag(tx),
		Flags:        item.Flags.Strip(model.FlagRevision|model.FlagDeleteRevision) | model.FlagFromReplication,
	}
	if err := s.conflicts.Put(tx, remote); err != nil {
		return err
	}
	if err := s.archiveConflict(tx, remote); err != nil {
		return err
	}
	if _, _, err := s.ledger.EnforceRetention(tx, item.ID, item.Collection, model.FlagConflicted, true); err != nil {
		return err
	}

	s.metrics.ConflictsDetectedTotal.Inc()
	s.logger.Info("Conflict recorded",
		zap.String("id", item.ID),
		zap.String("remote_vector", remote.Vector.String()))
	return mergeDatabaseVector(tx, item.Vector)
}
