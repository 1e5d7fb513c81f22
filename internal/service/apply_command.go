package service

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/docstore/internal/algorithm"
	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/kv"
	"go.uber.org/zap"
)

// ApplyResult summarizes one executed MergedApplyCommand
type ApplyResult struct {
	Applied      int
	Skipped      int
	NewConflicts int
	Vector       model.VersionVector
	LastEtag     int64
}

// MergedApplyCommand applies one replication batch atomically. Every item
// is compared against stored state, so replaying a batch is a no-op.
type MergedApplyCommand struct {
	session *DatabaseSession

	Source          string
	Items           []*model.ReplicatedItem
	Streams         map[string]model.AttachmentStream
	LastItemCounter int64
	// TranslateSinkEntries rewrites item vectors arriving over a hub/sink link
	TranslateSinkEntries bool

	Result ApplyResult
}

// NewApplyCommand builds a command applying items received from source
func (s *DatabaseSession) NewApplyCommand(source string, items []*model.ReplicatedItem, streams map[string]model.AttachmentStream, lastItemCounter int64) *MergedApplyCommand {
	return &MergedApplyCommand{
		session:         s,
		Source:          source,
		Items:           items,
		Streams:         streams,
		LastItemCounter: lastItemCounter,
	}
}

// Execute implements txmerger.Command
func (c *MergedApplyCommand) Execute(ctx context.Context, tx *kv.Tx) (int, error) {
	s := c.session
	c.Result = ApplyResult{}

	if missing := missingBlobs(tx, c.Items, c.Streams); len(missing) > 0 {
		return 0, errors.MissingAttachments(missing...)
	}

	dbVector, err := readDatabaseVector(tx)
	if err != nil {
		return 0, err
	}
	merged := dbVector

	for _, item := range c.Items {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if c.TranslateSinkEntries {
			item.Vector = algorithm.TranslateSinkEntries(item.Vector, merged)
		}
		merged = algorithm.Merge(merged, item.Vector)

		changed, conflicted, err := c.applyItem(tx, item)
		if err != nil {
			return 0, fmt.Errorf("failed to apply %s %q: %w", item.Kind(), item.ID, err)
		}
		if changed {
			c.Result.Applied++
		} else {
			c.Result.Skipped++
		}
		if conflicted {
			c.Result.NewConflicts++
		}
		s.metrics.RecordItem(item.Kind().String())
	}

	if err := mergeDatabaseVector(tx, merged); err != nil {
		return 0, err
	}
	advanceCheckpoint(tx, c.Source, c.LastItemCounter)

	c.Result.Vector = algorithm.Merge(dbVector, merged)
	c.Result.LastEtag = lastEtag(tx)
	return c.Result.Applied, nil
}

func (c *MergedApplyCommand) applyItem(tx *kv.Tx, item *model.ReplicatedItem) (changed, conflicted bool, err error) {
	s := c.session
	if item.Vector.IsEmpty() {
		return false, false, errors.InvalidItem(item.ID, "empty version vector")
	}

	switch p := item.Payload.(type) {
	case model.DocumentPayload:
		return s.applyDocument(tx, item, p.Body, false)

	case model.DocumentTombstonePayload:
		return s.applyDocument(tx, item, nil, true)

	case model.RevisionPayload:
		changed, err := s.ledger.Append(tx, &model.RevisionRecord{
			ID:                item.ID,
			Collection:        item.Collection,
			Vector:            item.Vector,
			Body:              p.Body,
			Flags:             item.Flags | model.FlagFromReplication,
			LastModified:      item.LastModified,
			TransactionMarker: item.TransactionMarker,
		})
		if err != nil || !changed {
			return false, false, err
		}
		if _, _, err := s.ledger.EnforceRetention(tx, item.ID, item.Collection, item.Flags, true); err != nil {
			return false, false, err
		}
		return true, false, nil

	case model.RevisionTombstonePayload:
		changed, err := s.ledger.ApplyTombstone(tx, item.ID, item.Vector)
		return changed, false, err

	case model.AttachmentPayload:
		changed, err := s.applyAttachment(tx, item, p.Name, &model.AttachmentRecord{
			DocumentID:   item.ID,
			Name:         p.Name,
			ContentType:  p.ContentType,
			Hash:         p.Hash,
			Vector:       item.Vector,
			LastModified: item.LastModified,
		}, c.Streams)
		return changed, false, err

	case model.AttachmentTombstonePayload:
		changed, err := s.applyAttachment(tx, item, p.Name, &model.AttachmentRecord{
			DocumentID:   item.ID,
			Name:         p.Name,
			Vector:       item.Vector,
			LastModified: item.LastModified,
			Deleted:      true,
		}, c.Streams)
		return changed, false, err

	case model.CounterGroupPayload:
		changed, err := s.applyCounters(tx, item, p)
		return changed, false, err

	case model.TimeSeriesSegmentPayload:
		changed, err := s.applySegment(tx, item, p)
		return changed, false, err

	case model.TimeSeriesDeletedRangePayload:
		changed, err := s.applyDeletedRange(tx, item, p)
		return changed, false, err

	default:
		return false, false, errors.InvalidItem(item.ID, fmt.Sprintf("unknown item kind %s", item.Kind()))
	}
}

// AfterCommit asks the resolution engine for a pass once new conflicts are durable
func (c *MergedApplyCommand) AfterCommit() {
	if c.Result.NewConflicts == 0 {
		return
	}
	c.session.logger.Debug("Batch recorded conflicts",
		zap.String("source", c.Source),
		zap.Int("conflicts", c.Result.NewConflicts))
	c.session.resolution.RequestPass()
}

// HeartbeatMergeCommand folds a peer's vector into the database vector and
// advances its checkpoint without applying items
type HeartbeatMergeCommand struct {
	session *DatabaseSession

	Source          string
	SenderVector    model.VersionVector
	LastItemCounter int64
}

// Execute implements txmerger.Command
func (c *HeartbeatMergeCommand) Execute(_ context.Context, tx *kv.Tx) (int, error) {
	current, err := readDatabaseVector(tx)
	if err != nil {
		return 0, err
	}
	ops := 0
	merged := algorithm.Merge(current, c.SenderVector)
	if !algorithm.Equal(merged, current) {
		writeDatabaseVector(tx, merged)
		ops++
	}
	if advanceCheckpoint(tx, c.Source, c.LastItemCounter) {
		ops++
	}
	return ops, nil
}
