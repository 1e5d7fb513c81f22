package service

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/devrev/pairdb/docstore/internal/algorithm"
	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/kv"
)

func attachmentKey(id, name string) string {
	return compositeKey(idKey(id), name)
}

func timeKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func seriesPrefix(id, name string) string {
	return compositeKey(idKey(id), name) + keySep
}

// missingBlobs returns the hashes referenced by attachment items that are
// neither in streams nor stored
func missingBlobs(r kv.Reader, items []*model.ReplicatedItem, streams map[string]model.AttachmentStream) []string {
	seen := make(map[string]struct{})
	var missing []string
	for _, item := range items {
		p, ok := item.Payload.(model.AttachmentPayload)
		if !ok {
			continue
		}
		if _, dup := seen[p.Hash]; dup {
			continue
		}
		seen[p.Hash] = struct{}{}
		if _, ok := streams[p.Hash]; ok {
			continue
		}
		if _, ok := r.Get(tableBlobs, p.Hash); ok {
			continue
		}
		missing = append(missing, p.Hash)
	}
	sort.Strings(missing)
	return missing
}

func storeBlob(tx *kv.Tx, st model.AttachmentStream) error {
	if _, ok := tx.Get(tableBlobs, st.Hash); ok {
		return nil
	}
	data := st.Data
	if st.Path != "" {
		var err error
		data, err = os.ReadFile(st.Path)
		if err != nil {
			return fmt.Errorf("failed to read spilled attachment %s: %w", st.Hash, err)
		}
	}
	tx.Put(tableBlobs, st.Hash, data)
	return nil
}

// applyAttachment merges attachment metadata or its tombstone. Concurrent
// versions keep the one with the greater vector string under the merged
// vector.
func (s *DatabaseSession) applyAttachment(tx *kv.Tx, item *model.ReplicatedItem, name string, remote *model.AttachmentRecord, streams map[string]model.AttachmentStream) (bool, error) {
	key := attachmentKey(item.ID, name)
	existing, err := getJSON[model.AttachmentRecord](tx, tableAttachments, key)
	if err != nil {
		return false, err
	}

	winner := remote
	if existing != nil {
		switch algorithm.Compare(item.Vector, existing.Vector) {
		case model.AlreadyMerged:
			return false, nil
		case model.Conflict:
			if existing.Vector.String() > item.Vector.String() {
				kept := *existing
				winner = &kept
			}
			winner.Vector = algorithm.Merge(existing.Vector, item.Vector)
		}
	}

	if !winner.Deleted {
		if st, ok := streams[winner.Hash]; ok {
			if err := storeBlob(tx, st); err != nil {
				return false, err
			}
		} else if _, ok := tx.Get(tableBlobs, winner.Hash); !ok {
			return false, errors.MissingAttachments(winner.Hash)
		}
	}

	winner.Vector = winner.Vector.Canonical()
	winner.Etag = nextEtag(tx)
	return true, putJSON(tx, tableAttachments, key, winner)
}

// applyCounters merges a counter group. Concurrent groups keep the highest
// value of each counter.
func (s *DatabaseSession) applyCounters(tx *kv.Tx, item *model.ReplicatedItem, p model.CounterGroupPayload) (bool, error) {
	key := idKey(item.ID)
	existing, err := getJSON[model.CounterGroupRecord](tx, tableCounters, key)
	if err != nil {
		return false, err
	}

	rec := &model.CounterGroupRecord{
		DocumentID:   item.ID,
		Collection:   item.Collection,
		Counters:     make(map[string]int64, len(p.Counters)),
		Vector:       item.Vector,
		LastModified: item.LastModified,
	}
	for name, v := range p.Counters {
		rec.Counters[name] = v
	}

	if existing != nil {
		switch algorithm.Compare(item.Vector, existing.Vector) {
		case model.AlreadyMerged:
			return false, nil
		case model.Conflict:
			for name, v := range existing.Counters {
				if cur, ok := rec.Counters[name]; !ok || v > cur {
					rec.Counters[name] = v
				}
			}
			rec.Vector = algorithm.Merge(existing.Vector, item.Vector)
			if existing.LastModified.After(rec.LastModified) {
				rec.LastModified = existing.LastModified
			}
		}
	}

	rec.Vector = rec.Vector.Canonical()
	rec.Etag = nextEtag(tx)
	return true, putJSON(tx, tableCounters, key, rec)
}

// applySegment merges a time series segment. Concurrent segments take the
// union of their points; equal timestamps keep the point that sorts last.
func (s *DatabaseSession) applySegment(tx *kv.Tx, item *model.ReplicatedItem, p model.TimeSeriesSegmentPayload) (bool, error) {
	key := seriesPrefix(item.ID, p.Name) + timeKey(p.Baseline)
	existing, err := getJSON[model.TimeSeriesSegmentRecord](tx, tableTimeSeries, key)
	if err != nil {
		return false, err
	}

	rec := &model.TimeSeriesSegmentRecord{
		DocumentID:   item.ID,
		Name:         p.Name,
		Baseline:     p.Baseline,
		Points:       append([]model.TimeSeriesPoint(nil), p.Points...),
		Vector:       item.Vector,
		LastModified: item.LastModified,
	}

	if existing != nil {
		switch algorithm.Compare(item.Vector, existing.Vector) {
		case model.AlreadyMerged:
			return false, nil
		case model.Conflict:
			rec.Points = unionPoints(existing.Points, rec.Points)
			rec.Vector = algorithm.Merge(existing.Vector, item.Vector)
			if existing.LastModified.After(rec.LastModified) {
				rec.LastModified = existing.LastModified
			}
		}
	}

	ranges, err := s.deletedRanges(tx, item.ID, p.Name)
	if err != nil {
		return false, err
	}
	for _, dr := range ranges {
		if !dr.LastModified.Before(rec.LastModified) {
			rec.Points = dropRange(rec.Points, dr.From, dr.To)
		}
	}

	rec.Vector = rec.Vector.Canonical()
	rec.Etag = nextEtag(tx)
	return true, putJSON(tx, tableTimeSeries, key, rec)
}

// applyDeletedRange records a range deletion and removes the covered points
// from every segment it postdates
func (s *DatabaseSession) applyDeletedRange(tx *kv.Tx, item *model.ReplicatedItem, p model.TimeSeriesDeletedRangePayload) (bool, error) {
	if p.To.Before(p.From) {
		return false, errors.InvalidItem(item.ID, "deleted range ends before it starts")
	}
	key := seriesPrefix(item.ID, p.Name) + timeKey(p.From)
	existing, err := getJSON[model.TimeSeriesDeletedRangeRecord](tx, tableTimeSeriesDeleted, key)
	if err != nil {
		return false, err
	}

	rec := &model.TimeSeriesDeletedRangeRecord{
		DocumentID:   item.ID,
		Name:         p.Name,
		From:         p.From,
		To:           p.To,
		Vector:       item.Vector,
		LastModified: item.LastModified,
	}
	if existing != nil {
		switch algorithm.Compare(item.Vector, existing.Vector) {
		case model.AlreadyMerged:
			return false, nil
		case model.Conflict:
			if existing.To.After(rec.To) {
				rec.To = existing.To
			}
			rec.Vector = algorithm.Merge(existing.Vector, item.Vector)
		}
	}
	rec.Vector = rec.Vector.Canonical()
	rec.Etag = nextEtag(tx)
	if err := putJSON(tx, tableTimeSeriesDeleted, key, rec); err != nil {
		return false, err
	}

	var keys []string
	tx.Scan(tableTimeSeries, seriesPrefix(item.ID, p.Name), "", func(k string, _ []byte) bool {
		keys = append(keys, k)
		return true
	})
	for _, k := range keys {
		seg, err := getJSON[model.TimeSeriesSegmentRecord](tx, tableTimeSeries, k)
		if err != nil {
			return false, err
		}
		if seg == nil || seg.LastModified.After(rec.LastModified) {
			continue
		}
		kept := dropRange(seg.Points, rec.From, rec.To)
		if len(kept) == len(seg.Points) {
			continue
		}
		if len(kept) == 0 {
			tx.Delete(tableTimeSeries, k)
			continue
		}
		seg.Points = kept
		seg.Etag = nextEtag(tx)
		if err := putJSON(tx, tableTimeSeries, k, seg); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *DatabaseSession) deletedRanges(r kv.Reader, id, name string) ([]*model.TimeSeriesDeletedRangeRecord, error) {
	var keys []string
	r.Scan(tableTimeSeriesDeleted, seriesPrefix(id, name), "", func(k string, _ []byte) bool {
		keys = append(keys, k)
		return true
	})
	out := make([]*model.TimeSeriesDeletedRangeRecord, 0, len(keys))
	for _, k := range keys {
		dr, err := getJSON[model.TimeSeriesDeletedRangeRecord](r, tableTimeSeriesDeleted, k)
		if err != nil {
			return nil, err
		}
		if dr != nil {
			out = append(out, dr)
		}
	}
	return out, nil
}

func dropRange(points []model.TimeSeriesPoint, from, to time.Time) []model.TimeSeriesPoint {
	kept := make([]model.TimeSeriesPoint, 0, len(points))
	for _, pt := range points {
		if !pt.Timestamp.Before(from) && !pt.Timestamp.After(to) {
			continue
		}
		kept = append(kept, pt)
	}
	return kept
}

func unionPoints(a, b []model.TimeSeriesPoint) []model.TimeSeriesPoint {
	byTime := make(map[int64]model.TimeSeriesPoint, len(a)+len(b))
	for _, set := range [][]model.TimeSeriesPoint{a, b} {
		for _, pt := range set {
			ts := pt.Timestamp.UnixNano()
			if cur, ok := byTime[ts]; !ok || pointLess(cur, pt) {
				byTime[ts] = pt
			}
		}
	}
	out := make([]model.TimeSeriesPoint, 0, len(byTime))
	for _, pt := range byTime {
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// pointLess orders points with equal timestamps by values, then tag
func pointLess(a, b model.TimeSeriesPoint) bool {
	for i := 0; i < len(a.Values) && i < len(b.Values); i++ {
		if a.Values[i] != b.Values[i] {
			return a.Values[i] < b.Values[i]
		}
	}
	if len(a.Values) != len(b.Values) {
		return len(a.Values) < len(b.Values)
	}
	return a.Tag < b.Tag
}
