package service

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/pairdb/docstore/internal/algorithm"
	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allTables = []string{
	tableDocs, tableConflicts, tableRevisions, tableRevisionsByID, tableRevisionsByEtag,
	tableRevisionCounts, tableRevisionTombstones, tableAttachments, tableBlobs,
	tableCounters, tableTimeSeries, tableTimeSeriesDeleted, tableMeta,
}

func dump(t *testing.T, n *testNode) map[string]map[string]string {
	t.Helper()
	out := make(map[string]map[string]string)
	require.NoError(t, n.store.View(func(r kv.Reader) error {
		for _, table := range allTables {
			rows := make(map[string]string)
			r.Scan(table, "", "", func(key string, value []byte) bool {
				rows[key] = string(value)
				return true
			})
			out[table] = rows
		}
		return nil
	}))
	return out
}

func TestConcurrentWrites_RecordConflict(t *testing.T) {
	n1 := newTestNode(t, "R1", nil)
	n2 := newTestNode(t, "R2", nil)

	d1 := n1.put(t, "foo", "users", `{"name":"one"}`)
	d2 := n2.put(t, "foo", "users", `{"name":"two"}`)
	assert.Equal(t, "R1:1", d1.Vector.String())
	assert.Equal(t, "R2:1", d2.Vector.String())
	assert.Equal(t, model.Conflict, algorithm.Compare(d1.Vector, d2.Vector))

	cmd := replicate(t, n1, n2, "foo")
	assert.Equal(t, 1, cmd.Result.NewConflicts)

	members, err := n2.s.Conflicts("foo")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "R1:1", members[0].Vector.String())
	assert.JSONEq(t, `{"name":"one"}`, string(members[0].Body))
	assert.Equal(t, "R2:1", members[1].Vector.String())
	assert.JSONEq(t, `{"name":"two"}`, string(members[1].Body))
	for _, m := range members {
		assert.True(t, m.Flags.Contains(model.FlagConflicted))
	}

	_, err = n2.s.Get("foo")
	assert.True(t, errors.HasCode(err, errors.ErrCodeDocumentConflict))

	ids, err := n2.s.ConflictedIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"foo"}, ids)

	vec, err := n2.s.DatabaseVector()
	require.NoError(t, err)
	assert.Equal(t, "R1:1, R2:1", vec.String())
	assert.Equal(t, int64(1), n2.s.Checkpoint("R1"))
}

func TestApply_UpdateReplacesDocument(t *testing.T) {
	n1 := newTestNode(t, "R1", nil)
	n2 := newTestNode(t, "R2", nil)

	n1.put(t, "users/1", "users", `{"v":1}`)
	replicate(t, n1, n2, "users/1")
	n1.put(t, "users/1", "users", `{"v":2}`)
	replicate(t, n1, n2, "users/1")

	doc, err := n2.s.Get("users/1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(doc.Body))
	assert.Equal(t, n1.document(t, "users/1").Vector.String(), doc.Vector.String())
	assert.True(t, doc.Flags.Contains(model.FlagFromReplication))

	// A stale version is already merged
	cmd, err := n2.apply(t, "R1", []*model.ReplicatedItem{{
		ID:         "users/1",
		Collection: "users",
		Vector:     vv("R1:1"),
		Payload:    model.DocumentPayload{Body: []byte(`{"v":1}`)},
	}}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, cmd.Result.Applied)
	assert.Equal(t, 1, cmd.Result.Skipped)

	doc, err = n2.s.Get("users/1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(doc.Body))
}

func TestApply_TombstoneDeletesDocument(t *testing.T) {
	n1 := newTestNode(t, "R1", nil)
	n2 := newTestNode(t, "R2", nil)

	n1.put(t, "users/1", "users", `{"v":1}`)
	replicate(t, n1, n2, "users/1")
	require.NoError(t, n1.s.Delete(context.Background(), "users/1"))
	replicate(t, n1, n2, "users/1")

	_, err := n2.s.Get("users/1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeDocumentNotFound))
	doc := n2.document(t, "users/1")
	require.NotNil(t, doc)
	assert.True(t, doc.Deleted)
	assert.Nil(t, doc.Body)
}

func TestApply_RemoteDominatingAllMembersResolvesConflict(t *testing.T) {
	n2 := newTestNode(t, "R2", nil)
	n2.put(t, "foo", "users", `{"name":"two"}`)

	_, err := n2.apply(t, "R1", []*model.ReplicatedItem{{
		ID: "foo", Collection: "users", Vector: vv("R1:1"),
		LastModified: time.Now().UTC(),
		Payload:      model.DocumentPayload{Body: []byte(`{"name":"one"}`)},
	}}, nil, 1)
	require.NoError(t, err)

	members, err := n2.s.Conflicts("foo")
	require.NoError(t, err)
	require.Len(t, members, 2)

	_, err = n2.apply(t, "R1", []*model.ReplicatedItem{{
		ID: "foo", Collection: "users", Vector: vv("R1:2, R2:1"),
		LastModified: time.Now().UTC(),
		Payload:      model.DocumentPayload{Body: []byte(`{"name":"merged"}`)},
	}}, nil, 2)
	require.NoError(t, err)

	members, err = n2.s.Conflicts("foo")
	require.NoError(t, err)
	assert.Empty(t, members)

	doc, err := n2.s.Get("foo")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"merged"}`, string(doc.Body))
	assert.True(t, doc.Flags.Contains(model.FlagResolved))
	assert.False(t, doc.Flags.Contains(model.FlagConflicted))

	// Both alternatives were archived
	for _, v := range []string{"R1:1", "R2:1"} {
		rev, err := n2.s.RevisionByVector(vv(v))
		require.NoError(t, err)
		require.NotNil(t, rev, v)
		assert.True(t, rev.Flags.Contains(model.FlagConflicted))
	}
}

func TestApply_ConflictDropsDominatedMembers(t *testing.T) {
	n := newTestNode(t, "R2", nil)
	n.put(t, "foo", "users", `{"n":0}`)

	apply := func(vector, body string) {
		_, err := n.apply(t, "R1", []*model.ReplicatedItem{{
			ID: "foo", Collection: "users", Vector: vv(vector),
			LastModified: time.Now().UTC(),
			Payload:      model.DocumentPayload{Body: []byte(body)},
		}}, nil, 0)
		require.NoError(t, err)
	}
	apply("R1:1", `{"n":1}`)
	apply("R1:2", `{"n":2}`)

	members, err := n.s.Conflicts("foo")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "R1:2", members[0].Vector.String())
	assert.Equal(t, "R2:1", members[1].Vector.String())
}

func TestApply_ConflictWithTombstone(t *testing.T) {
	n := newTestNode(t, "R2", nil)
	n.put(t, "foo", "users", `{"n":0}`)

	_, err := n.apply(t, "R1", []*model.ReplicatedItem{{
		ID: "foo", Collection: "users", Vector: vv("R1:1"),
		LastModified: time.Now().UTC(),
		Payload:      model.DocumentTombstonePayload{},
	}}, nil, 0)
	require.NoError(t, err)

	members, err := n.s.Conflicts("foo")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.True(t, members[0].IsTombstone())
	assert.False(t, members[1].IsTombstone())
}

func TestApply_IsIdempotent(t *testing.T) {
	n := newTestNode(t, "R2", nil)
	n.put(t, "foo", "users", `{"n":0}`)

	now := time.Now().UTC().Truncate(time.Millisecond)
	batch := func() []*model.ReplicatedItem {
		return []*model.ReplicatedItem{
			{ID: "foo", Collection: "users", Vector: vv("R1:1"), LastModified: now,
				Payload: model.DocumentPayload{Body: []byte(`{"n":1}`)}},
			{ID: "bar", Collection: "users", Vector: vv("R1:2"), LastModified: now,
				Payload: model.DocumentPayload{Body: []byte(`{"n":2}`)}},
			{ID: "bar", Collection: "users", Vector: vv("R1:2"), LastModified: now,
				Payload: model.RevisionPayload{Body: []byte(`{"n":2}`)}},
			{ID: "bar", Collection: "users", Vector: vv("R1:3"), LastModified: now,
				Payload: model.AttachmentPayload{Name: "a.txt", ContentType: "text/plain", Hash: "h1"}},
			{ID: "bar", Collection: "users", Vector: vv("R1:4"), LastModified: now,
				Payload: model.CounterGroupPayload{Counters: map[string]int64{"likes": 3}}},
			{ID: "bar", Collection: "users", Vector: vv("R1:5"), LastModified: now,
				Payload: model.TimeSeriesSegmentPayload{Name: "hr", Baseline: now, Points: []model.TimeSeriesPoint{
					{Timestamp: now, Values: []float64{60}},
					{Timestamp: now.Add(time.Second), Values: []float64{61}},
				}}},
			{ID: "old", Collection: "users", Vector: vv("R1:6"), LastModified: now,
				Payload: model.RevisionTombstonePayload{}},
		}
	}
	streams := map[string]model.AttachmentStream{"h1": {Hash: "h1", Data: []byte("hello")}}

	first, err := n.apply(t, "R1", batch(), streams, 6)
	require.NoError(t, err)
	assert.Equal(t, 7, first.Result.Applied)
	before := dump(t, n)

	second, err := n.apply(t, "R1", batch(), streams, 6)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Result.Applied)
	assert.Equal(t, 7, second.Result.Skipped)
	assert.Equal(t, before, dump(t, n))
}

func TestApply_FailureMidBatchLeavesNothingVisible(t *testing.T) {
	n := newTestNode(t, "R2", nil)
	before := dump(t, n)

	now := time.Now().UTC()
	items := []*model.ReplicatedItem{
		{ID: "orders/1", Collection: "orders", Vector: vv("R1:1"), LastModified: now, TransactionMarker: 5,
			Payload: model.DocumentPayload{Body: []byte(`{"n":1}`)}},
		{ID: "orders/2", Collection: "orders", LastModified: now, TransactionMarker: 5,
			Payload: model.DocumentPayload{Body: []byte(`{"n":2}`)}},
		{ID: "orders/3", Collection: "orders", Vector: vv("R1:3"), LastModified: now, TransactionMarker: 5,
			Payload: model.DocumentPayload{Body: []byte(`{"n":3}`)}},
	}
	_, err := n.apply(t, "R1", items, nil, 3)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidItem))
	assert.Equal(t, before, dump(t, n))
	assert.Zero(t, n.s.Checkpoint("R1"))

	items[1].Vector = vv("R1:2")
	_, err = n.apply(t, "R1", items, nil, 3)
	require.NoError(t, err)
	for _, id := range []string{"orders/1", "orders/2", "orders/3"} {
		_, err := n.s.Get(id)
		assert.NoError(t, err, id)
	}
	assert.Equal(t, int64(3), n.s.Checkpoint("R1"))
}

func TestApply_MissingAttachmentRollsBack(t *testing.T) {
	n := newTestNode(t, "R2", nil)
	before := dump(t, n)

	now := time.Now().UTC()
	items := []*model.ReplicatedItem{
		{ID: "docs/1", Collection: "docs", Vector: vv("R1:1"), LastModified: now,
			Payload: model.DocumentPayload{Body: []byte(`{}`)}},
		{ID: "docs/1", Collection: "docs", Vector: vv("R1:2"), LastModified: now,
			Payload: model.AttachmentPayload{Name: "photo.png", Hash: "missing-hash"}},
	}
	_, err := n.apply(t, "R1", items, nil, 2)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeMissingAttachments))
	assert.Contains(t, err.Error(), "missing-hash")
	assert.Equal(t, before, dump(t, n))
}

func TestApply_AttachmentUsesStoredBlob(t *testing.T) {
	n := newTestNode(t, "R2", nil)
	now := time.Now().UTC()

	_, err := n.apply(t, "R1", []*model.ReplicatedItem{
		{ID: "docs/1", Collection: "docs", Vector: vv("R1:1"), LastModified: now,
			Payload: model.AttachmentPayload{Name: "a", Hash: "h"}},
	}, map[string]model.AttachmentStream{"h": {Hash: "h", Data: []byte("content")}}, 1)
	require.NoError(t, err)

	// Same content under another document needs no stream
	_, err = n.apply(t, "R1", []*model.ReplicatedItem{
		{ID: "docs/2", Collection: "docs", Vector: vv("R1:2"), LastModified: now,
			Payload: model.AttachmentPayload{Name: "b", Hash: "h"}},
	}, nil, 2)
	require.NoError(t, err)

	require.NoError(t, n.store.View(func(r kv.Reader) error {
		blob, ok := r.Get(tableBlobs, "h")
		assert.True(t, ok)
		assert.Equal(t, "content", string(blob))
		rec, err := getJSON[model.AttachmentRecord](r, tableAttachments, attachmentKey("docs/2", "b"))
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "h", rec.Hash)
		return nil
	}))
}

func TestApply_ConcurrentAttachmentsKeepGreaterVector(t *testing.T) {
	n := newTestNode(t, "R3", nil)
	now := time.Now().UTC()
	streams := map[string]model.AttachmentStream{
		"h1": {Hash: "h1", Data: []byte("one")},
		"h2": {Hash: "h2", Data: []byte("two")},
	}

	_, err := n.apply(t, "R2", []*model.ReplicatedItem{
		{ID: "d", Collection: "c", Vector: vv("R2:1"), LastModified: now,
			Payload: model.AttachmentPayload{Name: "a", Hash: "h2"}},
	}, streams, 1)
	require.NoError(t, err)
	_, err = n.apply(t, "R1", []*model.ReplicatedItem{
		{ID: "d", Collection: "c", Vector: vv("R1:1"), LastModified: now,
			Payload: model.AttachmentPayload{Name: "a", Hash: "h1"}},
	}, streams, 1)
	require.NoError(t, err)

	require.NoError(t, n.store.View(func(r kv.Reader) error {
		rec, err := getJSON[model.AttachmentRecord](r, tableAttachments, attachmentKey("d", "a"))
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "h2", rec.Hash)
		assert.Equal(t, "R1:1, R2:1", rec.Vector.String())
		return nil
	}))
}

func TestApply_ConcurrentCountersTakeMaximum(t *testing.T) {
	n := newTestNode(t, "R3", nil)
	now := time.Now().UTC()

	_, err := n.apply(t, "R1", []*model.ReplicatedItem{
		{ID: "d", Collection: "c", Vector: vv("R1:1"), LastModified: now,
			Payload: model.CounterGroupPayload{Counters: map[string]int64{"a": 1, "b": 5}}},
	}, nil, 1)
	require.NoError(t, err)
	_, err = n.apply(t, "R2", []*model.ReplicatedItem{
		{ID: "d", Collection: "c", Vector: vv("R2:1"), LastModified: now,
			Payload: model.CounterGroupPayload{Counters: map[string]int64{"a": 3}}},
	}, nil, 1)
	require.NoError(t, err)

	require.NoError(t, n.store.View(func(r kv.Reader) error {
		rec, err := getJSON[model.CounterGroupRecord](r, tableCounters, idKey("d"))
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, map[string]int64{"a": 3, "b": 5}, rec.Counters)
		assert.Equal(t, "R1:1, R2:1", rec.Vector.String())
		return nil
	}))
}

func TestApply_TimeSeriesUnionAndDeletedRange(t *testing.T) {
	n := newTestNode(t, "R3", nil)
	base := time.Now().UTC().Truncate(time.Second)
	at := func(s int) time.Time { return base.Add(time.Duration(s) * time.Second) }

	_, err := n.apply(t, "R1", []*model.ReplicatedItem{
		{ID: "d", Collection: "c", Vector: vv("R1:1"), LastModified: at(0),
			Payload: model.TimeSeriesSegmentPayload{Name: "hr", Baseline: base, Points: []model.TimeSeriesPoint{
				{Timestamp: at(0), Values: []float64{60}},
				{Timestamp: at(2), Values: []float64{62}},
			}}},
	}, nil, 1)
	require.NoError(t, err)
	_, err = n.apply(t, "R2", []*model.ReplicatedItem{
		{ID: "d", Collection: "c", Vector: vv("R2:1"), LastModified: at(0),
			Payload: model.TimeSeriesSegmentPayload{Name: "hr", Baseline: base, Points: []model.TimeSeriesPoint{
				{Timestamp: at(1), Values: []float64{61}},
				{Timestamp: at(2), Values: []float64{70}},
			}}},
	}, nil, 1)
	require.NoError(t, err)

	segment := func() *model.TimeSeriesSegmentRecord {
		var seg *model.TimeSeriesSegmentRecord
		require.NoError(t, n.store.View(func(r kv.Reader) error {
			var err error
			seg, err = getJSON[model.TimeSeriesSegmentRecord](r, tableTimeSeries, seriesPrefix("d", "hr")+timeKey(base))
			return err
		}))
		return seg
	}

	seg := segment()
	require.NotNil(t, seg)
	require.Len(t, seg.Points, 3)
	assert.Equal(t, []float64{60}, seg.Points[0].Values)
	assert.Equal(t, []float64{61}, seg.Points[1].Values)
	assert.Equal(t, []float64{70}, seg.Points[2].Values)

	_, err = n.apply(t, "R1", []*model.ReplicatedItem{
		{ID: "d", Collection: "c", Vector: vv("R1:2"), LastModified: at(10),
			Payload: model.TimeSeriesDeletedRangePayload{Name: "hr", From: at(0), To: at(1)}},
	}, nil, 2)
	require.NoError(t, err)

	seg = segment()
	require.NotNil(t, seg)
	require.Len(t, seg.Points, 1)
	assert.Equal(t, []float64{70}, seg.Points[0].Values)

	// A segment older than the deletion does not bring the points back
	_, err = n.apply(t, "R4", []*model.ReplicatedItem{
		{ID: "d", Collection: "c", Vector: vv("R4:1"), LastModified: at(5),
			Payload: model.TimeSeriesSegmentPayload{Name: "hr", Baseline: base, Points: []model.TimeSeriesPoint{
				{Timestamp: at(0), Values: []float64{99}},
			}}},
	}, nil, 1)
	require.NoError(t, err)
	seg = segment()
	require.NotNil(t, seg)
	require.Len(t, seg.Points, 1)
	assert.Equal(t, []float64{70}, seg.Points[0].Values)
}

func TestApply_TranslatesSinkEntries(t *testing.T) {
	n := newTestNode(t, "HUB", nil)
	n.put(t, "local", "c", `{}`)

	cmd := n.s.NewApplyCommand("sink", []*model.ReplicatedItem{
		{ID: "d", Collection: "c", Vector: vv("SINK@HUB:1, S1:4"), LastModified: time.Now().UTC(),
			Payload: model.DocumentPayload{Body: []byte(`{}`)}},
	}, nil, 4)
	cmd.TranslateSinkEntries = true
	_, err := n.merger.Execute(context.Background(), cmd)
	require.NoError(t, err)

	doc, err := n.s.Get("d")
	require.NoError(t, err)
	assert.Equal(t, "HUB:1, SINK@S1:4", doc.Vector.String())
}

func TestApply_RevisionReplayAddsConflictedFlag(t *testing.T) {
	n := newTestNode(t, "R2", nil)
	now := time.Now().UTC()
	rev := func(flags model.DocumentFlags) []*model.ReplicatedItem {
		return []*model.ReplicatedItem{{
			ID: "d", Collection: "c", Vector: vv("R1:1"), LastModified: now, Flags: flags,
			Payload: model.RevisionPayload{Body: []byte(`{"v":1}`)},
		}}
	}

	_, err := n.apply(t, "R1", rev(0), nil, 1)
	require.NoError(t, err)
	stored, err := n.s.RevisionByVector(vv("R1:1"))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.Flags.Contains(model.FlagConflicted))
	assert.True(t, stored.Flags.Contains(model.FlagRevision))

	_, err = n.apply(t, "R1", rev(model.FlagConflicted), nil, 1)
	require.NoError(t, err)
	stored, err = n.s.RevisionByVector(vv("R1:1"))
	require.NoError(t, err)
	assert.True(t, stored.Flags.Contains(model.FlagConflicted))

	_, err = n.apply(t, "R1", []*model.ReplicatedItem{{
		ID: "d", Collection: "c", Vector: vv("R1:1"), LastModified: now,
		Payload: model.RevisionTombstonePayload{},
	}}, nil, 2)
	require.NoError(t, err)
	stored, err = n.s.RevisionByVector(vv("R1:1"))
	require.NoError(t, err)
	assert.Nil(t, stored)

	// A tombstoned revision is not brought back by a replay
	_, err = n.apply(t, "R1", rev(0), nil, 1)
	require.NoError(t, err)
	stored, err = n.s.RevisionByVector(vv("R1:1"))
	require.NoError(t, err)
	assert.Nil(t, stored)
}
