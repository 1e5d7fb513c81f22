package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/kv"
	"github.com/devrev/pairdb/docstore/internal/storage/txmerger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRevisions(cfg *model.RevisionsConfiguration) func(*SessionConfig) {
	return func(c *SessionConfig) { c.Revisions = cfg }
}

func (n *testNode) count(t *testing.T, id string) int64 {
	t.Helper()
	var c int64
	require.NoError(t, n.store.View(func(r kv.Reader) error {
		c = n.s.ledger.Count(r, id)
		return nil
	}))
	return c
}

func (n *testNode) enforce(t *testing.T, id, collection string) (int, bool) {
	t.Helper()
	var (
		deleted  int
		moreWork bool
	)
	_, err := n.merger.Execute(context.Background(), txmerger.CommandFunc(func(_ context.Context, tx *kv.Tx) (int, error) {
		var err error
		deleted, moreWork, err = n.s.ledger.EnforceRetention(tx, id, collection, 0, true)
		return deleted, err
	}))
	require.NoError(t, err)
	return deleted, moreWork
}

func TestRevisionLedger_CappedEnforcement(t *testing.T) {
	n := newTestNode(t, "R1", withRevisions(&model.RevisionsConfiguration{
		Collections: map[string]model.RetentionPolicy{"orders": {}},
	}))
	for i := 1; i <= 5; i++ {
		n.put(t, "orders/1", "orders", fmt.Sprintf(`{"v":%d}`, i))
	}
	require.Equal(t, int64(5), n.count(t, "orders/1"))
	assert.True(t, n.document(t, "orders/1").Flags.Contains(model.FlagHasRevisions))

	n.s.Ledger().SetConfiguration(&model.RevisionsConfiguration{
		Collections: map[string]model.RetentionPolicy{"orders": {
			MinimumRevisionsToKeep: int64p(2),
			MaxDeletesPerUpdate:    int64p(1),
		}},
	})

	deleted, more := n.enforce(t, "orders/1", "orders")
	assert.Equal(t, 1, deleted)
	assert.True(t, more)
	deleted, more = n.enforce(t, "orders/1", "orders")
	assert.Equal(t, 1, deleted)
	assert.True(t, more)
	deleted, more = n.enforce(t, "orders/1", "orders")
	assert.Equal(t, 1, deleted)
	assert.False(t, more)
	deleted, more = n.enforce(t, "orders/1", "orders")
	assert.Zero(t, deleted)
	assert.False(t, more)

	chain, total, err := n.s.RevisionChain("orders/1", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, chain, 2)
	assert.JSONEq(t, `{"v":5}`, string(chain[0].Body))
	assert.JSONEq(t, `{"v":4}`, string(chain[1].Body))

	// Pruned revisions leave ledger tombstones
	require.NoError(t, n.store.View(func(r kv.Reader) error {
		tomb, err := n.s.ledger.GetTombstone(r, vv("R1:1"))
		require.NoError(t, err)
		require.NotNil(t, tomb)
		assert.Equal(t, ReasonRetention, tomb.Reason)
		assert.Equal(t, "orders/1", tomb.ID)
		return nil
	}))
}

func TestRevisionLedger_ChainPaging(t *testing.T) {
	n := newTestNode(t, "R1", withRevisions(&model.RevisionsConfiguration{Default: &model.RetentionPolicy{}}))
	for i := 1; i <= 5; i++ {
		n.put(t, "Users/1", "users", fmt.Sprintf(`{"v":%d}`, i))
	}

	chain, total, err := n.s.RevisionChain("users/1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, chain, 2)
	assert.JSONEq(t, `{"v":4}`, string(chain[0].Body))
	assert.JSONEq(t, `{"v":3}`, string(chain[1].Body))
	for _, rev := range chain {
		assert.True(t, rev.Flags.Contains(model.FlagRevision))
	}

	chain, total, err = n.s.RevisionChain("users/1", 10, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Empty(t, chain)
}

func TestRevisionLedger_PurgeOnDelete(t *testing.T) {
	n := newTestNode(t, "R1", withRevisions(&model.RevisionsConfiguration{
		Collections: map[string]model.RetentionPolicy{"orders": {PurgeOnDelete: true}},
	}))
	n.put(t, "orders/1", "orders", `{"v":1}`)
	n.put(t, "orders/1", "orders", `{"v":2}`)
	require.Equal(t, int64(2), n.count(t, "orders/1"))

	require.NoError(t, n.s.Delete(context.Background(), "orders/1"))
	assert.Zero(t, n.count(t, "orders/1"))

	bin, err := n.s.BinEntries(0, -1)
	require.NoError(t, err)
	assert.Empty(t, bin)

	require.NoError(t, n.store.View(func(r kv.Reader) error {
		tomb, err := n.s.ledger.GetTombstone(r, vv("R1:1"))
		require.NoError(t, err)
		require.NotNil(t, tomb)
		assert.Equal(t, ReasonPurgeOnDelete, tomb.Reason)
		return nil
	}))
}

func TestRevisionLedger_KeepNoRevisions(t *testing.T) {
	n := newTestNode(t, "R1", withRevisions(&model.RevisionsConfiguration{
		Default: &model.RetentionPolicy{MinimumRevisionsToKeep: int64p(0)},
	}))
	n.put(t, "a", "users", `{}`)
	n.put(t, "a", "users", `{}`)

	assert.Zero(t, n.count(t, "a"))
	assert.False(t, n.document(t, "a").Flags.Contains(model.FlagHasRevisions))
}

func TestRevisionLedger_DisabledPolicy(t *testing.T) {
	n := newTestNode(t, "R1", withRevisions(&model.RevisionsConfiguration{
		Default:     &model.RetentionPolicy{},
		Collections: map[string]model.RetentionPolicy{"logs": {Disabled: true}},
	}))
	n.put(t, "logs/1", "logs", `{}`)
	n.put(t, "users/1", "users", `{}`)

	assert.Zero(t, n.count(t, "logs/1"))
	assert.Equal(t, int64(1), n.count(t, "users/1"))
}

func TestRevisionLedger_BinEntries(t *testing.T) {
	n := newTestNode(t, "R1", withRevisions(&model.RevisionsConfiguration{Default: &model.RetentionPolicy{}}))
	n.put(t, "a", "users", `{"a":1}`)
	n.put(t, "b", "users", `{"b":1}`)
	require.NoError(t, n.s.Delete(context.Background(), "a"))

	bin, err := n.s.BinEntries(0, -1)
	require.NoError(t, err)
	require.Len(t, bin, 1)
	assert.Equal(t, "a", bin[0].ID)
	assert.True(t, bin[0].IsDeleteMarker())
	assert.True(t, bin[0].Flags.Contains(model.FlagDeleteRevision))
	assert.NotZero(t, bin[0].DeletedMarkerEtag)

	bin, err = n.s.BinEntries(bin[0].Etag+1, -1)
	require.NoError(t, err)
	assert.Empty(t, bin)

	// A document brought back leaves the bin
	n.put(t, "a", "users", `{"a":2}`)
	bin, err = n.s.BinEntries(0, -1)
	require.NoError(t, err)
	assert.Empty(t, bin)
}

func TestRevisionLedger_EnforceAcrossDatabase(t *testing.T) {
	n := newTestNode(t, "R1", func(cfg *SessionConfig) {
		cfg.Revisions = &model.RevisionsConfiguration{Default: &model.RetentionPolicy{}}
		cfg.Enforcement = EnforcementBudget{MaxBytes: 1}
	})
	ids := []string{"a", "b", "c"}
	for i := 0; i < 3; i++ {
		for _, id := range ids {
			n.put(t, id, "users", fmt.Sprintf(`{"v":%d}`, i))
		}
	}
	for _, id := range ids {
		require.Equal(t, int64(3), n.count(t, id))
	}

	n.s.Ledger().SetConfiguration(&model.RevisionsConfiguration{
		Default: &model.RetentionPolicy{MinimumRevisionsToKeep: int64p(1)},
	})
	res, err := n.s.EnforceRevisionConfiguration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Deleted)
	assert.Greater(t, res.Rounds, 1)

	for _, id := range ids {
		assert.Equal(t, int64(1), n.count(t, id), id)
		chain, _, err := n.s.RevisionChain(id, 0, -1)
		require.NoError(t, err)
		require.Len(t, chain, 1)
		assert.JSONEq(t, `{"v":2}`, string(chain[0].Body))
	}

	// A second run has nothing left to do
	res, err = n.s.EnforceRevisionConfiguration(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
}

func TestRevisionLedger_ConflictHistoryAgesOut(t *testing.T) {
	n := newTestNode(t, "R2", withRevisions(&model.RevisionsConfiguration{
		Conflicts: &model.RetentionPolicy{MinimumRevisionAgeToKeep: durationp(0)},
	}))
	n.put(t, "foo", "users", `{}`)
	_, err := n.apply(t, "R1", []*model.ReplicatedItem{{
		ID: "foo", Collection: "users", Vector: vv("R1:1"), LastModified: n.s.now().Add(-1),
		Payload: model.DocumentPayload{Body: []byte(`{"x":1}`)},
	}}, nil, 1)
	require.NoError(t, err)

	members, err := n.s.Conflicts("foo")
	require.NoError(t, err)
	assert.Len(t, members, 2)
	rev, err := n.s.RevisionByVector(vv("R1:1"))
	require.NoError(t, err)
	assert.Nil(t, rev)
}

func TestUpdateConfiguration_SchedulesEnforcement(t *testing.T) {
	n := newTestNode(t, "R1", withRevisions(&model.RevisionsConfiguration{Default: &model.RetentionPolicy{}}))
	for i := 0; i < 3; i++ {
		n.put(t, "users/1", "users", fmt.Sprintf(`{"v":%d}`, i))
	}
	require.Equal(t, int64(3), n.count(t, "users/1"))

	require.NoError(t, n.s.UpdateConfiguration(context.Background(), 1, &model.RevisionsConfiguration{
		Default: &model.RetentionPolicy{MinimumRevisionsToKeep: int64p(1)},
	}, nil, false))

	require.Eventually(t, func() bool {
		var c int64
		_ = n.store.View(func(r kv.Reader) error {
			c = n.s.ledger.Count(r, "users/1")
			return nil
		})
		return c == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(n.s.metrics.BackgroundTasksTotal.WithLabelValues("enforce-revisions", "ok")) >= 1
	}, 5*time.Second, 10*time.Millisecond)
}
