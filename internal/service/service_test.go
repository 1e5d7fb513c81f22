package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/kv"
	"github.com/devrev/pairdb/docstore/internal/storage/txmerger"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedAlert struct {
	Kind    string
	ID      string
	Message string
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []recordedAlert
}

func (r *recordingAlerts) Raise(_ context.Context, kind, documentID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, recordedAlert{Kind: kind, ID: documentID, Message: message})
	return nil
}

func (r *recordingAlerts) List() []recordedAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedAlert(nil), r.alerts...)
}

type testNode struct {
	s      *DatabaseSession
	store  *kv.Store
	merger *txmerger.Merger
	alerts *recordingAlerts
}

func newTestNode(t *testing.T, id string, configure func(cfg *SessionConfig)) *testNode {
	t.Helper()
	logger := zap.NewNop()
	store := kv.NewInMemory(logger)
	merger := txmerger.New(store, txmerger.Config{Logger: logger})
	alerts := &recordingAlerts{}

	cfg := SessionConfig{
		DatabaseID:        id,
		KeepAliveInterval: time.Second,
	}
	if configure != nil {
		configure(&cfg)
	}
	s, err := NewDatabaseSession(cfg, store, merger, alerts, nil, nil, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close(time.Second)
		_ = merger.Stop(time.Second)
	})
	return &testNode{s: s, store: store, merger: merger, alerts: alerts}
}

// at pins the session clock
func (n *testNode) at(ts time.Time) {
	n.s.now = func() time.Time { return ts }
}

func (n *testNode) put(t *testing.T, id, collection, body string) *model.DocumentRecord {
	t.Helper()
	rec, err := n.s.Put(context.Background(), id, collection, []byte(body))
	require.NoError(t, err)
	return rec
}

func (n *testNode) document(t *testing.T, id string) *model.DocumentRecord {
	t.Helper()
	var doc *model.DocumentRecord
	require.NoError(t, n.store.View(func(r kv.Reader) error {
		var err error
		doc, err = getDocument(r, id)
		return err
	}))
	return doc
}

// documentItem renders the stored state of id as a replicated item
func (n *testNode) documentItem(t *testing.T, id string) *model.ReplicatedItem {
	t.Helper()
	doc := n.document(t, id)
	require.NotNil(t, doc, "document %s", id)
	item := &model.ReplicatedItem{
		ID:           doc.ID,
		Collection:   doc.Collection,
		Vector:       doc.Vector,
		LastModified: doc.LastModified,
		Flags:        doc.Flags,
	}
	if doc.Deleted {
		item.Payload = model.DocumentTombstonePayload{}
	} else {
		item.Payload = model.DocumentPayload{Body: doc.Body}
	}
	return item
}

func (n *testNode) apply(t *testing.T, source string, items []*model.ReplicatedItem, streams map[string]model.AttachmentStream, lastCounter int64) (*MergedApplyCommand, error) {
	t.Helper()
	cmd := n.s.NewApplyCommand(source, items, streams, lastCounter)
	_, err := n.merger.Execute(context.Background(), cmd)
	return cmd, err
}

// replicate ships the current state of ids from one node to another
func replicate(t *testing.T, from, to *testNode, ids ...string) *MergedApplyCommand {
	t.Helper()
	items := make([]*model.ReplicatedItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, from.documentItem(t, id))
	}
	var last int64
	require.NoError(t, from.store.View(func(r kv.Reader) error {
		last = lastEtag(r)
		return nil
	}))
	cmd, err := to.apply(t, from.s.ID(), items, nil, last)
	require.NoError(t, err)
	return cmd
}

// runPass runs a resolution pass, waiting out a background pass if one
// holds the gate
func runPass(t *testing.T, n *testNode) PassResult {
	t.Helper()
	var res PassResult
	require.Eventually(t, func() bool {
		var err error
		res, err = n.s.Resolution().RunPass(context.Background())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return res
}

func vv(s string) model.VersionVector {
	return model.MustParseVersionVector(s)
}

func int64p(v int64) *int64 {
	return &v
}

func durationp(d time.Duration) *time.Duration {
	return &d
}
