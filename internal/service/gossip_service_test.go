package service

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/hashicorp/memberlist"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeConfiguration(t *testing.T, cfg ClusterConfiguration) []byte {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	return data
}

func newTestGossip(t *testing.T, n *testNode) (*ConfigGossip, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(n.s.ID(), nil)
	return NewConfigGossip(GossipConfig{NodeName: n.s.ID()}, n.s, ClusterConfiguration{Version: 1}, m, nil), m
}

func TestConfigGossip_AppliesNewerConfiguration(t *testing.T) {
	n := newTestNode(t, "R1", nil)
	g, m := newTestGossip(t, n)

	g.NotifyMsg(encodeConfiguration(t, ClusterConfiguration{
		Version:         3,
		ResolveToLatest: true,
		Revisions:       &model.RevisionsConfiguration{Default: &model.RetentionPolicy{MinimumRevisionsToKeep: int64p(2)}},
	}))
	assert.Equal(t, int64(3), g.Current().Version)
	assert.True(t, g.Current().ResolveToLatest)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GossipMessagesTotal.WithLabelValues(gossipMsgApplied)))

	// The new revision policy is live
	n.put(t, "a", "users", `{}`)
	n.put(t, "a", "users", `{}`)
	n.put(t, "a", "users", `{}`)
	assert.Equal(t, int64(2), n.count(t, "a"))

	// Applied configurations are passed on
	msgs := g.GetBroadcasts(0, 64*1024)
	require.Len(t, msgs, 1)
	var got ClusterConfiguration
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, int64(3), got.Version)
}

func TestConfigGossip_IgnoresStaleAndInvalid(t *testing.T) {
	n := newTestNode(t, "R1", nil)
	g, m := newTestGossip(t, n)

	g.MergeRemoteState(encodeConfiguration(t, ClusterConfiguration{Version: 1, ResolveToLatest: true}), false)
	assert.False(t, g.Current().ResolveToLatest)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GossipMessagesTotal.WithLabelValues(gossipMsgStale)))

	g.NotifyMsg([]byte("{not json"))
	g.NotifyMsg(encodeConfiguration(t, ClusterConfiguration{
		Version: 5,
		Scripts: map[string]string{"users": "nothing: 1"},
	}))
	assert.Equal(t, int64(1), g.Current().Version)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GossipMessagesTotal.WithLabelValues(gossipMsgRejected)))
	assert.Empty(t, g.GetBroadcasts(0, 64*1024))
}

func TestConfigGossip_Publish(t *testing.T) {
	n := newTestNode(t, "R1", nil)
	g, _ := newTestGossip(t, n)

	version, err := g.Publish(context.Background(), ClusterConfiguration{ResolveToLatest: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	var state ClusterConfiguration
	require.NoError(t, json.Unmarshal(g.LocalState(false), &state))
	assert.Equal(t, int64(2), state.Version)
	assert.True(t, state.ResolveToLatest)

	_, err = g.Publish(context.Background(), ClusterConfiguration{Scripts: map[string]string{"users": "{"}})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
	assert.Equal(t, int64(2), g.Current().Version)
}

func TestConfigGossip_QueuedBroadcastsCollapse(t *testing.T) {
	n := newTestNode(t, "R1", nil)
	g, _ := newTestGossip(t, n)

	for i := 0; i < 3; i++ {
		_, err := g.Publish(context.Background(), ClusterConfiguration{})
		require.NoError(t, err)
	}
	msgs := g.GetBroadcasts(0, 64*1024)
	require.Len(t, msgs, 1)
	var got ClusterConfiguration
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, int64(4), got.Version)
}

func TestConfigGossip_Membership(t *testing.T) {
	n := newTestNode(t, "R1", nil)
	g, m := newTestGossip(t, n)
	events := &gossipEvents{gossip: g}

	events.NotifyJoin(&memberlist.Node{Name: "R1", Addr: net.ParseIP("127.0.0.1"), Port: 7946})
	events.NotifyJoin(&memberlist.Node{Name: "R2", Addr: net.ParseIP("127.0.0.2"), Port: 7946})
	events.NotifyJoin(&memberlist.Node{Name: "R3", Addr: net.ParseIP("127.0.0.3"), Port: 7946})
	assert.ElementsMatch(t, []string{"R2", "R3"}, g.Members())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GossipMembersTotal))
	assert.Equal(t, 3, g.numNodes())

	events.NotifyLeave(&memberlist.Node{Name: "R2"})
	assert.Equal(t, []string{"R3"}, g.Members())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GossipMembersTotal))

	assert.JSONEq(t, `{"version":1}`, string(g.NodeMeta(512)))
	assert.Nil(t, g.NodeMeta(2))
}
