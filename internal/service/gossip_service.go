package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/hashicorp/memberlist"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Gossip message types recorded in metrics
const (
	gossipMsgReceived = "received"
	gossipMsgApplied  = "applied"
	gossipMsgStale    = "stale"
	gossipMsgRejected = "rejected"
	gossipMsgSent     = "sent"
)

// ClusterConfiguration is the resolution and revision configuration shared
// by every replica of a database. Higher versions replace lower ones.
type ClusterConfiguration struct {
	Version         int64                         `json:"version"`
	Revisions       *model.RevisionsConfiguration `json:"revisions,omitempty"`
	Scripts         map[string]string             `json:"scripts,omitempty"`
	ResolveToLatest bool                          `json:"resolve_to_latest"`
}

// ConfigurationApplier installs a configuration on a database
type ConfigurationApplier interface {
	UpdateConfiguration(ctx context.Context, version int64, revisions *model.RevisionsConfiguration, scripts map[string]string, resolveToLatest bool) error
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	NodeName       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	PingTimeout    time.Duration
	PingInterval   time.Duration
	JoinRetries    uint64
}

// ConfigGossip spreads configuration versions between replicas over
// memberlist and applies newer ones to the local database
type ConfigGossip struct {
	config     GossipConfig
	target     ConfigurationApplier
	metrics    *metrics.Metrics
	logger     *zap.Logger
	memberlist *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue

	mu      sync.Mutex
	current ClusterConfiguration
	members map[string]struct{}
}

// NewConfigGossip creates the gossip state around the configuration the
// database is already running with. Start joins the cluster.
func NewConfigGossip(cfg GossipConfig, target ConfigurationApplier, initial ClusterConfiguration, m *metrics.Metrics, logger *zap.Logger) *ConfigGossip {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewMetrics(cfg.NodeName, nil)
	}
	g := &ConfigGossip{
		config:  cfg,
		target:  target,
		metrics: m,
		logger:  logger.With(zap.String("component", "gossip")),
		current: initial,
		members: make(map[string]struct{}),
	}
	g.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       g.numNodes,
		RetransmitMult: 3,
	}
	return g
}

// Start creates the memberlist and joins the seed nodes
func (g *ConfigGossip) Start(ctx context.Context) error {
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = g.config.NodeName
	mlConfig.BindPort = g.config.BindPort
	mlConfig.AdvertisePort = g.config.BindPort
	if g.config.GossipInterval > 0 {
		mlConfig.GossipInterval = g.config.GossipInterval
	}
	if g.config.PingTimeout > 0 {
		mlConfig.ProbeTimeout = g.config.PingTimeout
	}
	if g.config.PingInterval > 0 {
		mlConfig.ProbeInterval = g.config.PingInterval
	}
	mlConfig.Delegate = g
	mlConfig.Events = &gossipEvents{gossip: g}
	mlConfig.Logger = zap.NewStdLog(g.logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return errors.Unavailable("failed to create memberlist", err)
	}
	g.mu.Lock()
	g.memberlist = ml
	g.mu.Unlock()

	if len(g.config.SeedNodes) == 0 {
		return nil
	}
	backoff := retry.WithMaxRetries(g.config.JoinRetries, retry.WithJitter(100*time.Millisecond, retry.NewExponential(250*time.Millisecond)))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		joined, err := ml.Join(g.config.SeedNodes)
		if err != nil {
			g.logger.Warn("Failed to join seed nodes", zap.Error(err))
			return retry.RetryableError(err)
		}
		g.logger.Info("Joined gossip cluster", zap.Int("contacted", joined))
		return nil
	})
	if err != nil {
		// Seeds may come up later and join us instead
		g.logger.Warn("Giving up on seed nodes", zap.Strings("seeds", g.config.SeedNodes), zap.Error(err))
	}
	return nil
}

// Current returns the configuration this node runs with
func (g *ConfigGossip) Current() ClusterConfiguration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Publish installs cfg locally with the next version and queues it for
// the rest of the cluster
func (g *ConfigGossip) Publish(ctx context.Context, cfg ClusterConfiguration) (int64, error) {
	g.mu.Lock()
	cfg.Version = g.current.Version + 1
	g.mu.Unlock()

	if err := g.target.UpdateConfiguration(ctx, cfg.Version, cfg.Revisions, cfg.Scripts, cfg.ResolveToLatest); err != nil {
		return 0, err
	}
	if !g.install(cfg) {
		return 0, errors.ConcurrentModification("configuration", cfg.Version, g.Current().Version)
	}
	return cfg.Version, nil
}

// Members returns the names of live gossip members other than this node
func (g *ConfigGossip) Members() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.members))
	for name := range g.members {
		out = append(out, name)
	}
	return out
}

// Shutdown leaves the cluster
func (g *ConfigGossip) Shutdown(timeout time.Duration) error {
	g.mu.Lock()
	ml := g.memberlist
	g.mu.Unlock()
	if ml == nil {
		return nil
	}
	if err := ml.Leave(timeout); err != nil {
		g.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return ml.Shutdown()
}

// consider applies a remote configuration when it is newer than ours
func (g *ConfigGossip) consider(data []byte, source string) {
	g.metrics.RecordGossipMessage(gossipMsgReceived)
	var cfg ClusterConfiguration
	if err := json.Unmarshal(data, &cfg); err != nil {
		g.metrics.RecordGossipMessage(gossipMsgRejected)
		g.logger.Warn("Failed to decode gossip message", zap.String("source", source), zap.Error(err))
		return
	}
	if cfg.Version <= g.Current().Version {
		g.metrics.RecordGossipMessage(gossipMsgStale)
		return
	}
	if err := g.target.UpdateConfiguration(context.Background(), cfg.Version, cfg.Revisions, cfg.Scripts, cfg.ResolveToLatest); err != nil {
		g.metrics.RecordGossipMessage(gossipMsgRejected)
		g.logger.Error("Rejected gossiped configuration",
			zap.String("source", source),
			zap.Int64("version", cfg.Version),
			zap.Error(err))
		return
	}
	if g.install(cfg) {
		g.metrics.RecordGossipMessage(gossipMsgApplied)
		g.logger.Info("Applied gossiped configuration",
			zap.String("source", source),
			zap.Int64("version", cfg.Version))
	}
}

// install records cfg and rebroadcasts it unless a newer one won the race
func (g *ConfigGossip) install(cfg ClusterConfiguration) bool {
	data, err := json.Marshal(cfg)
	if err != nil {
		g.logger.Error("Failed to encode configuration", zap.Error(err))
		return false
	}
	g.mu.Lock()
	if cfg.Version <= g.current.Version {
		g.mu.Unlock()
		return false
	}
	g.current = cfg
	g.mu.Unlock()

	g.broadcasts.QueueBroadcast(configBroadcast(data))
	return true
}

func (g *ConfigGossip) numNodes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members) + 1
}

// NodeMeta implements memberlist.Delegate
func (g *ConfigGossip) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(struct {
		Version int64 `json:"version"`
	}{g.Current().Version})
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (g *ConfigGossip) NotifyMsg(data []byte) {
	if len(data) == 0 {
		return
	}
	// memberlist reuses the buffer
	g.consider(append([]byte(nil), data...), "broadcast")
}

// GetBroadcasts implements memberlist.Delegate
func (g *ConfigGossip) GetBroadcasts(overhead, limit int) [][]byte {
	msgs := g.broadcasts.GetBroadcasts(overhead, limit)
	for range msgs {
		g.metrics.RecordGossipMessage(gossipMsgSent)
	}
	return msgs
}

// LocalState implements memberlist.Delegate
func (g *ConfigGossip) LocalState(join bool) []byte {
	data, err := json.Marshal(g.Current())
	if err != nil {
		g.logger.Error("Failed to encode local state", zap.Error(err))
		return nil
	}
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (g *ConfigGossip) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	g.consider(buf, "push_pull")
}

func (g *ConfigGossip) memberJoined(name string) {
	if name == g.config.NodeName {
		return
	}
	g.mu.Lock()
	g.members[name] = struct{}{}
	count := len(g.members)
	g.mu.Unlock()
	g.metrics.GossipMembersTotal.Set(float64(count))
}

func (g *ConfigGossip) memberLeft(name string) {
	g.mu.Lock()
	delete(g.members, name)
	count := len(g.members)
	g.mu.Unlock()
	g.metrics.GossipMembersTotal.Set(float64(count))
}

// configBroadcast carries one encoded configuration. A newer one always
// replaces a queued older one.
type configBroadcast []byte

func (b configBroadcast) Invalidates(other memberlist.Broadcast) bool {
	_, ok := other.(configBroadcast)
	return ok
}

func (b configBroadcast) Message() []byte {
	return b
}

func (b configBroadcast) Finished() {}

// gossipEvents tracks membership changes
type gossipEvents struct {
	gossip *ConfigGossip
}

// NotifyJoin is called when a node joins
func (d *gossipEvents) NotifyJoin(node *memberlist.Node) {
	d.gossip.logger.Info("Node joined",
		zap.String("node", node.Name),
		zap.String("addr", node.Address()))
	d.gossip.memberJoined(node.Name)
}

// NotifyLeave is called when a node leaves
func (d *gossipEvents) NotifyLeave(node *memberlist.Node) {
	d.gossip.logger.Info("Node left", zap.String("node", node.Name))
	d.gossip.memberLeft(node.Name)
}

// NotifyUpdate is called when a node is updated
func (d *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	d.gossip.logger.Debug("Node updated", zap.String("node", node.Name))
}
