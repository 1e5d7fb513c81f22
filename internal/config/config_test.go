package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_FileWithDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  node_id: node-a
storage:
  data_dir: /tmp/docstore-a
resolution:
  resolve_to_latest: true
  scripts:
    Users: "resolved: docs[0]"
revisions:
  default:
    minimum_revisions_to_keep: 5
    max_deletes_per_update: 2
  collections:
    Orders:
      minimum_revision_age_to_keep: 24h
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Server.NodeID)
	assert.Equal(t, "node-a", cfg.Server.DatabaseID)
	assert.Equal(t, 50062, cfg.Server.Port)
	assert.Equal(t, "/tmp/docstore-a/alerts.db", cfg.Alerts.Path)
	assert.True(t, cfg.Resolution.ResolveToLatest)
	assert.Equal(t, "resolved: docs[0]", cfg.Resolution.Scripts["Users"])
	assert.Equal(t, int32(16*1024), cfg.Replication.MaxBatchItems)
	assert.Equal(t, int32(1024), cfg.Replication.MaxAttachmentStreams)

	require.NotNil(t, cfg.Revisions.Default)
	assert.Equal(t, int64(5), *cfg.Revisions.Default.MinimumRevisionsToKeep)
	assert.Equal(t, int64(2), *cfg.Revisions.Default.MaxDeletesPerUpdate)

	orders := cfg.Revisions.PolicyFor("Orders", model.FlagNone)
	require.NotNil(t, orders)
	assert.Equal(t, 24*time.Hour, *orders.MinimumRevisionAgeToKeep)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  node_id: from-file
  port: 6000
`)
	t.Setenv("DOCSTORE_SERVER_NODE_ID", "from-env")
	t.Setenv("DOCSTORE_REPLICATION_KEEP_ALIVE_INTERVAL", "750ms")
	t.Setenv("DOCSTORE_REPLICATION_MAX_BATCH_ITEMS", "500")
	t.Setenv("DOCSTORE_GOSSIP_SEED_NODES", "10.0.0.1:7946,10.0.0.2:7946")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Server.NodeID)
	assert.Equal(t, 6000, cfg.Server.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Replication.KeepAliveInterval)
	assert.Equal(t, int32(500), cfg.Replication.MaxBatchItems)
	assert.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, cfg.Gossip.SeedNodes)
}

func TestValidate(t *testing.T) {
	negative := int64(-1)
	zero := int64(0)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing node id", mutate: func(c *Config) { c.Server.NodeID = "" }, wantErr: "node_id"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "port"},
		{
			name:    "breaker below throttle",
			mutate:  func(c *Config) { c.Storage.CircuitBreaker = 50 },
			wantErr: "circuit_breaker_threshold",
		},
		{
			name: "negative minimum",
			mutate: func(c *Config) {
				c.Revisions.Default = &model.RetentionPolicy{MinimumRevisionsToKeep: &negative}
			},
			wantErr: "minimum_revisions_to_keep",
		},
		{
			name: "zero max deletes",
			mutate: func(c *Config) {
				c.Revisions.Collections = map[string]model.RetentionPolicy{"Users": {MaxDeletesPerUpdate: &zero}}
			},
			wantErr: "max_deletes_per_update",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Server: ServerConfig{NodeID: "n"}}
			setDefaults(cfg)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
