package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Instance.ID = "register-1"
	cfg.Instance.TenantID = "tenant-1"
	cfg.Server.ClientAuthKey = "secret"
	return cfg
}

func TestConfig_Validate_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing instance id",
			mutate:  func(c *Config) { c.Instance.ID = "" },
			wantErr: "instance.id",
		},
		{
			name:    "missing tenant id",
			mutate:  func(c *Config) { c.Instance.TenantID = "" },
			wantErr: "instance.tenant_id",
		},
		{
			name:    "missing auth key",
			mutate:  func(c *Config) { c.Server.ClientAuthKey = "" },
			wantErr: "client_auth_key",
		},
		{
			name:    "invalid server port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "invalid discovery port",
			mutate:  func(c *Config) { c.Discovery.BindPort = 0 },
			wantErr: "discovery.bind_port",
		},
		{
			name:    "unknown conflict strategy",
			mutate:  func(c *Config) { c.Replication.ConflictStrategy = "coin-flip" },
			wantErr: "conflict_strategy",
		},
		{
			name:    "missing local store path",
			mutate:  func(c *Config) { c.LocalStore.Path = "" },
			wantErr: "local_store.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate_AppliesDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Replication.ConflictStrategy = ""
	cfg.Replication.QueueWindow = 0
	cfg.Replication.HeartbeatInterval = 0
	cfg.Remote.OutboxBatchSize = 0
	cfg.Remote.OutboxMaxRetries = 0
	cfg.Remote.GuardTakeover = 0
	cfg.Logging.Level = ""

	require.NoError(t, cfg.Validate())

	assert.Equal(t, "last-write-wins", cfg.Replication.ConflictStrategy)
	assert.Equal(t, 24*time.Hour, cfg.Replication.QueueWindow)
	assert.Equal(t, 30*time.Second, cfg.Replication.HeartbeatInterval)
	assert.Equal(t, 100, cfg.Remote.OutboxBatchSize)
	assert.Equal(t, 20, cfg.Remote.OutboxMaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Remote.GuardTakeover)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FromFileWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
instance:
  id: register-1
  tenant_id: tenant-1
server:
  port: 9000
  client_auth_key: file-secret
local_store:
  path: ` + filepath.Join(dir, "sync.db") + `
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("LANSYNC_INSTANCE_ID", "register-2")
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("REMOTE_DB_HOST", "db.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "register-2", cfg.Instance.ID, "environment wins over file")
	assert.Equal(t, "tenant-1", cfg.Instance.TenantID)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "file-secret", cfg.Server.ClientAuthKey)
	assert.Equal(t, "db.example.com", cfg.Remote.Host)
	assert.Equal(t, 5432, cfg.Remote.Port, "unset remote port keeps its default")
}

func TestLoad_MissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("LANSYNC_INSTANCE_ID", "register-1")
	t.Setenv("LANSYNC_TENANT_ID", "tenant-1")
	t.Setenv("CLIENT_AUTH_KEY", "env-secret")
	t.Setenv("LOCAL_STORE_PATH", filepath.Join(t.TempDir(), "sync.db"))

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "register-1", cfg.Instance.ID)
	assert.Equal(t, "env-secret", cfg.Server.ClientAuthKey)
}
