package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tripplanner/internal/logging"
)

func TestFromViper_defaults(t *testing.T) {
	cfg, err := FromViper(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, DriverMemory, cfg.Remote.Driver)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 15*time.Second, cfg.Connectivity.ProbeInterval)
	assert.True(t, cfg.Connectivity.AssumeOnline)
	assert.Equal(t, "127.0.0.1:8090", cfg.HTTPAddr)
	assert.Equal(t, logging.LevelInfo, cfg.Log.Level)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)
}

func TestLoad_createsDefaultFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "conf")

	v, err := Load(dir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err, "first run writes a default config.yaml")

	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
}

func TestLoad_fileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
data_dir: /var/lib/tripplanner
user_id: user-7
remote:
  driver: postgres
  dsn: postgres://localhost/trips
sync:
  interval: 1m
  max_retries: 5
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("TRIPPLANNER_SYNC_MAX_RETRIES", "7")

	v, err := Load(dir)
	require.NoError(t, err)
	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tripplanner", cfg.DataDir)
	assert.Equal(t, "user-7", cfg.UserID)
	assert.Equal(t, DriverPostgres, cfg.Remote.Driver)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 7, cfg.Sync.MaxRetries, "environment overrides the file")
	assert.Equal(t, logging.LevelDebug, cfg.Log.Level)
}

func TestLoad_malformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("sync: [unterminated"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
		want string
	}{
		{"zero interval", KeySyncInterval, "0s", KeySyncInterval},
		{"negative retries", KeySyncMaxRetries, -1, KeySyncMaxRetries},
		{"zero timeout", KeyRemoteTimeout, "0s", KeyRemoteTimeout},
		{"unknown driver", KeyRemoteDriver, "mongo", KeyRemoteDriver},
		{"postgres without dsn", KeyRemoteDriver, DriverPostgres, KeyRemoteDSN},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewViper()
			v.Set(tt.key, tt.val)
			_, err := FromViper(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
