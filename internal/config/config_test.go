package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/balance-monitor/pkg/logging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.File)
	assert.GreaterOrEqual(t, cfg.MaxConcurrency, 1)
	assert.LessOrEqual(t, cfg.MaxConcurrency, 9)
	assert.Equal(t, 3, cfg.Pool.MinSize)
	assert.Equal(t, 9, cfg.Pool.MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.Pool.MaxIdle)
	assert.Equal(t, 2, cfg.Retry.Count)
	assert.Equal(t, 3*time.Second, cfg.Retry.Backoff)
	assert.Equal(t, 8*time.Second, cfg.FastPath.Timeout)
	assert.Equal(t, 45*time.Second, cfg.SlowPath.Timeout)
	assert.Equal(t, 90*time.Second, cfg.Cycle.Timeout)
	assert.Equal(t, BackendFile, cfg.State.Backend)
	assert.Equal(t, 0, cfg.State.RolloverHour)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoad_TOMLFile(t *testing.T) {
	path := writeFile(t, "balance-monitor.toml", `
max_concurrency = 4

[pool]
min_size = 1
max_size = 4
acquire_timeout = "30s"
max_idle = "90s"

[retry]
count = 5
backoff = "500ms"
max_backoff = "5s"

[cycle]
timeout = "2m"
interval = "10m"
force_daily_reauth = true

[state]
backend = "sqlite"
sqlite_path = "/tmp/balances.db"
rollover_hour = 6

[log]
level = "debug"
pretty = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, 1, cfg.Pool.MinSize)
	assert.Equal(t, 30*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, 5, cfg.Retry.Count)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Backoff)
	assert.Equal(t, 10*time.Minute, cfg.Cycle.Interval)
	assert.True(t, cfg.Cycle.ForceDailyReauth)
	assert.Equal(t, BackendSQLite, cfg.State.Backend)
	assert.Equal(t, 6, cfg.State.RolloverHour)

	orch := cfg.Orchestrator()
	assert.Equal(t, 4, orch.MaxConcurrency)
	assert.Equal(t, 5, orch.RetryCount)
	assert.Equal(t, 2*time.Minute, orch.CycleTimeout)
	assert.True(t, orch.ForceDailyReauth)

	pc := cfg.PoolConfig()
	assert.Equal(t, 4, pc.MaxSize)
	assert.Equal(t, 90*time.Second, pc.MaxIdle)
	assert.NoError(t, pc.Validate())

	lc := cfg.Logging()
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.True(t, lc.Pretty)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "balance-monitor.yaml", "max_concurrency: 2\nretry:\n  count: 1\n")
	t.Setenv("BALANCE_MAX_CONCURRENCY", "7")
	t.Setenv("BALANCE_STATE_BACKEND", "redis")
	t.Setenv("BALANCE_FAST_PATH_TIMEOUT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxConcurrency)
	assert.Equal(t, 1, cfg.Retry.Count)
	assert.Equal(t, BackendRedis, cfg.State.Backend)
	assert.Equal(t, 3*time.Second, cfg.FastPath.Timeout)
	assert.Equal(t, 3*time.Second, cfg.FastPathClient().Timeout)
}

func TestLoad_DiscoversFileInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "balance-monitor.json"),
		[]byte(`{"accounts": {"path": "creds.txt"}}`), 0o600))
	chdir(t, dir)
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "creds.txt", cfg.Accounts.Path)
	assert.True(t, strings.HasSuffix(cfg.File, "balance-monitor.json"))
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "min above max",
			file:    "c.toml",
			content: "[pool]\nmin_size = 5\nmax_size = 2\n",
			wantErr: "MinSize",
		},
		{
			name:    "negative max idle",
			file:    "c.toml",
			content: "[pool]\nmax_idle = \"-1m\"\n",
			wantErr: "MaxIdle",
		},
		{
			name:    "unknown backend",
			file:    "c.toml",
			content: "[state]\nbackend = \"etcd\"\n",
			wantErr: "Backend",
		},
		{
			name:    "rollover hour out of range",
			file:    "c.toml",
			content: "[state]\nrollover_hour = 24\n",
			wantErr: "RolloverHour",
		},
		{
			name:    "max backoff below backoff",
			file:    "c.toml",
			content: "[retry]\nbackoff = \"10s\"\nmax_backoff = \"1s\"\n",
			wantErr: "MaxBackoff",
		},
		{
			name:    "zero concurrency",
			file:    "c.toml",
			content: "max_concurrency = 0\n",
			wantErr: "MaxConcurrency",
		},
		{
			name:    "malformed file",
			file:    "c.toml",
			content: "[pool\n",
			wantErr: "read config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestLoadWith_BoundValues(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	v := viper.New()
	v.Set("log.level", "warn")
	v.Set("cycle.interval", "30s")

	cfg, err := LoadWith(v, "")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Cycle.Interval)
}

func TestDefaultConcurrency(t *testing.T) {
	n := DefaultConcurrency()
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, maxDefaultConcurrency)
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent to testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(prev)) })
}
