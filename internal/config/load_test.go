package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
[credentials]
file = "/etc/cloudlink/sa.json"
scopes = ["https://www.googleapis.com/auth/devstorage.read_write"]
watch = true

[api]
base_url = "https://example.test/v1"
upload_base_url = "https://example.test/upload/v1"
user_agent = "tester/1.0"
request_timeout = "30s"

[token]
min_refresh_interval = "2s"
cache_dir = "/var/cache/cloudlink"
persist = false

[batch]
max_operations = 50

[upload]
chunk_size = "512KiB"
bandwidth_limit = "5MB/s"
session_db = "/var/lib/cloudlink/uploads.db"

[poll]
interval = "2s"
timeout = "1m"
initial_backoff = "100ms"
watch_interval = "10s"

[workers]
max_concurrency = 4
max_retries = 2
retry_backoff = "500ms"

[logging]
log_level = "debug"
log_format = "json"

[metrics]
listen_addr = "127.0.0.1:9090"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/etc/cloudlink/sa.json", cfg.Credentials.File)
	assert.Equal(t, []string{"https://www.googleapis.com/auth/devstorage.read_write"}, cfg.Credentials.Scopes)
	assert.True(t, cfg.Credentials.Watch)
	assert.Equal(t, "https://example.test/v1", cfg.API.BaseURL)
	assert.Equal(t, "tester/1.0", cfg.API.UserAgent)
	assert.Equal(t, "2s", cfg.Token.MinRefreshInterval)
	assert.False(t, cfg.Token.Persist)
	assert.Equal(t, 50, cfg.Batch.MaxOperations)
	assert.Equal(t, "512KiB", cfg.Upload.ChunkSize)
	assert.Equal(t, "5MB/s", cfg.Upload.BandwidthLimit)
	assert.Equal(t, "1m", cfg.Poll.Timeout)
	assert.Equal(t, 4, cfg.Workers.MaxConcurrency)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.ListenAddr)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeTestConfig(t, "[batch]\nmax_operations = 10\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Batch.MaxOperations)
	assert.Equal(t, defaultBaseURL, cfg.API.BaseURL)
	assert.Equal(t, defaultChunkSize, cfg.Upload.ChunkSize)
	assert.Equal(t, []string{defaultScope}, cfg.Credentials.Scopes)
	assert.True(t, cfg.Token.Persist)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTestConfig(t, "[api\nbase_url = ")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationErrorsAccumulate(t *testing.T) {
	path := writeTestConfig(t, `
[batch]
max_operations = 0

[workers]
max_concurrency = 0
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.max_operations")
	assert.Contains(t, err.Error(), "workers.max_concurrency")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_Precedence(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	path := writeTestConfig(t, `
[credentials]
file = "/from/file.json"

[api]
base_url = "https://file.example.test/v1"
`)

	t.Run("file", func(t *testing.T) {
		r, err := Resolve(EnvOverrides{}, CLIOverrides{ConfigPath: path})
		require.NoError(t, err)
		assert.Equal(t, "/from/file.json", r.CredentialsFile)
		assert.Equal(t, "https://file.example.test/v1", r.BaseURL)
		assert.Equal(t, path, r.ConfigPath)
	})

	t.Run("env beats file", func(t *testing.T) {
		r, err := Resolve(EnvOverrides{
			CredentialsFile: "/from/env.json",
			BaseURL:         "https://env.example.test/v1",
		}, CLIOverrides{ConfigPath: path})
		require.NoError(t, err)
		assert.Equal(t, "/from/env.json", r.CredentialsFile)
		assert.Equal(t, "https://env.example.test/v1", r.BaseURL)
	})

	t.Run("cli beats env", func(t *testing.T) {
		r, err := Resolve(EnvOverrides{
			CredentialsFile: "/from/env.json",
		}, CLIOverrides{ConfigPath: path, CredentialsFile: "/from/cli.json", LogLevel: "debug"})
		require.NoError(t, err)
		assert.Equal(t, "/from/cli.json", r.CredentialsFile)
		assert.Equal(t, "debug", r.LogLevel)
	})

	t.Run("env config path", func(t *testing.T) {
		r, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{})
		require.NoError(t, err)
		assert.Equal(t, "/from/file.json", r.CredentialsFile)
	})
}

func TestResolve_InvalidOverride(t *testing.T) {
	_, err := Resolve(EnvOverrides{BaseURL: "ftp://nope"}, CLIOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "absent.toml"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.base_url")
}

func TestResolve_TypedValues(t *testing.T) {
	cache := t.TempDir()
	data := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", cache)
	t.Setenv("XDG_DATA_HOME", data)

	path := writeTestConfig(t, `
[token]
min_refresh_interval = "0"

[upload]
chunk_size = "1MiB"
bandwidth_limit = "100KiB/s"

[poll]
interval = "3s"
`)

	r, err := Resolve(EnvOverrides{}, CLIOverrides{ConfigPath: path})
	require.NoError(t, err)

	assert.Equal(t, time.Duration(-1), r.MinRefreshInterval)
	assert.Equal(t, int64(1<<20), r.ChunkSize)
	assert.Equal(t, int64(100*1024), r.BandwidthLimit)
	assert.Equal(t, 3*time.Second, r.PollInterval)
	assert.Equal(t, 10*time.Minute, r.PollTimeout)
	assert.Equal(t, 60*time.Second, r.RequestTimeout)
	assert.Equal(t, time.Second, r.RetryBackoff)
	assert.Equal(t, defaultMaxOperations, r.MaxBatchOperations)

	if DefaultCacheDir() != "" && DefaultDataDir() != "" {
		assert.Equal(t, filepath.Join(DefaultCacheDir(), tokenDirName), r.TokenCacheDir)
		assert.Equal(t, filepath.Join(DefaultDataDir(), sessionDBName), r.SessionDB)
	}
}

func TestResolve_PersistDisabled(t *testing.T) {
	path := writeTestConfig(t, "[token]\npersist = false\n")

	r, err := Resolve(EnvOverrides{}, CLIOverrides{ConfigPath: path})
	require.NoError(t, err)
	assert.Empty(t, r.TokenCacheDir)
}

func TestResolve_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	path := writeTestConfig(t, "[credentials]\nfile = \"~/keys/sa.json\"\n")

	r, err := Resolve(EnvOverrides{}, CLIOverrides{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "keys", "sa.json"), r.CredentialsFile)
}
