package xcalld

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xcalld.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("XCALLD_TEST_TOKEN", " from-env ")
	path := writeYAML(t, `
chain_config: chains/config.toml
log_level: debug
shutdown_timeout: 3s
admin:
  bearer_token_env: XCALLD_TEST_TOKEN
telemetry:
  traces: true
  sample_ratio: 0.5
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, filepath.Join(filepath.Dir(path), "chains", "config.toml"), cfg.ChainConfig)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 16, cfg.QueueSize)
	require.Equal(t, 3*time.Second, cfg.ShutdownTimeout.Duration)
	require.Equal(t, "from-env", cfg.Admin.BearerToken)
	require.Equal(t, float64(60), cfg.Admin.RequestsPerMinute)
	require.Equal(t, 10, cfg.Admin.Burst)
	require.True(t, cfg.Telemetry.Traces)
	require.Equal(t, 0.5, cfg.Telemetry.SampleRatio)
}

func TestLoadConfigTokenFile(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("file-token\n"), 0o600))
	cfg, err := LoadConfig(writeYAML(t, "chain_config: /etc/xcall/config.toml\nadmin:\n  bearer_token_file: "+tokenPath+"\n"))
	require.NoError(t, err)
	require.Equal(t, "file-token", cfg.Admin.BearerToken)
	require.Equal(t, "/etc/xcall/config.toml", cfg.ChainConfig)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(writeYAML(t, "listen: \":1\"\n"))
	require.ErrorContains(t, err, "bearer token")

	_, err = LoadConfig(writeYAML(t, "admin:\n  bearer_token: x\nbogus: 1\n"))
	require.ErrorContains(t, err, "decode config")

	_, err = LoadConfig(writeYAML(t, "admin:\n  bearer_token: x\nshutdown_timeout: soon\n"))
	require.ErrorContains(t, err, "parse duration")

	t.Setenv("XCALLD_EMPTY", "")
	_, err = LoadConfig(writeYAML(t, "admin:\n  bearer_token_env: XCALLD_EMPTY\n"))
	require.ErrorContains(t, err, "is empty")

	_, err = LoadConfig(writeYAML(t, "admin:\n  bearer_token: x\ntelemetry:\n  sample_ratio: 2\n"))
	require.ErrorContains(t, err, "sample_ratio")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "open config")
}
