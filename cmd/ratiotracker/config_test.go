package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseExampleConfig(t *testing.T) {
	cfgFile, err := ParseConfigFile("../../dist/example_config.yaml")
	require.NoError(t, err)

	cfg := cfgFile.RatioTracker.Validate()
	require.Equal(t, 30*time.Minute, cfg.AnnounceInterval)
	require.Equal(t, 50, cfg.MaxPeers)
	require.Equal(t, time.Hour, cfg.PeerLifetime)
	require.Equal(t, "0.0.0.0:8000", cfg.HTTPConfig.Addr)
	require.Equal(t, "sqlite", cfg.Storage.Name)
	require.Equal(t, "memory", cfg.Queue.Name)
	require.Equal(t, 5*time.Minute, cfg.Reaper.Interval)
	require.Equal(t, time.Hour, cfg.Reaper.PeerLifetime)
	require.False(t, cfg.Reaper.Lock)
	require.Empty(t, cfg.PreHooks)
}

func TestParseConfigExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ratiotracker.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`
ratiotracker:
  metrics_addr: "${RT_TEST_METRICS}"
  storage:
    name: memory
  prehooks:
  - name: client approval
    options:
      whitelist: ["TR2940"]
`), 0o600))
	os.Setenv("RT_TEST_METRICS", "127.0.0.1:9999")
	defer os.Unsetenv("RT_TEST_METRICS")

	cfgFile, err := ParseConfigFile(path)
	require.NoError(t, err)

	cfg := cfgFile.RatioTracker.Validate()
	require.Equal(t, "127.0.0.1:9999", cfg.MetricsAddr)
	require.Equal(t, "memory", cfg.Storage.Name)
	require.Equal(t, "memory", cfg.Queue.Name)
	require.Len(t, cfg.PreHooks, 1)
	require.Equal(t, "client approval", cfg.PreHooks[0].Name)
}

func TestParseConfigErrors(t *testing.T) {
	_, err := ParseConfigFile("")
	require.Error(t, err)

	_, err = ParseConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestWithUserID(t *testing.T) {
	u, err := withUserID("http://127.0.0.1:8000/announce", "abc")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:8000/announce?user_id=abc", u)
}

func TestParseInfoHash(t *testing.T) {
	ih, err := parseInfoHash("0123456789ABCDEF0123456789abcdef01234567")
	require.NoError(t, err)
	require.Equal(t, byte(0x01), ih[0])
	require.Equal(t, byte(0x67), ih[19])

	_, err = parseInfoHash("")
	require.Error(t, err)

	_, err = parseInfoHash("abc")
	require.Error(t, err)
}
