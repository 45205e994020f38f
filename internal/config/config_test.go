package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kektorkv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "kektorkv.aof", cfg.AofFilename)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
http_addr: "127.0.0.1:7000"
tcp_addr: ""
data_dir: /var/lib/kektorkv
log_level: debug
auto_save_interval: 5m
aof_rewrite_percentage: 0
active_expire_budget: 50
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.HTTPAddr)
	assert.Empty(t, cfg.TCPAddr, "an empty tcp_addr disables the RESP listener")
	assert.Equal(t, "/var/lib/kektorkv", cfg.DataDir)
	assert.Equal(t, 5*time.Minute, cfg.AutoSaveInterval)
	assert.Equal(t, 0, cfg.AofRewritePercentage)
	assert.Equal(t, 50, cfg.ActiveExpireBudget)
	// untouched fields keep their defaults
	assert.Equal(t, Default().AutoSaveThreshold, cfg.AutoSaveThreshold)

	opts := cfg.EngineOptions()
	assert.Equal(t, "/var/lib/kektorkv", opts.DataDir)
	assert.Equal(t, 5*time.Minute, opts.AutoSaveInterval)
	assert.Equal(t, 50, opts.ActiveExpireBudget)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "http_adr: \":1\"\n"))
	assert.Error(t, err)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load(writeConfig(t, "log_level: loud\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "data_dir: \"\"\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
