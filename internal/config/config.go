// Package config loads the kektorkv server configuration.
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/sanonone/kektorkv/pkg/engine"
)

type Config struct {
	// Server
	HTTPAddr string `yaml:"http_addr"` // ":9091"
	TCPAddr  string `yaml:"tcp_addr"`  // RESP, ":9090"; empty disables
	LogLevel string `yaml:"log_level"` // debug, info, warn, error

	// Storage
	DataDir     string `yaml:"data_dir"`
	AofFilename string `yaml:"aof_filename"`

	// Snapshot when both are reached. Zero disables autosave.
	AutoSaveInterval  time.Duration `yaml:"auto_save_interval"`
	AutoSaveThreshold int64         `yaml:"auto_save_threshold"`

	AofRewritePercentage int `yaml:"aof_rewrite_percentage"` // 0 disables

	// Expiry
	ActiveExpireInterval time.Duration `yaml:"active_expire_interval"`
	ActiveExpireBudget   int           `yaml:"active_expire_budget"` // keys per cycle

	// AOF writer
	LazyFlushInterval time.Duration `yaml:"lazy_flush_interval"`
	ForceSyncInterval time.Duration `yaml:"force_sync_interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	opts := engine.DefaultOptions("./data")
	return Config{
		HTTPAddr:             ":9091",
		TCPAddr:              ":9090",
		LogLevel:             "info",
		DataDir:              opts.DataDir,
		AofFilename:          opts.AofFilename,
		AutoSaveInterval:     opts.AutoSaveInterval,
		AutoSaveThreshold:    opts.AutoSaveThreshold,
		AofRewritePercentage: opts.AofRewritePercentage,
		ActiveExpireInterval: opts.ActiveExpireInterval,
		ActiveExpireBudget:   opts.ActiveExpireBudget,
		LazyFlushInterval:    opts.LazyFlushInterval,
		ForceSyncInterval:    opts.ForceSyncInterval,
	}
}

// Load reads the YAML file at path over the defaults. Unknown fields are an
// error. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrap(err, "open config")
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "YAML error in %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.AutoSaveThreshold < 0 || c.AofRewritePercentage < 0 || c.ActiveExpireBudget < 0 {
		return errors.New("auto_save_threshold, aof_rewrite_percentage and active_expire_budget must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// EngineOptions maps the configuration onto engine.Options.
func (c Config) EngineOptions() engine.Options {
	opts := engine.DefaultOptions(c.DataDir)
	opts.AofFilename = c.AofFilename
	opts.AutoSaveInterval = c.AutoSaveInterval
	opts.AutoSaveThreshold = c.AutoSaveThreshold
	opts.AofRewritePercentage = c.AofRewritePercentage
	opts.ActiveExpireInterval = c.ActiveExpireInterval
	opts.ActiveExpireBudget = c.ActiveExpireBudget
	opts.LazyFlushInterval = c.LazyFlushInterval
	opts.ForceSyncInterval = c.ForceSyncInterval
	return opts
}

// ParseLevel turns log_level into a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.Newf("unknown log_level %q", s)
}
