// ============================================================================
// queuectl Config - 分層設定
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 預設值 → YAML 設定檔 → 環境變數 → CLI 旗標（後者覆寫前者）
//
// 設定檔範例 (queuectl.yaml):
//
//   queue_root: ./data
//   log_dir: ./logs
//   concurrency: 3
//   max_retries: 3
//   backoff_base: 2
//   max_backoff_sec: 60
//   job_timeout_ms: 30000
//   store:
//     backend: file        # file | mongo | sqlite | postgres
//   dashboard:
//     port: 0              # 0 表示 worker start 時不啟動 dashboard
//     refresh_ms: 30000
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/queuectl/internal/backoff"
)

// DefaultPath is used when --config is not given.
const DefaultPath = "queuectl.yaml"

// Store backends.
const (
	BackendFile     = "file"
	BackendMongo    = "mongo"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// MinRefreshMs is the lowest dashboard refresh interval accepted.
const MinRefreshMs = 500

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// StoreConfig 儲存後端設定
type StoreConfig struct {
	Backend  string `yaml:"backend"`
	MongoURI string `yaml:"mongo_uri,omitempty"`
	MongoDB  string `yaml:"mongo_db,omitempty"`
	SQLDSN   string `yaml:"sql_dsn,omitempty"`
}

// DashboardConfig 唯讀 dashboard 設定
type DashboardConfig struct {
	Port      int   `yaml:"port"`
	RefreshMs int64 `yaml:"refresh_ms"`
}

// Config represents the complete system configuration.
type Config struct {
	QueueRoot         string `yaml:"queue_root"`
	LogDir            string `yaml:"log_dir"`
	Concurrency       int    `yaml:"concurrency"`
	MaxRetries        int    `yaml:"max_retries"`
	BackoffBase       int    `yaml:"backoff_base"`
	MaxBackoffSec     int    `yaml:"max_backoff_sec"`
	JobTimeoutMs      int64  `yaml:"job_timeout_ms"`
	LeaseFloorMs      int64  `yaml:"lease_floor_ms"`
	IdleIntervalMs    int64  `yaml:"idle_interval_ms"`
	ReclaimIntervalMs int64  `yaml:"reclaim_interval_ms"`
	ClaimGraceMs      int64  `yaml:"claim_grace_ms"`
	LogLevel          string `yaml:"log_level"`
	GRPCAddr          string `yaml:"grpc_addr,omitempty"`
	BackupPath        string `yaml:"backup_path,omitempty"`
	BackupIntervalSec int    `yaml:"backup_interval_sec,omitempty"`

	Store     StoreConfig     `yaml:"store"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// Default returns the shipped defaults.
func Default() *Config {
	return &Config{
		QueueRoot:         "./data",
		LogDir:            "./logs",
		Concurrency:       3,
		MaxRetries:        3,
		BackoffBase:       2,
		MaxBackoffSec:     60,
		JobTimeoutMs:      30000,
		LeaseFloorMs:      1000,
		IdleIntervalMs:    250,
		ReclaimIntervalMs: 0,
		ClaimGraceMs:      5000,
		LogLevel:          "info",
		GRPCAddr:          "127.0.0.1:50051",
		Store: StoreConfig{
			Backend: BackendFile,
			MongoDB: "queuectl",
		},
		Dashboard: DashboardConfig{RefreshMs: 30000},
	}
}

// Load builds the config from defaults, the YAML file at path and the
// environment. A missing file is only an error when required is true.
func Load(path string, required bool) (*Config, error) {
	cfg, err := LoadFile(path, required)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is Load without the environment layer; `config set` edits this
// view so env overrides never leak into the file.
func LoadFile(path string, required bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables using lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, f := range fields {
		if f.env == "" {
			continue
		}
		v, ok := lookup(f.env)
		if !ok || v == "" {
			continue
		}
		if err := f.set(c, v); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, f.env, v, err)
		}
	}
	return nil
}

// Validate rejects values the runtime cannot use.
func (c *Config) Validate() error {
	switch {
	case c.QueueRoot == "":
		return fmt.Errorf("%w: queue_root is required", ErrInvalidConfig)
	case c.LogDir == "":
		return fmt.Errorf("%w: log_dir is required", ErrInvalidConfig)
	case c.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be >= 1", ErrInvalidConfig)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidConfig)
	case c.BackoffBase < 1:
		return fmt.Errorf("%w: backoff_base must be >= 1", ErrInvalidConfig)
	case c.MaxBackoffSec < 0:
		return fmt.Errorf("%w: max_backoff_sec must be >= 0", ErrInvalidConfig)
	case c.JobTimeoutMs <= 0:
		return fmt.Errorf("%w: job_timeout_ms must be > 0", ErrInvalidConfig)
	case c.LeaseFloorMs < 0, c.IdleIntervalMs <= 0, c.ReclaimIntervalMs < 0, c.ClaimGraceMs < 0, c.BackupIntervalSec < 0:
		return fmt.Errorf("%w: intervals must be non-negative (idle_interval_ms > 0)", ErrInvalidConfig)
	case c.Dashboard.Port < 0 || c.Dashboard.Port > 65535:
		return fmt.Errorf("%w: dashboard.port out of range", ErrInvalidConfig)
	}
	switch c.Store.Backend {
	case BackendFile, BackendSQLite:
	case BackendMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("%w: store.mongo_uri is required for the mongo backend", ErrInvalidConfig)
		}
	case BackendPostgres:
		if c.Store.SQLDSN == "" {
			return fmt.Errorf("%w: store.sql_dsn is required for the postgres backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}
	return nil
}

// Save writes the config as YAML atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// YAML renders the config for `config show`.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ============================================================================
// 衍生值
// ============================================================================

// BackoffPolicy returns the retry policy.
func (c *Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{Base: c.BackoffBase, MaxSec: c.MaxBackoffSec}
}

// JobTimeout returns the default execution timeout.
func (c *Config) JobTimeout() time.Duration { return ms(c.JobTimeoutMs) }

// LeaseFloor returns the minimum lease length.
func (c *Config) LeaseFloor() time.Duration { return ms(c.LeaseFloorMs) }

// IdleInterval returns the worker idle sleep.
func (c *Config) IdleInterval() time.Duration { return ms(c.IdleIntervalMs) }

// ReclaimInterval returns the stale-lease sweep interval; 0 means every loop.
func (c *Config) ReclaimInterval() time.Duration { return ms(c.ReclaimIntervalMs) }

// BackupInterval returns the periodic backup cadence; 0 disables it.
func (c *Config) BackupInterval() time.Duration {
	return time.Duration(c.BackupIntervalSec) * time.Second
}

// ClaimGrace returns the fsstore mid-claim grace window.
func (c *Config) ClaimGrace() time.Duration { return ms(c.ClaimGraceMs) }

// RefreshMs returns the dashboard refresh interval clamped to the minimum.
func (c *Config) RefreshMs() int64 {
	if c.Dashboard.RefreshMs < MinRefreshMs {
		return MinRefreshMs
	}
	return c.Dashboard.RefreshMs
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
