package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// field binds a config key to its environment variable and accessors.
type field struct {
	key string
	env string
	get func(*Config) string
	set func(*Config, string) error
}

func intField(key, env string, p func(*Config) *int) field {
	return field{
		key: key, env: env,
		get: func(c *Config) string { return strconv.Itoa(*p(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("not an integer")
			}
			*p(c) = n
			return nil
		},
	}
}

func int64Field(key, env string, p func(*Config) *int64) field {
	return field{
		key: key, env: env,
		get: func(c *Config) string { return strconv.FormatInt(*p(c), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return fmt.Errorf("not an integer")
			}
			*p(c) = n
			return nil
		},
	}
}

func stringField(key, env string, p func(*Config) *string) field {
	return field{
		key: key, env: env,
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error {
			*p(c) = v
			return nil
		},
	}
}

var fields = []field{
	stringField("queue_root", "QUEUE_ROOT", func(c *Config) *string { return &c.QueueRoot }),
	stringField("log_dir", "LOG_DIR", func(c *Config) *string { return &c.LogDir }),
	intField("concurrency", "CONCURRENCY", func(c *Config) *int { return &c.Concurrency }),
	intField("max_retries", "MAX_RETRIES", func(c *Config) *int { return &c.MaxRetries }),
	intField("backoff_base", "BACKOFF_BASE", func(c *Config) *int { return &c.BackoffBase }),
	intField("max_backoff_sec", "MAX_BACKOFF_SEC", func(c *Config) *int { return &c.MaxBackoffSec }),
	int64Field("job_timeout_ms", "JOB_TIMEOUT_MS", func(c *Config) *int64 { return &c.JobTimeoutMs }),
	int64Field("lease_floor_ms", "LEASE_FLOOR_MS", func(c *Config) *int64 { return &c.LeaseFloorMs }),
	int64Field("idle_interval_ms", "IDLE_INTERVAL_MS", func(c *Config) *int64 { return &c.IdleIntervalMs }),
	int64Field("reclaim_interval_ms", "RECLAIM_INTERVAL_MS", func(c *Config) *int64 { return &c.ReclaimIntervalMs }),
	int64Field("claim_grace_ms", "CLAIM_GRACE_MS", func(c *Config) *int64 { return &c.ClaimGraceMs }),
	stringField("log_level", "LOG_LEVEL", func(c *Config) *string { return &c.LogLevel }),
	stringField("grpc_addr", "GRPC_ADDR", func(c *Config) *string { return &c.GRPCAddr }),
	stringField("backup_path", "BACKUP_PATH", func(c *Config) *string { return &c.BackupPath }),
	intField("backup_interval_sec", "BACKUP_INTERVAL_SEC", func(c *Config) *int { return &c.BackupIntervalSec }),
	stringField("store.backend", "STORE_BACKEND", func(c *Config) *string { return &c.Store.Backend }),
	stringField("store.mongo_uri", "MONGODB_URI", func(c *Config) *string { return &c.Store.MongoURI }),
	stringField("store.mongo_db", "MONGODB_DB", func(c *Config) *string { return &c.Store.MongoDB }),
	stringField("store.sql_dsn", "SQL_DSN", func(c *Config) *string { return &c.Store.SQLDSN }),
	intField("dashboard.port", "PORT", func(c *Config) *int { return &c.Dashboard.Port }),
	int64Field("dashboard.refresh_ms", "REFRESH_MS", func(c *Config) *int64 { return &c.Dashboard.RefreshMs }),
}

func lookupField(key string) (field, bool) {
	for _, f := range fields {
		if f.key == key {
			return f, true
		}
	}
	return field{}, false
}

// Keys lists every settable key.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.key)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the string form of key.
func (c *Config) Get(key string) (string, error) {
	f, ok := lookupField(key)
	if !ok {
		return "", fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, key)
	}
	return f.get(c), nil
}

// Set parses value into key and re-validates the whole config. On failure
// the config is left unchanged.
func (c *Config) Set(key, value string) error {
	f, ok := lookupField(key)
	if !ok {
		return fmt.Errorf("%w: unknown key %q (valid: %s)", ErrInvalidConfig, key, strings.Join(Keys(), ", "))
	}
	next := *c
	if err := f.set(&next, value); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}
