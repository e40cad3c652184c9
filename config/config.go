// Package config loads and watches the cadence runtime configuration.
//
// Configuration is read from an optional YAML file plus CADENCE_-prefixed
// environment variables; environment always wins. All knobs have defaults
// suitable for a single-process local deployment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teranos/cadence/errors"
)

// Config represents the cadence runtime configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	DLQ       DLQConfig       `mapstructure:"dlq"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures backend selection and the recurring due-check job
type SchedulerConfig struct {
	// Backend selects the scheduler backend by registry name ("local", "broker")
	Backend string `mapstructure:"backend"`
	// DueCheckIntervalSeconds is the period of the well-known due-check job
	DueCheckIntervalSeconds int `mapstructure:"due_check_interval_seconds"`
	// TickIntervalSeconds is how often the lightweight backend wakes up
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"`
	// MisfireGraceSeconds bounds how stale a missed firing may be before it
	// is skipped instead of coalesced into a catch-up firing
	MisfireGraceSeconds int `mapstructure:"misfire_grace_seconds"`
	// JobStore selects the lightweight backend's job store ("memory", "sqlite")
	JobStore string `mapstructure:"job_store"`
}

// BrokerConfig configures the Redis broker used by the distributed backend
// and the dead-letter queue
type BrokerConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Embedded starts worker+beat goroutines inside this process instead of
	// assuming externally running workers
	Embedded bool `mapstructure:"embedded"`
}

// DLQConfig configures dead-letter retention
type DLQConfig struct {
	TTLDays   int `mapstructure:"ttl_days"`
	RecentCap int `mapstructure:"recent_cap"`
}

// DispatchConfig bounds dispatches to the external task runner
type DispatchConfig struct {
	// MaxRetries is the retry budget per execution before dead-lettering
	MaxRetries int `mapstructure:"max_retries"`
	// RatePerSecond limits task-runner dispatches; 0 disables limiting
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	// Burst is the limiter burst size
	Burst int `mapstructure:"burst"`
}

// Defaults for a single-process local deployment
const (
	DefaultBackend                 = "local"
	DefaultDueCheckIntervalSeconds = 60
	DefaultTickIntervalSeconds     = 1
	DefaultMisfireGraceSeconds     = 60
	DefaultDLQTTLDays              = 7
	DefaultDLQRecentCap            = 1000
	DefaultMaxRetries              = 3
)

// DueCheckInterval returns the due-check period as a duration.
func (c *Config) DueCheckInterval() time.Duration {
	return time.Duration(c.Scheduler.DueCheckIntervalSeconds) * time.Second
}

// TickInterval returns the lightweight backend tick period as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalSeconds) * time.Second
}

// MisfireGrace returns the misfire grace period as a duration.
func (c *Config) MisfireGrace() time.Duration {
	return time.Duration(c.Scheduler.MisfireGraceSeconds) * time.Second
}

// DLQTTL returns dead-letter retention as a duration.
func (c *Config) DLQTTL() time.Duration {
	return time.Duration(c.DLQ.TTLDays) * 24 * time.Hour
}

// Load reads configuration from the given file path (optional, "" skips the
// file) merged with CADENCE_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("database.path", "cadence.db")
	v.SetDefault("scheduler.backend", DefaultBackend)
	v.SetDefault("scheduler.due_check_interval_seconds", DefaultDueCheckIntervalSeconds)
	v.SetDefault("scheduler.tick_interval_seconds", DefaultTickIntervalSeconds)
	v.SetDefault("scheduler.misfire_grace_seconds", DefaultMisfireGraceSeconds)
	v.SetDefault("scheduler.job_store", "memory")
	v.SetDefault("broker.addr", "localhost:6379")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.db", 0)
	v.SetDefault("broker.embedded", false)
	v.SetDefault("dlq.ttl_days", DefaultDLQTTLDays)
	v.SetDefault("dlq.recent_cap", DefaultDLQRecentCap)
	v.SetDefault("dispatch.max_retries", DefaultMaxRetries)
	v.SetDefault("dispatch.rate_per_second", 0)
	v.SetDefault("dispatch.burst", 1)

	v.SetEnvPrefix("CADENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	return &cfg, nil
}
