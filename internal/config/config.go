// Package config loads balance-monitor settings from defaults, an optional
// config file, an optional .env file and BALANCE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/viper"

	"github.com/Sternrassler/balance-monitor/pkg/fastpath"
	"github.com/Sternrassler/balance-monitor/pkg/logging"
	"github.com/Sternrassler/balance-monitor/pkg/orchestrator"
	"github.com/Sternrassler/balance-monitor/pkg/pool"
	"github.com/Sternrassler/balance-monitor/pkg/session"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. BALANCE_POOL_MAX_SIZE.
	EnvPrefix = "BALANCE"

	configName = "balance-monitor"
	configDir  = ".balance-monitor"

	// maxDefaultConcurrency caps the CPU-derived worker default.
	maxDefaultConcurrency = 9

	defaultBaseURL = "https://anyrouter.top"
)

// State backends.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config is the complete application configuration.
type Config struct {
	MaxConcurrency int            `mapstructure:"max_concurrency" validate:"min=1,max=64"`
	Pool           PoolConfig     `mapstructure:"pool"`
	Retry          RetryConfig    `mapstructure:"retry"`
	FastPath       FastPathConfig `mapstructure:"fast_path"`
	SlowPath       SlowPathConfig `mapstructure:"slow_path"`
	Cycle          CycleConfig    `mapstructure:"cycle"`
	State          StateConfig    `mapstructure:"state"`
	Accounts       AccountsConfig `mapstructure:"accounts"`
	Log            LogConfig      `mapstructure:"log"`
	HTTP           HTTPConfig     `mapstructure:"http"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// PoolConfig sizes the session pool.
type PoolConfig struct {
	MinSize        int           `mapstructure:"min_size" validate:"min=0,ltefield=MaxSize"`
	MaxSize        int           `mapstructure:"max_size" validate:"min=1,max=64"`
	WarmUp         int           `mapstructure:"warm_up" validate:"min=0,ltefield=MaxSize"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" validate:"gt=0"`
	MaxIdle        time.Duration `mapstructure:"max_idle" validate:"gte=0"`
}

// RetryConfig controls slow-path retries.
type RetryConfig struct {
	Count      int           `mapstructure:"count" validate:"min=0,max=10"`
	Backoff    time.Duration `mapstructure:"backoff" validate:"gt=0"`
	MaxBackoff time.Duration `mapstructure:"max_backoff" validate:"gtefield=Backoff"`
}

// FastPathConfig configures the billing API client.
type FastPathConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
}

// SlowPathConfig configures session login.
type SlowPathConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
}

// CycleConfig controls cycle deadlines and scheduling.
type CycleConfig struct {
	Timeout          time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Interval         time.Duration `mapstructure:"interval" validate:"gte=1s"`
	ForceDailyReauth bool          `mapstructure:"force_daily_reauth"`
}

// StateConfig selects and configures the state backend.
type StateConfig struct {
	Backend      string `mapstructure:"backend" validate:"oneof=file redis sqlite memory"`
	Path         string `mapstructure:"path" validate:"required_if=Backend file"`
	SQLitePath   string `mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`
	RedisAddr    string `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisDB      int    `mapstructure:"redis_db" validate:"min=0,max=15"`
	RolloverHour int    `mapstructure:"rollover_hour" validate:"min=0,max=23"`
}

// AccountsConfig locates the credential file.
type AccountsConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Pretty bool   `mapstructure:"pretty"`
	File   string `mapstructure:"file"`
}

// HTTPConfig configures the serve command's HTTP surface.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// DefaultConcurrency returns the logical CPU count capped at 9.
func DefaultConcurrency() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	if n > maxDefaultConcurrency {
		n = maxDefaultConcurrency
	}
	if n < 1 {
		n = 1
	}
	return n
}

// SetDefaults registers every key with its default so that environment
// variables are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	poolDefaults := pool.DefaultConfig()
	orch := orchestrator.DefaultConfig()

	v.SetDefault("max_concurrency", DefaultConcurrency())

	v.SetDefault("pool.min_size", poolDefaults.MinSize)
	v.SetDefault("pool.max_size", poolDefaults.MaxSize)
	v.SetDefault("pool.warm_up", poolDefaults.MinSize)
	v.SetDefault("pool.acquire_timeout", poolDefaults.AcquireTimeout)
	v.SetDefault("pool.max_idle", poolDefaults.MaxIdle)

	v.SetDefault("retry.count", orch.RetryCount)
	v.SetDefault("retry.backoff", orch.RetryBackoff)
	v.SetDefault("retry.max_backoff", orch.MaxBackoff)

	v.SetDefault("fast_path.enabled", true)
	v.SetDefault("fast_path.timeout", orch.FastPathTimeout)
	v.SetDefault("fast_path.base_url", defaultBaseURL)

	v.SetDefault("slow_path.timeout", orch.SlowPathTimeout)
	v.SetDefault("slow_path.base_url", defaultBaseURL)

	v.SetDefault("cycle.timeout", orch.CycleTimeout)
	v.SetDefault("cycle.interval", time.Minute)
	v.SetDefault("cycle.force_daily_reauth", false)

	v.SetDefault("state.backend", BackendFile)
	v.SetDefault("state.path", "balance_cache.json")
	v.SetDefault("state.sqlite_path", "balance_state.db")
	v.SetDefault("state.redis_addr", "localhost:6379")
	v.SetDefault("state.redis_db", 0)
	v.SetDefault("state.rollover_hour", 0)

	v.SetDefault("accounts.path", "accounts.toml")

	v.SetDefault("log.level", string(logging.LevelInfo))
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file", "")

	v.SetDefault("http.addr", ":8080")
}

// Load reads the configuration. path is an explicit config file; when
// empty, balance-monitor.{toml,yaml,json} is looked up in the working
// directory and in ~/.balance-monitor, and a missing file is not an error.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-provided viper instance, e.g. one with
// command-line flags bound.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, configDir))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Orchestrator returns the scheduler configuration.
func (c *Config) Orchestrator() orchestrator.Config {
	d := orchestrator.DefaultConfig()
	return orchestrator.Config{
		MaxConcurrency:   c.MaxConcurrency,
		RetryCount:       c.Retry.Count,
		RetryBackoff:     c.Retry.Backoff,
		MaxBackoff:       c.Retry.MaxBackoff,
		FastPathTimeout:  c.FastPath.Timeout,
		SlowPathTimeout:  c.SlowPath.Timeout,
		CycleTimeout:     c.Cycle.Timeout,
		ForceDailyReauth: c.Cycle.ForceDailyReauth,
		ReleaseGrace:     d.ReleaseGrace,
	}
}

// PoolConfig returns the session pool configuration.
func (c *Config) PoolConfig() pool.Config {
	d := pool.DefaultConfig()
	return pool.Config{
		MinSize:        c.Pool.MinSize,
		MaxSize:        c.Pool.MaxSize,
		AcquireTimeout: c.Pool.AcquireTimeout,
		ResetTimeout:   d.ResetTimeout,
		CreateTimeout:  d.CreateTimeout,
		MaxIdle:        c.Pool.MaxIdle,
	}
}

// FastPathClient returns the billing client configuration.
func (c *Config) FastPathClient() fastpath.Config {
	cfg := fastpath.DefaultConfig(c.FastPath.BaseURL)
	cfg.Timeout = c.FastPath.Timeout
	return cfg
}

// Session returns the session configuration.
func (c *Config) Session() session.Config {
	cfg := session.DefaultConfig(c.SlowPath.BaseURL)
	cfg.RequestTimeout = c.SlowPath.Timeout
	return cfg
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	cfg.File = c.Log.File
	return cfg
}
