// Package config loads relay and client settings from defaults, an optional
// YAML file, an optional .env file and COURIER_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "COURIER"

// Messaging driver names accepted in messaging.driver
const (
	DriverMemory = "memory"
	DriverRabbit = "rabbit"
)

// Outbox store names accepted in outbox.store
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// ErrInvalidConfig is wrapped by every Validate failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the typed configuration
type Config struct {
	Messaging MessagingConfig `mapstructure:"messaging"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
}

type MessagingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
}

// RetryConfig describes a retry policy. DelayTiers accepts a YAML list or a
// comma separated string; bare numbers are milliseconds.
type RetryConfig struct {
	MaxRetries int             `mapstructure:"max_retries"`
	DelayTiers []time.Duration `mapstructure:"-"`
}

// Policy converts the settings into a retry policy
func (r RetryConfig) Policy() contracts.RetryPolicy {
	policy := contracts.DefaultRetryPolicy()
	policy.MaxRetries = r.MaxRetries
	if len(r.DelayTiers) > 0 {
		policy.DelayTiers = append([]time.Duration(nil), r.DelayTiers...)
	}
	return policy
}

type MemoryConfig struct {
	Retry RetryConfig `mapstructure:"retry"`
}

type RabbitMQConfig struct {
	URL            string        `mapstructure:"url"`
	Prefetch       int           `mapstructure:"prefetch"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

type OutboxConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Store      string        `mapstructure:"store"`
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
	Table       string `mapstructure:"table"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// legacyEnv maps keys to the unprefixed variable names older deployments set
var legacyEnv = map[string]string{
	"messaging.enabled": "MESSAGING_ENABLED",
	"messaging.driver":  "MESSAGING_DRIVER",
	"rabbitmq.url":      "RABBITMQ_URL",
	"outbox.enabled":    "OUTBOX_PROCESSOR_ENABLED",
}

func setDefaults(v *viper.Viper) {
	defaults := contracts.DefaultRetryPolicy()

	v.SetDefault("messaging.enabled", true)
	v.SetDefault("messaging.driver", DriverMemory)

	v.SetDefault("memory.retry.max_retries", defaults.MaxRetries)
	v.SetDefault("memory.retry.delay_tiers", "")

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.prefetch", 0)
	v.SetDefault("rabbitmq.connect_timeout", 30*time.Second)
	v.SetDefault("rabbitmq.retry.max_retries", defaults.MaxRetries)
	v.SetDefault("rabbitmq.retry.delay_tiers", "")

	v.SetDefault("outbox.enabled", true)
	v.SetDefault("outbox.store", StoreMemory)
	v.SetDefault("outbox.interval", time.Minute)
	v.SetDefault("outbox.batch_size", 0)
	v.SetDefault("outbox.max_retries", 3)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 0)
	v.SetDefault("postgres.auto_migrate", false)
	v.SetDefault("postgres.table", "outbox")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "courier:outbox")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the configuration produced by defaults alone
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults are static and always decode
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, env)
	}
	return v
}

// Load reads configuration. path may be empty to skip the file. envFiles are
// loaded into the process environment first; when none are given an optional
// ./.env is tried. Variables already set in the environment are never replaced.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		err := godotenv.Load()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}

	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	var err error
	if cfg.Memory.Retry.DelayTiers, err = ParseDelayTiers(v.Get("memory.retry.delay_tiers")); err != nil {
		return nil, fmt.Errorf("memory.retry.delay_tiers: %w", err)
	}
	if cfg.RabbitMQ.Retry.DelayTiers, err = ParseDelayTiers(v.Get("rabbitmq.retry.delay_tiers")); err != nil {
		return nil, fmt.Errorf("rabbitmq.retry.delay_tiers: %w", err)
	}
	return &cfg, nil
}

// ParseDelayTiers accepts a comma separated string or a list. Entries are Go
// durations ("5s", "5m") or bare milliseconds. Empty input returns nil.
func ParseDelayTiers(raw interface{}) ([]time.Duration, error) {
	var items []interface{}
	switch value := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(value) == "" {
			return nil, nil
		}
		for _, part := range strings.Split(value, ",") {
			items = append(items, part)
		}
	case []string:
		for _, part := range value {
			items = append(items, part)
		}
	case []interface{}:
		items = value
	case []time.Duration:
		return append([]time.Duration(nil), value...), nil
	default:
		return nil, fmt.Errorf("unsupported delay tiers value %v", raw)
	}

	tiers := make([]time.Duration, 0, len(items))
	for _, item := range items {
		tier, err := parseDelay(item)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

func parseDelay(item interface{}) (time.Duration, error) {
	switch value := item.(type) {
	case int:
		return time.Duration(value) * time.Millisecond, nil
	case int64:
		return time.Duration(value) * time.Millisecond, nil
	case float64:
		return time.Duration(value * float64(time.Millisecond)), nil
	case time.Duration:
		return value, nil
	case string:
		s := strings.TrimSpace(value)
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid delay %q: %w", s, err)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("invalid delay %v", item)
	}
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var errs []error

	if c.Messaging.Enabled {
		switch c.Messaging.Driver {
		case DriverMemory:
		case DriverRabbit:
			if c.RabbitMQ.URL == "" {
				errs = append(errs, errors.New("rabbitmq.url is required for the rabbit driver"))
			}
		default:
			errs = append(errs, fmt.Errorf("messaging.driver %q is not one of %s, %s", c.Messaging.Driver, DriverMemory, DriverRabbit))
		}
	}

	if err := c.Memory.Retry.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("memory.retry: %w", err))
	}
	if err := c.RabbitMQ.Retry.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rabbitmq.retry: %w", err))
	}
	if c.RabbitMQ.Prefetch < 0 {
		errs = append(errs, errors.New("rabbitmq.prefetch must not be negative"))
	}

	switch c.Outbox.Store {
	case StoreMemory:
	case StorePostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required for the postgres outbox store"))
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis outbox store"))
		}
	default:
		errs = append(errs, fmt.Errorf("outbox.store %q is not one of %s, %s, %s", c.Outbox.Store, StoreMemory, StorePostgres, StoreRedis))
	}
	if c.Outbox.Interval <= 0 {
		errs = append(errs, errors.New("outbox.interval must be positive"))
	}
	if c.Outbox.MaxRetries <= 0 {
		errs = append(errs, errors.New("outbox.max_retries must be positive"))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
