package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"geoquery/geohash"
	"geoquery/watcher"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Store  StoreConfig  `mapstructure:"store"`
	Redis  RedisConfig  `mapstructure:"redis"`
	DB     DBConfig     `mapstructure:"db"`
	Query  QueryConfig  `mapstructure:"query"`
	Retry  RetryConfig  `mapstructure:"retry"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

type StoreConfig struct {
	Backend   string `mapstructure:"backend"`
	Precision uint   `mapstructure:"precision"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type DBConfig struct {
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	MigrateAttempts int           `mapstructure:"migrate_attempts"`
	MigrateWait     time.Duration `mapstructure:"migrate_wait"`
}

// QueryConfig tunes decomposition: CoverageFactor and MaxRanges trade the
// number of range subscriptions against over-coverage.
type QueryConfig struct {
	CoverageFactor float64 `mapstructure:"coverage_factor"`
	MaxRanges      int     `mapstructure:"max_ranges"`
	InboxSize      int     `mapstructure:"inbox_size"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StreamBuffer    int           `mapstructure:"stream_buffer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.precision", geohash.DefaultPrecision)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "geoquery")

	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.dbname", "geoquery")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.migrate_attempts", 10)
	v.SetDefault("db.migrate_wait", 3*time.Second)

	d := geohash.DefaultDecomposer()
	v.SetDefault("query.coverage_factor", d.CoverageFactor)
	v.SetDefault("query.max_ranges", d.MaxRanges)
	v.SetDefault("query.inbox_size", 256)

	r := watcher.DefaultRetryPolicy()
	v.SetDefault("retry.initial_interval", r.InitialInterval)
	v.SetDefault("retry.max_interval", r.MaxInterval)
	v.SetDefault("retry.multiplier", r.Multiplier)
	v.SetDefault("retry.max_attempts", r.MaxAttempts)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.stream_buffer", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads config.yaml from path, or from the working directory when path
// is empty, and applies GEOQUERY_* environment overrides (GEOQUERY_REDIS_ADDR
// sets redis.addr). A missing file is fine when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("GEOQUERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if err := c.Decomposer().Validate(); err != nil {
		return fmt.Errorf("query: %w", err)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

// Decomposer returns the decomposition settings.
func (c *Config) Decomposer() geohash.Decomposer {
	return geohash.Decomposer{
		Precision:      c.Store.Precision,
		CoverageFactor: c.Query.CoverageFactor,
		MaxRanges:      c.Query.MaxRanges,
	}
}

// RetryPolicy returns the watcher reconnection policy.
func (c *Config) RetryPolicy() watcher.RetryPolicy {
	return watcher.RetryPolicy{
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
		Multiplier:      c.Retry.Multiplier,
		MaxAttempts:     c.Retry.MaxAttempts,
	}
}

// DSN returns a postgres:// connection URL.
func (c DBConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}
