// Package config loads the nodeflow service configuration from a YAML file
// and NODEFLOW_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type (
	// Config holds configuration settings for the nodeflow service
	Config struct {
		Engine      EngineConfig  `mapstructure:"engine"`
		Worker      WorkerConfig  `mapstructure:"worker"`
		Storage     StorageConfig `mapstructure:"storage"`
		Redis       RedisConfig   `mapstructure:"redis"`
		Mongo       MongoConfig   `mapstructure:"mongo"`
		Log         LogConfig     `mapstructure:"log"`
		Metrics     MetricsConfig `mapstructure:"metrics"`
		Definitions string        `mapstructure:"definitions"`
	}

	EngineConfig struct {
		LeaseDuration time.Duration `mapstructure:"lease_duration"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	}

	WorkerConfig struct {
		Concurrency  int           `mapstructure:"concurrency"`
		Queues       []string      `mapstructure:"queues"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
		IDPrefix     string        `mapstructure:"id_prefix"`
	}

	// StorageConfig selects where definitions, instances and history live.
	// Tasks live there too unless Redis is configured.
	StorageConfig struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	}

	// RedisConfig moves the task queue to Redis when Addr is set
	RedisConfig struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	}

	// MongoConfig moves the audit log to MongoDB when URI is set
	MongoConfig struct {
		URI        string `mapstructure:"uri"`
		Database   string `mapstructure:"database"`
		Collection string `mapstructure:"collection"`
	}

	LogConfig struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	}

	// MetricsConfig enables the OpenTelemetry observer on the global meter
	// provider
	MetricsConfig struct {
		Otel bool `mapstructure:"otel"`
	}
)

const (
	EnvPrefix      = "NODEFLOW"
	DefaultFile    = "nodeflow"
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultLeaseDuration = 5 * time.Minute
	DefaultSweepInterval = 5 * time.Second
	DefaultMaxBackoff    = time.Hour
	DefaultConcurrency   = 4
	DefaultPollInterval  = 200 * time.Millisecond
	DefaultWorkerPrefix  = "nodeflow"
	DefaultSQLiteDSN     = "file:nodeflow.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	DefaultRedisPrefix   = "nodeflow:"
	DefaultMongoDatabase = "nodeflow"
	DefaultMongoLogs     = "workflow_logs"
	MaxConcurrency       = 1024
)

var (
	ErrInvalidDriver        = errors.New("invalid storage driver")
	ErrMissingDSN           = errors.New("storage dsn is required")
	ErrInvalidConcurrency   = errors.New("invalid worker concurrency")
	ErrInvalidPollInterval  = errors.New("worker poll interval must be positive")
	ErrNoQueues             = errors.New("worker needs at least one queue")
	ErrInvalidLeaseDuration = errors.New("lease duration must be positive")
	ErrInvalidSweepInterval = errors.New("sweep interval must be positive")
	ErrInvalidMaxBackoff    = errors.New("max backoff must be positive")
	ErrInvalidLogLevel      = errors.New("invalid log level")
	ErrInvalidLogFormat     = errors.New("invalid log format")
	ErrMissingMongoDatabase = errors.New("mongo database and collection are required")
)

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// NewDefaultConfig creates a configuration that runs an in-memory engine
// with four workers on the default, timers and llm queues
func NewDefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			LeaseDuration: DefaultLeaseDuration,
			SweepInterval: DefaultSweepInterval,
			MaxBackoff:    DefaultMaxBackoff,
		},
		Worker: WorkerConfig{
			Concurrency:  DefaultConcurrency,
			Queues:       []string{"default", "timers", "llm"},
			PollInterval: DefaultPollInterval,
			IDPrefix:     DefaultWorkerPrefix,
		},
		Storage: StorageConfig{Driver: DriverMemory},
		Redis:   RedisConfig{Prefix: DefaultRedisPrefix},
		Mongo: MongoConfig{
			Database:   DefaultMongoDatabase,
			Collection: DefaultMongoLogs,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path, or nodeflow.yaml from the working directory when path is
// empty, over the defaults. NODEFLOW_ environment variables override both,
// with nested keys joined by underscores (NODEFLOW_STORAGE_DRIVER).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, NewDefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultFile)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDriverDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Every key needs a default so AutomaticEnv can resolve it on Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("engine.lease_duration", d.Engine.LeaseDuration)
	v.SetDefault("engine.sweep_interval", d.Engine.SweepInterval)
	v.SetDefault("engine.max_backoff", d.Engine.MaxBackoff)
	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.queues", d.Worker.Queues)
	v.SetDefault("worker.poll_interval", d.Worker.PollInterval)
	v.SetDefault("worker.id_prefix", d.Worker.IDPrefix)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.dsn", d.Storage.DSN)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.prefix", d.Redis.Prefix)
	v.SetDefault("mongo.uri", d.Mongo.URI)
	v.SetDefault("mongo.database", d.Mongo.Database)
	v.SetDefault("mongo.collection", d.Mongo.Collection)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.otel", d.Metrics.Otel)
	v.SetDefault("definitions", d.Definitions)
}

func (c *Config) applyDriverDefaults() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == DriverSQLite && c.Storage.DSN == "" {
		c.Storage.DSN = DefaultSQLiteDSN
	}
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: %s", ErrMissingDSN, c.Storage.Driver)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDriver, c.Storage.Driver)
	}

	if c.Worker.Concurrency <= 0 || c.Worker.Concurrency > MaxConcurrency {
		return fmt.Errorf("%w: %d", ErrInvalidConcurrency, c.Worker.Concurrency)
	}
	if c.Worker.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if len(c.Worker.Queues) == 0 {
		return ErrNoQueues
	}

	if c.Engine.LeaseDuration <= 0 {
		return ErrInvalidLeaseDuration
	}
	if c.Engine.SweepInterval <= 0 {
		return ErrInvalidSweepInterval
	}
	if c.Engine.MaxBackoff <= 0 {
		return ErrInvalidMaxBackoff
	}

	if c.Mongo.URI != "" && (c.Mongo.Database == "" || c.Mongo.Collection == "") {
		return ErrMissingMongoDatabase
	}

	if !slices.Contains(logLevels, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	if !slices.Contains(logFormats, strings.ToLower(c.Log.Format)) {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}
	return nil
}
