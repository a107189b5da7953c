// Package config loads application configuration from YAML files with
// environment-variable overrides. It provides typed structs for every
// subsystem (Indexer, Viewer, Server, Kafka, Postgres, Redis, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Viewer   ViewerConfig   `yaml:"viewer"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// IndexerConfig sizes the external-memory stores. DumpName identifies the
// dump being indexed in persisted catalogs, cache keys and announcements.
type IndexerConfig struct {
	DumpName            string `yaml:"dumpName"`
	TempDir             string `yaml:"tempDir"`
	BatchRecords        int    `yaml:"batchRecords"`
	RunBufferRecords    int    `yaml:"runBufferRecords"`
	OutputBufferRecords int    `yaml:"outputBufferRecords"`
	SegmentCapacity     int    `yaml:"segmentCapacity"`
}

// ViewerConfig controls paging limits of the query API.
type ViewerConfig struct {
	DefaultLimit   int           `yaml:"defaultLimit"`
	MaxLimit       int           `yaml:"maxLimit"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DumpEvents    string `yaml:"dumpEvents"`
	IndexComplete string `yaml:"indexComplete"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. Missing values keep their defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Indexer: IndexerConfig{
			DumpName:            "heap.hprof",
			BatchRecords:        1_000_000,
			RunBufferRecords:    100,
			OutputBufferRecords: 1000,
			SegmentCapacity:     100,
		},
		Viewer: ViewerConfig{
			DefaultLimit:   50,
			MaxLimit:       1000,
			RequestTimeout: 10 * time.Second,
		},
		Kafka: KafkaConfig{
			Enabled:       true,
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "hprof-indexer",
			Topics: KafkaTopics{
				DumpEvents:    "hprof.events",
				IndexComplete: "hprof.index-complete",
			},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "hprofindex",
			User:            "hprofindex",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads HPX_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	setInt("HPX_SERVER_PORT", &cfg.Server.Port)

	setString("HPX_INDEXER_DUMP_NAME", &cfg.Indexer.DumpName)
	setString("HPX_INDEXER_TEMP_DIR", &cfg.Indexer.TempDir)
	setInt("HPX_INDEXER_BATCH_RECORDS", &cfg.Indexer.BatchRecords)
	setInt("HPX_INDEXER_SEGMENT_CAPACITY", &cfg.Indexer.SegmentCapacity)

	setInt("HPX_VIEWER_DEFAULT_LIMIT", &cfg.Viewer.DefaultLimit)
	setInt("HPX_VIEWER_MAX_LIMIT", &cfg.Viewer.MaxLimit)

	setBool("HPX_KAFKA_ENABLED", &cfg.Kafka.Enabled)
	if v := os.Getenv("HPX_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	setString("HPX_KAFKA_CONSUMER_GROUP", &cfg.Kafka.ConsumerGroup)

	setBool("HPX_POSTGRES_ENABLED", &cfg.Postgres.Enabled)
	setString("HPX_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("HPX_POSTGRES_PORT", &cfg.Postgres.Port)
	setString("HPX_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setString("HPX_POSTGRES_USER", &cfg.Postgres.User)
	setString("HPX_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setString("HPX_POSTGRES_SSLMODE", &cfg.Postgres.SSLMode)

	setBool("HPX_REDIS_ENABLED", &cfg.Redis.Enabled)
	setString("HPX_REDIS_ADDR", &cfg.Redis.Addr)
	setString("HPX_REDIS_PASSWORD", &cfg.Redis.Password)

	setString("HPX_LOGGING_LEVEL", &cfg.Logging.Level)
	setString("HPX_LOGGING_FORMAT", &cfg.Logging.Format)

	setBool("HPX_METRICS_ENABLED", &cfg.Metrics.Enabled)
	setInt("HPX_METRICS_PORT", &cfg.Metrics.Port)
}
