package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultJWTSecret matches the development fallback of the mobile backend.
// LoadServerConfig accepts it but callers should warn when it is in use.
const DefaultJWTSecret = "dev-secret"

// Snapshot sink selectors.
const (
	SinkAuto     = "auto"
	SinkPostgres = "postgres"
	SinkKafka    = "kafka"
	SinkMemory   = "memory"
)

// ServerConfig captures all tunable parameters for the tracking server.
// Values come from defaults, then an optional YAML file named by
// CONFIG_FILE, then environment variables.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	JWTSecret string `yaml:"jwt_secret" validate:"required"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0"`

	CacheKeyPrefix string        `yaml:"cache_key_prefix" validate:"required"`
	CacheTTL       time.Duration `yaml:"cache_ttl" validate:"gt=0"`

	PGDSN         string `yaml:"pg_dsn"`
	RunMigrations bool   `yaml:"migrate"`

	SnapshotInterval time.Duration `yaml:"snapshot_interval" validate:"gt=0"`
	SnapshotSink     string        `yaml:"snapshot_sink" validate:"oneof=auto postgres kafka memory"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" validate:"required"`

	WorkerCount      int `yaml:"worker_count" validate:"gt=0"`
	WorkerQueueDepth int `yaml:"worker_queue_depth" validate:"gt=0"`

	WSSendBuffer   int           `yaml:"ws_send_buffer" validate:"gt=0"`
	WSReadLimit    int64         `yaml:"ws_read_limit" validate:"gt=0"`
	WSPingInterval time.Duration `yaml:"ws_ping_interval" validate:"gt=0"`
	WSPongWait     time.Duration `yaml:"ws_pong_wait" validate:"gtfield=WSPingInterval"`

	LogLevel string `yaml:"log_level"`
}

// ConsumerConfig configures the snapshot consumer that drains Kafka into
// Postgres.
type ConsumerConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers" validate:"min=1"`
	KafkaTopic   string   `yaml:"kafka_topic" validate:"required"`
	KafkaGroup   string   `yaml:"kafka_group" validate:"required"`

	PGDSN         string `yaml:"pg_dsn" validate:"required"`
	RunMigrations bool   `yaml:"migrate"`

	RetryAttempts int           `yaml:"retry_attempts" validate:"gt=0"`
	RetryDelay    time.Duration `yaml:"retry_delay" validate:"gt=0"`

	LogLevel string `yaml:"log_level"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":4000",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		JWTSecret:        DefaultJWTSecret,
		CacheKeyPrefix:   "live:trip:",
		CacheTTL:         30 * time.Second,
		SnapshotInterval: 3 * time.Minute,
		SnapshotSink:     SinkAuto,
		KafkaTopic:       "trip-location-snapshots",
		WorkerCount:      8,
		WorkerQueueDepth: 1024,
		WSSendBuffer:     64,
		WSReadLimit:      1 << 16,
		WSPingInterval:   25 * time.Second,
		WSPongWait:       60 * time.Second,
		LogLevel:         "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "trip-location-snapshots",
		KafkaGroup:    "trip-snapshot-consumer",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	if err := loadFile(os.Getenv("CONFIG_FILE"), &cfg); err != nil {
		return cfg, err
	}
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" && os.Getenv("HTTP_ADDR") == "" {
		cfg.HTTPAddr = ":" + p
	}
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)
	setStringFromEnv(&cfg.CacheKeyPrefix, "CACHE_KEY_PREFIX")
	setDurationFromEnv(&cfg.CacheTTL, "CACHE_TTL", &errs)

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE")

	setDurationFromEnv(&cfg.SnapshotInterval, "SNAPSHOT_INTERVAL", &errs)
	if v := strings.TrimSpace(os.Getenv("SNAPSHOT_SINK")); v != "" {
		cfg.SnapshotSink = strings.ToLower(v)
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setIntFromEnv(&cfg.WorkerCount, "WORKER_COUNT", &errs)
	setIntFromEnv(&cfg.WorkerQueueDepth, "WORKER_QUEUE_DEPTH", &errs)

	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	setInt64FromEnv(&cfg.WSReadLimit, "WS_READ_LIMIT", &errs)
	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)
	setDurationFromEnv(&cfg.WSPongWait, "WS_PONG_WAIT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if err := validator.New().Struct(cfg); err != nil {
		errs = append(errs, err)
	}
	if cfg.SnapshotSink == SinkKafka && len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("SNAPSHOT_SINK=kafka requires KAFKA_BROKERS"))
	}
	if cfg.SnapshotSink == SinkPostgres && cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("SNAPSHOT_SINK=postgres requires PG_DSN"))
	}

	return cfg, errors.Join(errs...)
}

// ResolvedSink returns the concrete sink for SinkAuto: Postgres when a DSN
// is set, otherwise memory.
func (c ServerConfig) ResolvedSink() string {
	if c.SnapshotSink != SinkAuto {
		return c.SnapshotSink
	}
	if c.PGDSN != "" {
		return SinkPostgres
	}
	return SinkMemory
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	if err := loadFile(os.Getenv("CONFIG_FILE"), &cfg); err != nil {
		return cfg, err
	}
	var errs []error

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	if brokersEnv != "" {
		cfg.KafkaBrokers = splitAndTrim(brokersEnv)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE")
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if err := validator.New().Struct(cfg); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

// loadFile overlays YAML from path onto out. An empty path is a no-op.
func loadFile(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = strings.EqualFold(v, "true") || v == "1"
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
