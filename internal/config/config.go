// Package config provides unified configuration loading for the leaderboard
// service: defaults, an optional YAML file, then environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Host     string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port     int    `json:"port" yaml:"port" env:"SERVER_PORT"`
	ServerID string `json:"server_id" yaml:"server_id" env:"SERVER_ID"`
}

// DatabaseConfig controls the storage collaborator's Postgres connection.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" yaml:"port" env:"DATABASE_PORT"`
	User            string `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password        string `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// RedisConfig controls the distributed cache / registry / pub-sub / stream backend.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"REDIS_DB"`
}

// BatchConfig controls the score-event stream's batching window (spec §4.1).
type BatchConfig struct {
	WindowMs    int `json:"batch_window_ms" yaml:"batch_window_ms" env:"BATCH_WINDOW_MS"`
	MaxSize     int `json:"batch_max_size" yaml:"batch_max_size" env:"BATCH_MAX_SIZE"`
	MaxRetries  int `json:"batch_max_retries" yaml:"batch_max_retries" env:"BATCH_MAX_RETRIES"`
	RetryBaseMs int `json:"batch_retry_base_ms" yaml:"batch_retry_base_ms" env:"BATCH_RETRY_BASE_MS"`
	RetryCapMs  int `json:"batch_retry_cap_ms" yaml:"batch_retry_cap_ms" env:"BATCH_RETRY_CAP_MS"`
	DLQCap      int `json:"dlq_cap" yaml:"dlq_cap" env:"DLQ_CAP"`
}

// TierConfig controls minimum delivery interval per subscriber tier (spec §6).
type TierConfig struct {
	ActiveIntervalMs  int `json:"active_interval_ms" yaml:"active_interval_ms" env:"TIER_ACTIVE_INTERVAL_MS"`
	PassiveIntervalMs int `json:"passive_interval_ms" yaml:"passive_interval_ms" env:"TIER_PASSIVE_INTERVAL_MS"`
	ObserverIntervalMs int `json:"observer_interval_ms" yaml:"observer_interval_ms" env:"TIER_OBSERVER_INTERVAL_MS"`
}

// CacheConfig controls the tiered leaderboard cache (spec §4.3).
type CacheConfig struct {
	LocalMaxEntries     int `json:"local_max_entries" yaml:"local_max_entries" env:"CACHE_LOCAL_MAX_ENTRIES"`
	LocalMaxMemoryMB    int `json:"local_max_memory_mb" yaml:"local_max_memory_mb" env:"CACHE_LOCAL_MAX_MEMORY_MB"`
	LeaderboardTTLMs    int `json:"leaderboard_ttl_ms" yaml:"leaderboard_ttl_ms" env:"CACHE_LEADERBOARD_TTL_MS"`
	RatingTTLMs         int `json:"rating_ttl_ms" yaml:"rating_ttl_ms" env:"CACHE_RATING_TTL_MS"`
	AroundMeTTLMs       int `json:"around_me_ttl_ms" yaml:"around_me_ttl_ms" env:"CACHE_AROUND_ME_TTL_MS"`
	SnapshotTTLMs       int `json:"snapshot_ttl_ms" yaml:"snapshot_ttl_ms" env:"CACHE_SNAPSHOT_TTL_MS"`
	DistributedTopNTTLMs int `json:"distributed_topn_ttl_ms" yaml:"distributed_topn_ttl_ms" env:"CACHE_DISTRIBUTED_TOPN_TTL_MS"`
	TopNSize            int `json:"top_n_size" yaml:"top_n_size" env:"TOP_N_SIZE"`
	AroundMeRange       int `json:"around_me_range" yaml:"around_me_range" env:"AROUND_ME_RANGE"`
}

// RefreshConfig controls the materialized-view refresh scheduler (spec §4.4).
type RefreshConfig struct {
	IntervalMs int `json:"refresh_interval_ms" yaml:"refresh_interval_ms" env:"REFRESH_INTERVAL_MS"`
	DebounceMs int `json:"refresh_debounce_ms" yaml:"refresh_debounce_ms" env:"REFRESH_DEBOUNCE_MS"`
}

// WebSocketConfig controls connection acceptance and the per-client queue.
type WebSocketConfig struct {
	MaxMessageBytes         int `json:"ws_max_message_bytes" yaml:"ws_max_message_bytes" env:"WS_MAX_MESSAGE_BYTES"`
	HeartbeatTimeoutMs      int `json:"ws_heartbeat_timeout_ms" yaml:"ws_heartbeat_timeout_ms" env:"WS_HEARTBEAT_TIMEOUT_MS"`
	HeartbeatIntervalMs     int `json:"ws_heartbeat_interval_ms" yaml:"ws_heartbeat_interval_ms" env:"WS_HEARTBEAT_INTERVAL_MS"`
	MaxQueuePerClient       int `json:"max_queue_per_client" yaml:"max_queue_per_client" env:"MAX_QUEUE_PER_CLIENT"`
	BackpressureThresholdB  int `json:"backpressure_threshold_bytes" yaml:"backpressure_threshold_bytes" env:"BACKPRESSURE_THRESHOLD_BYTES"`
	DrainIntervalMs         int `json:"drain_interval_ms" yaml:"drain_interval_ms" env:"DRAIN_INTERVAL_MS"`
	DrainBatchSize          int `json:"drain_batch_size" yaml:"drain_batch_size" env:"DRAIN_BATCH_SIZE"`
	MaxConnectionsPerIP     int `json:"max_connections_per_ip" yaml:"max_connections_per_ip" env:"MAX_CONNECTIONS_PER_IP"`
	MaxConnectionsInWindow  int `json:"max_connections_in_window" yaml:"max_connections_in_window" env:"MAX_CONNECTIONS_IN_WINDOW"`
	RateLimitWindowMs       int `json:"rate_limit_window_ms" yaml:"rate_limit_window_ms" env:"RATE_LIMIT_WINDOW_MS"`
}

// JobQueueConfig controls retry policy for the three job types (spec §4.9).
type JobQueueConfig struct {
	RaceCompletionAttempts    int `json:"race_completion_attempts" yaml:"race_completion_attempts" env:"JOB_RACE_COMPLETION_ATTEMPTS"`
	RaceCompletionBackoffMs   int `json:"race_completion_backoff_ms" yaml:"race_completion_backoff_ms" env:"JOB_RACE_COMPLETION_BACKOFF_MS"`
	LeaderboardUpdateAttempts int `json:"leaderboard_update_attempts" yaml:"leaderboard_update_attempts" env:"JOB_LEADERBOARD_UPDATE_ATTEMPTS"`
	LeaderboardUpdateBackoffMs int `json:"leaderboard_update_backoff_ms" yaml:"leaderboard_update_backoff_ms" env:"JOB_LEADERBOARD_UPDATE_BACKOFF_MS"`
	AchievementCheckAttempts  int `json:"achievement_check_attempts" yaml:"achievement_check_attempts" env:"JOB_ACHIEVEMENT_CHECK_ATTEMPTS"`
	AchievementCheckBackoffMs int `json:"achievement_check_backoff_ms" yaml:"achievement_check_backoff_ms" env:"JOB_ACHIEVEMENT_CHECK_BACKOFF_MS"`
	RetainCompleted           int `json:"retain_completed" yaml:"retain_completed" env:"JOB_RETAIN_COMPLETED"`
	RetainFailed              int `json:"retain_failed" yaml:"retain_failed" env:"JOB_RETAIN_FAILED"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Batch     BatchConfig     `json:"batch" yaml:"batch"`
	Tier      TierConfig      `json:"tier" yaml:"tier"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Refresh   RefreshConfig   `json:"refresh" yaml:"refresh"`
	WebSocket WebSocketConfig `json:"websocket" yaml:"websocket"`
	JobQueue  JobQueueConfig  `json:"job_queue" yaml:"job_queue"`
}

// New returns a configuration populated with the defaults enumerated in spec §6.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8080,
			ServerID: "",
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "leaderboard",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Batch: BatchConfig{
			WindowMs:    2000,
			MaxSize:     100,
			MaxRetries:  3,
			RetryBaseMs: 500,
			RetryCapMs:  5000,
			DLQCap:      10000,
		},
		Tier: TierConfig{
			ActiveIntervalMs:   2000,
			PassiveIntervalMs:  10000,
			ObserverIntervalMs: 30000,
		},
		Cache: CacheConfig{
			LocalMaxEntries:      10000,
			LocalMaxMemoryMB:     64,
			LeaderboardTTLMs:     10000,
			RatingTTLMs:          30000,
			AroundMeTTLMs:        5000,
			SnapshotTTLMs:        60000,
			DistributedTopNTTLMs: 60000,
			TopNSize:             100,
			AroundMeRange:        10,
		},
		Refresh: RefreshConfig{
			IntervalMs: 30000,
			DebounceMs: 500,
		},
		WebSocket: WebSocketConfig{
			MaxMessageBytes:        65536,
			HeartbeatTimeoutMs:     90000,
			HeartbeatIntervalMs:    30000,
			MaxQueuePerClient:      50,
			BackpressureThresholdB: 16384,
			DrainIntervalMs:        50,
			DrainBatchSize:         5,
			MaxConnectionsPerIP:    10,
			MaxConnectionsInWindow: 20,
			RateLimitWindowMs:      60000,
		},
		JobQueue: JobQueueConfig{
			RaceCompletionAttempts:     3,
			RaceCompletionBackoffMs:    1000,
			LeaderboardUpdateAttempts:  3,
			LeaderboardUpdateBackoffMs: 500,
			AchievementCheckAttempts:   2,
			AchievementCheckBackoffMs:  2000,
			RetainCompleted:            200,
			RetainFailed:               200,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string from host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from an optional file and environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// LoadFile reads configuration from a YAML file, falling back to defaults
// for any field the file omits.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig reads a JSON config snippet, used by tests and one-off tools.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// applyDatabaseURLOverride lets DATABASE_URL override any file-based DSN,
// matching common container/orchestrator conventions.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

// Ms converts the millisecond knobs to time.Duration at the call site
// that needs them, keeping the struct itself serialization-friendly.
func Ms(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
