// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Crawl     CrawlConfig               `mapstructure:"crawl"`
	Topics    TopicsConfig              `mapstructure:"topics"`
	Sessions  SessionsConfig            `mapstructure:"sessions"`
	RateLimit RateLimitConfig           `mapstructure:"rate_limit"`
	DB        DBConfig                  `mapstructure:"db"`
	Scoring   ScoringConfig             `mapstructure:"scoring"`
	Archive   ArchiveConfig             `mapstructure:"archive"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Platforms map[string]PlatformConfig `mapstructure:"platforms"`
}

// ServerConfig controls the HTTP API and the daily schedule.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	CronSpec string `mapstructure:"cron_spec"`
}

// CrawlConfig governs orchestrator fan-out and retry behavior.
type CrawlConfig struct {
	Platforms          []string `mapstructure:"platforms"`
	MaxKeywords        int      `mapstructure:"max_keywords"`
	MaxItemsPerTask    int      `mapstructure:"max_items_per_task"`
	MaxCommentsPerPost int      `mapstructure:"max_comments_per_post"`
	FetchComments      bool     `mapstructure:"fetch_comments"`
	WorkersPerPlatform int      `mapstructure:"workers_per_platform"`
	MaxAttempts        int      `mapstructure:"max_attempts"`
	BackoffInitialMs   int      `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs       int      `mapstructure:"backoff_max_ms"`
	TaskTimeoutSeconds int      `mapstructure:"task_timeout_seconds"`
	HeartbeatStaleSec  int      `mapstructure:"heartbeat_stale_seconds"`
}

// TopicsConfig configures the hot-list feed and keyword extraction.
type TopicsConfig struct {
	FeedBaseURL      string   `mapstructure:"feed_base_url"`
	FeedSources      []string `mapstructure:"feed_sources"`
	RSSFeeds         []string `mapstructure:"rss_feeds"`
	LLMEndpoint      string   `mapstructure:"llm_endpoint"`
	LLMModel         string   `mapstructure:"llm_model"`
	LLMAPIKey        string   `mapstructure:"llm_api_key"`
	FallbackDays     int      `mapstructure:"fallback_days"`
	DefaultKeywords  []string `mapstructure:"default_keywords"`
	RequestTimeoutMs int      `mapstructure:"request_timeout_ms"`
}

// SessionsConfig controls the session store.
type SessionsConfig struct {
	AcquireTimeoutMs int `mapstructure:"acquire_timeout_ms"`
	GraceSeconds     int `mapstructure:"grace_seconds"`
}

// RateLimitConfig sets token-bucket defaults per operation class.
type RateLimitConfig struct {
	SearchRPS    float64 `mapstructure:"search_rps"`
	CommentsRPS  float64 `mapstructure:"comments_rps"`
	Burst        int     `mapstructure:"burst"`
	RecoveryStep float64 `mapstructure:"recovery_step"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string        `mapstructure:"dsn"`
	CorpusTable  string        `mapstructure:"corpus_table"`
	MaxConns     int32         `mapstructure:"max_conns"`
	MinConns     int32         `mapstructure:"min_conns"`
	ConnLifetime time.Duration `mapstructure:"conn_lifetime"`
}

// ScoringConfig holds the sentiment-scoring Pub/Sub destination.
type ScoringConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig sets the payload archive backend.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"` // gcs | local | memory
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig controls the zap profile and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PlatformConfig holds per-platform credentials and pool policy.
type PlatformConfig struct {
	Enabled       bool              `mapstructure:"enabled"`
	PoolSize      int               `mapstructure:"pool_size"`
	Cookies       map[string]string `mapstructure:"cookies"`
	UserAgent     string            `mapstructure:"user_agent"`
	LoginURL      string            `mapstructure:"login_url"`
	SessionTTLSec int               `mapstructure:"session_ttl_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SENTIMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if path != "" {
		if err := restoreCookieCase(path, cfg.Platforms); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cron_spec", "0 6 * * *")
	v.SetDefault("crawl.platforms", []string{"wb", "dy", "ks", "xhs", "tieba", "zhihu", "bili"})
	v.SetDefault("crawl.max_keywords", 50)
	v.SetDefault("crawl.max_items_per_task", 50)
	v.SetDefault("crawl.max_comments_per_post", 20)
	v.SetDefault("crawl.fetch_comments", true)
	v.SetDefault("crawl.workers_per_platform", 2)
	v.SetDefault("crawl.max_attempts", 4)
	v.SetDefault("crawl.backoff_initial_ms", 500)
	v.SetDefault("crawl.backoff_max_ms", 60000)
	v.SetDefault("crawl.task_timeout_seconds", 300)
	v.SetDefault("crawl.heartbeat_stale_seconds", 600)
	v.SetDefault("topics.feed_base_url", "https://newsnow.busiyi.world")
	v.SetDefault("topics.feed_sources", []string{
		"weibo", "zhihu", "bilibili-hot-search", "toutiao", "douyin",
	})
	v.SetDefault("topics.fallback_days", 7)
	v.SetDefault("topics.request_timeout_ms", 20000)
	v.SetDefault("sessions.acquire_timeout_ms", 10000)
	v.SetDefault("sessions.grace_seconds", 120)
	v.SetDefault("rate_limit.search_rps", 0.5)
	v.SetDefault("rate_limit.comments_rps", 1.0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("rate_limit.recovery_step", 0.05)
	v.SetDefault("db.corpus_table", "corpus_items")
	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.prefix", "payloads")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// restoreCookieCase re-reads the platform cookie maps from the raw config
// file. Viper lowercases every map key on read, but cookie names are
// case-sensitive (SUB, XSRF-TOKEN) and must reach the platform verbatim.
func restoreCookieCase(path string, platforms map[string]PlatformConfig) error {
	switch filepath.Ext(path) {
	case ".yaml", ".yml", ".json":
	default:
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var doc struct {
		Platforms map[string]struct {
			Cookies map[string]string `yaml:"cookies"`
		} `yaml:"platforms"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	for name, p := range doc.Platforms {
		key := strings.ToLower(name)
		pc, ok := platforms[key]
		if !ok || len(p.Cookies) == 0 {
			continue
		}
		pc.Cookies = p.Cookies
		platforms[key] = pc
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.WorkersPerPlatform <= 0 {
		return fmt.Errorf("crawl.workers_per_platform must be > 0")
	}
	if c.Crawl.MaxAttempts <= 0 {
		return fmt.Errorf("crawl.max_attempts must be > 0")
	}
	if len(c.Crawl.Platforms) == 0 {
		return fmt.Errorf("crawl.platforms must not be empty")
	}
	if c.RateLimit.SearchRPS <= 0 || c.RateLimit.CommentsRPS <= 0 {
		return fmt.Errorf("rate_limit rates must be > 0")
	}
	if c.Archive.Backend == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive.backend is gcs")
	}
	if c.Scoring.Enabled && (c.Scoring.ProjectID == "" || c.Scoring.TopicName == "") {
		return fmt.Errorf("scoring.project_id and scoring.topic_name must be set when scoring is enabled")
	}
	return nil
}

// TaskBudget converts the task timeout config into a duration.
func (c Config) TaskBudget() time.Duration {
	return time.Duration(c.Crawl.TaskTimeoutSeconds) * time.Second
}

// HeartbeatStale converts the stale-heartbeat threshold into a duration.
func (c Config) HeartbeatStale() time.Duration {
	return time.Duration(c.Crawl.HeartbeatStaleSec) * time.Second
}
