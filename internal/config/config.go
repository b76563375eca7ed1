// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HarvestConfig governs worker pool and pipeline behavior.
type HarvestConfig struct {
	Workers              int `mapstructure:"workers"`
	QueueDepth           int `mapstructure:"queue_depth"`
	MaxConcurrentScrapes int `mapstructure:"max_concurrent_scrapes"`
	JobBudgetMinutes     int `mapstructure:"job_budget_minutes"`
	MaxAttempts          int `mapstructure:"max_attempts"`
}

// ScraperConfig points at the upstream scraper services.
type ScraperConfig struct {
	ReelURL            string  `mapstructure:"reel_url"`
	PostsURL           string  `mapstructure:"posts_url"`
	Limit              int     `mapstructure:"limit"`
	IGUsername         string  `mapstructure:"ig_username"`
	IGPassword         string  `mapstructure:"ig_password"`
	CallTimeoutMinutes int     `mapstructure:"call_timeout_minutes"`
	RequestsPerMinute  float64 `mapstructure:"requests_per_minute"`
}

// SchedulerConfig controls periodic dispatch and retention.
type SchedulerConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	CronExpr            string `mapstructure:"cron_expr"`
	FailureBackoffHours int    `mapstructure:"failure_backoff_hours"`
	RetentionDays       int    `mapstructure:"retention_days"`
	DefaultFrequencyHrs int    `mapstructure:"default_frequency_hours"`
}

// EnrichConfig configures the content labeling stage.
type EnrichConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	BatchSize     int    `mapstructure:"batch_size"`
	BatchPauseSec int    `mapstructure:"batch_pause_seconds"`
}

// DBConfig controls access to the relational database. An empty DSN
// selects the in-memory stores.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("harvest.workers", 4)
	v.SetDefault("harvest.queue_depth", 64)
	v.SetDefault("harvest.max_concurrent_scrapes", 2)
	v.SetDefault("harvest.job_budget_minutes", 20)
	v.SetDefault("harvest.max_attempts", 3)
	v.SetDefault("scraper.limit", 100)
	v.SetDefault("scraper.call_timeout_minutes", 15)
	v.SetDefault("scraper.requests_per_minute", 6)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cron_expr", "0 0 */3 * *")
	v.SetDefault("scheduler.failure_backoff_hours", 6)
	v.SetDefault("scheduler.retention_days", 30)
	v.SetDefault("scheduler.default_frequency_hours", 72)
	v.SetDefault("enrich.enabled", false)
	v.SetDefault("enrich.model", "claude-3-5-haiku-latest")
	v.SetDefault("enrich.batch_size", 10)
	v.SetDefault("enrich.batch_pause_seconds", 2)
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Harvest.Workers <= 0 {
		return fmt.Errorf("harvest.workers must be > 0")
	}
	if c.Harvest.QueueDepth <= 0 {
		return fmt.Errorf("harvest.queue_depth must be > 0")
	}
	if c.Harvest.MaxConcurrentScrapes <= 0 {
		return fmt.Errorf("harvest.max_concurrent_scrapes must be > 0")
	}
	if c.Scraper.CallTimeoutMinutes <= 0 {
		return fmt.Errorf("scraper.call_timeout_minutes must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Enrich.Enabled && c.Enrich.APIKey == "" {
		return fmt.Errorf("enrich.api_key must be set when enrichment is enabled")
	}
	return nil
}

// JobBudget returns the per-job wall clock allowance.
func (c Config) JobBudget() time.Duration {
	return time.Duration(c.Harvest.JobBudgetMinutes) * time.Minute
}

// CallTimeout returns the per-scrape-call allowance.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Scraper.CallTimeoutMinutes) * time.Minute
}

// BatchPause returns the delay between enrichment batches.
func (c Config) BatchPause() time.Duration {
	return time.Duration(c.Enrich.BatchPauseSec) * time.Second
}

// FailureBackoff returns the cooldown applied after a failed run.
func (c Config) FailureBackoff() time.Duration {
	return time.Duration(c.Scheduler.FailureBackoffHours) * time.Hour
}

// DefaultFrequency returns the cadence for sources without their own
// parse frequency.
func (c Config) DefaultFrequency() time.Duration {
	return time.Duration(c.Scheduler.DefaultFrequencyHrs) * time.Hour
}
