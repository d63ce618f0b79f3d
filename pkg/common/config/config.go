// Package config loads the HiveMind server configuration from a YAML file
// and HIVEMIND_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hivemind-io/hivemind/pkg/common/cache"
)

// APIConfig defines the API server configuration
type APIConfig struct {
	ListenAddress  string        `mapstructure:"listen_address"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig defines the Postgres connection settings
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// EmbeddingConfig configures the embedding provider and its guards
type EmbeddingConfig struct {
	Provider      string        `mapstructure:"provider"` // tei, openai, bedrock
	ModelID       string        `mapstructure:"model_id"`
	ModelRevision string        `mapstructure:"model_revision"`
	Dimensions    int           `mapstructure:"dimensions"`
	Endpoint      string        `mapstructure:"endpoint"`
	APIKey        string        `mapstructure:"api_key"`
	Region        string        `mapstructure:"region"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxInflight   int           `mapstructure:"max_inflight"`
	CacheSize     int           `mapstructure:"cache_size"`
}

// SanitizeConfig configures the PII/secret sanitiser
type SanitizeConfig struct {
	NEREndpoint        string        `mapstructure:"ner_endpoint"`
	NERTimeout         time.Duration `mapstructure:"ner_timeout"`
	RejectionThreshold float64       `mapstructure:"rejection_threshold"`
	MaxInflight        int           `mapstructure:"max_inflight"`
}

// IngestConfig bounds agent contributions
type IngestConfig struct {
	MaxContentLength int `mapstructure:"max_content_length"`
}

// SearchConfig bounds retrieval queries
type SearchConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

// PrescreenConfig tunes the reviewer pre-screen
type PrescreenConfig struct {
	DistanceCeiling  float64 `mapstructure:"distance_ceiling"`
	DuplicatePercent float64 `mapstructure:"duplicate_percent"`
	SimilarLimit     int     `mapstructure:"similar_limit"`
}

// NotifierConfig tunes the approval-event fan-out
type NotifierConfig struct {
	BufferSize int           `mapstructure:"buffer_size"`
	Heartbeat  time.Duration `mapstructure:"heartbeat"`
}

// WebhookConfig tunes approval webhook delivery
type WebhookConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	QueueSize  int           `mapstructure:"queue_size"`
	Workers    int           `mapstructure:"workers"`
}

// QualityConfig tunes the quality-score aggregation worker
type QualityConfig struct {
	AggregationInterval   time.Duration `mapstructure:"aggregation_interval"`
	StalenessHalfLifeDays float64       `mapstructure:"staleness_half_life_days"`
	WeightUsefulness      float64       `mapstructure:"weight_usefulness"`
	WeightPopularity      float64       `mapstructure:"weight_popularity"`
	WeightFreshness       float64       `mapstructure:"weight_freshness"`
	WeightContradiction   float64       `mapstructure:"weight_contradiction"`
}

// AuthConfig configures credential verification
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// MetricsConfig configures the Prometheus client
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Config holds the complete application configuration
type Config struct {
	Environment string          `mapstructure:"environment"`
	API         APIConfig       `mapstructure:"api"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Cache       cache.Config    `mapstructure:"cache"`
	Embedding   EmbeddingConfig `mapstructure:"embedding"`
	Sanitize    SanitizeConfig  `mapstructure:"sanitize"`
	Ingest      IngestConfig    `mapstructure:"ingest"`
	Search      SearchConfig    `mapstructure:"search"`
	Prescreen   PrescreenConfig `mapstructure:"prescreen"`
	Notifier    NotifierConfig  `mapstructure:"notifier"`
	Webhooks    WebhookConfig   `mapstructure:"webhooks"`
	Quality     QualityConfig   `mapstructure:"quality"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	configFile := os.Getenv("HIVEMIND_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("HIVEMIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	// Common container-environment aliases outside the HIVEMIND_ prefix.
	_ = v.BindEnv("database.dsn", "DATABASE_URL")
	_ = v.BindEnv("cache.address", "REDIS_ADDR")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")

	if err := v.ReadInConfig(); err != nil {
		// Config file is not required when environment variables carry the
		// settings; any other read error is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	processEnvExpansion(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// processEnvExpansion expands ${VAR} and ${VAR:-default} references inside
// string config values.
func processEnvExpansion(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if value == "" {
			continue
		}
		if strings.Contains(value, "${") && strings.Contains(value, "}") {
			expanded := expandEnvVars(value)
			if expanded != value {
				v.Set(key, expanded)
			}
		}
	}
}

// expandEnvVars expands environment variables in a string
func expandEnvVars(value string) string {
	result := value

	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varRef := result[start+2 : end]

		var envVar, defaultVal string
		if strings.Contains(varRef, ":-") {
			parts := strings.SplitN(varRef, ":-", 2)
			envVar = parts[0]
			defaultVal = parts[1]
		} else {
			envVar = varRef
		}

		envVal := os.Getenv(envVar)
		if envVal == "" && defaultVal != "" {
			envVal = defaultVal
		}

		result = result[:start] + envVal + result[end+1:]
	}

	return result
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	// API defaults
	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.request_timeout", 30*time.Second)
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	// Cache defaults
	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.address", "localhost:6379")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.dial_timeout", 5*time.Second)
	v.SetDefault("cache.read_timeout", 3*time.Second)
	v.SetDefault("cache.write_timeout", 3*time.Second)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.min_idle_conns", 2)
	v.SetDefault("cache.max_items", 10000)
	v.SetDefault("cache.default_ttl", 5*time.Minute)

	// Embedding defaults
	v.SetDefault("embedding.provider", "tei")
	v.SetDefault("embedding.model_id", "sentence-transformers/all-MiniLM-L6-v2")
	v.SetDefault("embedding.dimensions", 384)
	v.SetDefault("embedding.endpoint", "http://localhost:8081")
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.max_inflight", 16)
	v.SetDefault("embedding.cache_size", 512)

	// Sanitiser defaults
	v.SetDefault("sanitize.ner_timeout", 10*time.Second)
	v.SetDefault("sanitize.rejection_threshold", 0.50)
	v.SetDefault("sanitize.max_inflight", 8)

	// Ingest defaults
	v.SetDefault("ingest.max_content_length", 10000)

	// Search defaults
	v.SetDefault("search.default_limit", 10)
	v.SetDefault("search.max_limit", 50)

	// Pre-screen defaults
	v.SetDefault("prescreen.distance_ceiling", 0.35)
	v.SetDefault("prescreen.duplicate_percent", 80.0)
	v.SetDefault("prescreen.similar_limit", 3)

	// Notifier defaults
	v.SetDefault("notifier.buffer_size", 128)
	v.SetDefault("notifier.heartbeat", 25*time.Second)

	// Webhook defaults
	v.SetDefault("webhooks.enabled", true)
	v.SetDefault("webhooks.timeout", 10*time.Second)
	v.SetDefault("webhooks.max_retries", 3)
	v.SetDefault("webhooks.queue_size", 256)
	v.SetDefault("webhooks.workers", 4)

	// Quality aggregation defaults
	v.SetDefault("quality.aggregation_interval", 10*time.Minute)
	v.SetDefault("quality.staleness_half_life_days", 90.0)
	v.SetDefault("quality.weight_usefulness", 0.40)
	v.SetDefault("quality.weight_popularity", 0.25)
	v.SetDefault("quality.weight_freshness", 0.20)
	v.SetDefault("quality.weight_contradiction", 0.15)

	// Auth defaults
	v.SetDefault("auth.jwt_expiration", 24*time.Hour)
	v.SetDefault("auth.cache_ttl", 60*time.Second)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "hivemind")

	// Logging defaults
	v.SetDefault("logging.level", "info")
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "dev" || c.Environment == "development"
}

// Validate checks settings that have no workable default
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive")
	}
	if c.Sanitize.RejectionThreshold < 0 || c.Sanitize.RejectionThreshold > 1 {
		return fmt.Errorf("sanitize.rejection_threshold must be within [0,1]")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}
