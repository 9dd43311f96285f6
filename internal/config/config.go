package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"fieldsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Client     ClientConfig     `yaml:"client"`
}

type APIConfig struct {
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
	Sync      APISyncConfig      `yaml:"sync"`
}

type APIHTTPConfig struct {
	Port       int  `yaml:"port"`
	TrustProxy bool `yaml:"trust_proxy"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

// APIRateLimitConfig is the token bucket applied to per-action endpoints.
type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// APISyncConfig bounds POST /sync.
type APISyncConfig struct {
	MaxBatchSize      int `yaml:"max_batch_size"`
	RateLimitRequests int `yaml:"rate_limit_requests"`
	RateLimitWindow   int `yaml:"rate_limit_window"`
}

type ClientConfig struct {
	QueuePath           string  `yaml:"queue_path"`
	ServerURL           string  `yaml:"server_url"`
	APIKey              string  `yaml:"api_key"`
	APIExtra            string  `yaml:"api_extra"`
	Transport           string  `yaml:"transport"`
	PollInterval        int     `yaml:"poll_interval"`
	HealthCheckInterval int     `yaml:"health_check_interval"`
	MaxRetries          int     `yaml:"max_retries"`
	HandlerTimeout      int     `yaml:"handler_timeout"`
	BackoffInitial      int     `yaml:"backoff_initial"`
	BackoffMax          int     `yaml:"backoff_max"`
	OutboundRPS         float64 `yaml:"outbound_rps"`
	ExportPath          string  `yaml:"export_path"`
}

const (
	TransportDirect = "direct"
	TransportBatch  = "batch"
)

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; variables it sets are visible to ExpandEnv below
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate checks settings shared by both binaries.
func (c *Config) Validate() error {
	switch c.Client.Transport {
	case TransportDirect, TransportBatch:
	default:
		return fmt.Errorf("client.transport must be %q or %q, got %q", TransportDirect, TransportBatch, c.Client.Transport)
	}
	if c.API.Sync.MaxBatchSize < 1 {
		return errors.New("api.sync.max_batch_size must be positive")
	}
	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

// ValidateServer checks what cmd/api needs beyond Validate.
func (c *Config) ValidateServer() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api.auth is enabled but no api_keys are configured")
	}
	return nil
}

// ValidateClient checks what the fieldsync CLI needs beyond Validate.
func (c *Config) ValidateClient() error {
	if c.Client.QueuePath == "" {
		return errors.New("client.queue_path is required")
	}
	if c.Client.ServerURL == "" {
		return errors.New("client.server_url is required")
	}
	u, err := url.Parse(c.Client.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("client.server_url %q is not an absolute URL", c.Client.ServerURL)
	}
	return nil
}

func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("api key '%s' has an empty key", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key found for '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "fieldsync"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}

	if c.API.Sync.MaxBatchSize == 0 {
		c.API.Sync.MaxBatchSize = models.DefaultMaxBatchSize
	}
	if c.API.Sync.RateLimitRequests == 0 {
		c.API.Sync.RateLimitRequests = models.SyncRateLimitRequests
	}
	if c.API.Sync.RateLimitWindow == 0 {
		c.API.Sync.RateLimitWindow = models.SyncRateLimitWindow
	}

	// Client defaults
	if c.Client.Transport == "" {
		c.Client.Transport = TransportDirect
	}
	if c.Client.PollInterval == 0 {
		c.Client.PollInterval = models.DefaultPollInterval
	}
	if c.Client.HealthCheckInterval == 0 {
		c.Client.HealthCheckInterval = 5
	}
	if c.Client.MaxRetries == 0 {
		c.Client.MaxRetries = models.DefaultMaxRetries
	}
	if c.Client.HandlerTimeout == 0 {
		c.Client.HandlerTimeout = models.DefaultHandlerTimeout
	}
	if c.Client.BackoffInitial == 0 {
		c.Client.BackoffInitial = 5
	}
	if c.Client.BackoffMax == 0 {
		c.Client.BackoffMax = 300
	}
	if c.Client.ExportPath == "" {
		c.Client.ExportPath = "exports"
	}
}
