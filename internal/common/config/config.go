// Package config provides configuration management for the chat gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the chat gateway.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Dify     DifyConfig     `mapstructure:"dify"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DifyConfig holds the upstream Dify API configuration.
type DifyConfig struct {
	BaseURL string `mapstructure:"baseUrl"`
	APIKey  string `mapstructure:"apiKey"`

	// Enabled controls whether Dify is used as the primary provider.
	// When nil (unset) it is derived from the presence of an API key.
	// Resolved once at load time and passed into the chat service at
	// construction; there is no process-global provider flag.
	Enabled *bool `mapstructure:"enabled"`
}

// OpenAIConfig holds the fallback LLM provider configuration.
type OpenAIConfig struct {
	APIKey string `mapstructure:"apiKey"`
	Model  string `mapstructure:"model"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DatabaseConfig holds the conversation mirror storage configuration.
// An empty path selects the in-memory repository.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// UseDify reports whether Dify is the preferred provider.
func (d *DifyConfig) UseDify() bool {
	if d.Enabled != nil {
		return *d.Enabled
	}
	return d.APIKey != ""
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CHATGATE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	// Streamed responses can run long; Dify agent runs regularly exceed a minute.
	v.SetDefault("server.writeTimeout", 120)

	// Upstream defaults
	v.SetDefault("dify.baseUrl", "https://api.dify.ai/v1")
	v.SetDefault("dify.apiKey", "")

	// Fallback provider defaults
	v.SetDefault("openai.apiKey", "")
	v.SetDefault("openai.model", "gpt-4o-mini")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "chatgate")
	v.SetDefault("nats.maxReconnects", 10)

	// Database defaults - empty path means in-memory conversation mirror
	v.SetDefault("database.path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CHATGATE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/chatgate/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CHATGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// and the upstream credentials keep their historical variable names.
	_ = v.BindEnv("dify.baseUrl", "DIFY_API_BASE_URL", "CHATGATE_DIFY_BASE_URL")
	_ = v.BindEnv("dify.apiKey", "DIFY_API_KEY", "CHATGATE_DIFY_API_KEY")
	_ = v.BindEnv("openai.apiKey", "OPENAI_API_KEY", "CHATGATE_OPENAI_API_KEY")
	_ = v.BindEnv("openai.model", "CHATGATE_OPENAI_MODEL")
	_ = v.BindEnv("database.path", "CHATGATE_DATABASE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/chatgate/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Dify.BaseURL == "" {
		errs = append(errs, "dify.baseUrl is required")
	}

	// At least one provider must be usable.
	if cfg.Dify.APIKey == "" && cfg.OpenAI.APIKey == "" {
		errs = append(errs, "at least one of dify.apiKey or openai.apiKey must be set")
	}
	if cfg.Dify.Enabled != nil && *cfg.Dify.Enabled && cfg.Dify.APIKey == "" {
		errs = append(errs, "dify.enabled requires dify.apiKey")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
