package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the conversation service.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"-"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	LogLevel         string        `yaml:"log_level"`
	LogDev           bool          `yaml:"log_dev"`

	AllowAnyOrigin bool `yaml:"allow_any_origin"`

	StoreBackend string `yaml:"store_backend"`
	DatabaseURL  string `yaml:"database_url"`
	PebblePath   string `yaml:"pebble_path"`

	MaxWindowMessages int `yaml:"max_window_messages"`
	DefaultPageSize   int `yaml:"default_page_size"`
	MaxPageSize       int `yaml:"max_page_size"`

	LLMProvider     string `yaml:"llm_provider"`
	AnthropicAPIKey string `yaml:"-"`
	AnthropicModel  string `yaml:"anthropic_model"`

	// Requests per second allowed on the streaming endpoints; 0 disables
	// the limiter.
	StreamRatePerSec float64 `yaml:"stream_rate_per_sec"`
	StreamRateBurst  int     `yaml:"stream_rate_burst"`
}

// UnmarshalYAML decodes shutdown_timeout from the duration spelling a
// human writes in a config file ("15s", "2m"); yaml.v3 would otherwise
// only accept raw nanoseconds for a time.Duration field.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	aux := struct {
		ShutdownTimeout string `yaml:"shutdown_timeout"`
		*plain          `yaml:",inline"`
	}{plain: (*plain)(c)}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if raw := strings.TrimSpace(aux.ShutdownTimeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid shutdown_timeout %q: %w", raw, err)
		}
		c.ShutdownTimeout = d
	}
	return nil
}

// Load reads an optional .env file, an optional YAML config file named by
// APP_CONFIG_FILE, then environment variables, and applies safe defaults.
// Environment variables win over the file.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:          ":8080",
		ShutdownTimeout:   15 * time.Second,
		MetricsNamespace:  "converse",
		LogLevel:          "info",
		StoreBackend:      "auto",
		MaxWindowMessages: 20,
		DefaultPageSize:   20,
		MaxPageSize:       100,
		LLMProvider:       "auto",
		StreamRatePerSec:  0,
		StreamRateBurst:   5,
	}

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("APP_LOG_LEVEL", cfg.LogLevel)
	cfg.StoreBackend = envOrDefault("STORE_BACKEND", cfg.StoreBackend)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.PebblePath = envOrDefault("PEBBLE_PATH", cfg.PebblePath)
	cfg.LLMProvider = envOrDefault("LLM_PROVIDER", cfg.LLMProvider)
	cfg.AnthropicAPIKey = envOrDefault("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.AnthropicModel = envOrDefault("ANTHROPIC_MODEL", cfg.AnthropicModel)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LogDev, err = boolFromEnv("APP_LOG_DEV", cfg.LogDev)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxWindowMessages, err = intFromEnv("MAX_WINDOW_MESSAGES", cfg.MaxWindowMessages)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultPageSize, err = intFromEnv("DEFAULT_PAGE_SIZE", cfg.DefaultPageSize)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPageSize, err = intFromEnv("MAX_PAGE_SIZE", cfg.MaxPageSize)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamRatePerSec, err = floatFromEnv("STREAM_RATE_PER_SEC", cfg.StreamRatePerSec)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamRateBurst, err = intFromEnv("STREAM_RATE_BURST", cfg.StreamRateBurst)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxWindowMessages <= 0 {
		return Config{}, fmt.Errorf("MAX_WINDOW_MESSAGES must be positive")
	}
	if cfg.DefaultPageSize <= 0 {
		return Config{}, fmt.Errorf("DEFAULT_PAGE_SIZE must be positive")
	}
	if cfg.MaxPageSize < cfg.DefaultPageSize {
		return Config{}, fmt.Errorf("MAX_PAGE_SIZE must be at least DEFAULT_PAGE_SIZE")
	}
	if cfg.StreamRatePerSec < 0 {
		return Config{}, fmt.Errorf("STREAM_RATE_PER_SEC must not be negative")
	}
	if cfg.StreamRateBurst <= 0 {
		return Config{}, fmt.Errorf("STREAM_RATE_BURST must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
