// Package config loads the service configuration from a YAML file with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vdplabs/guidance/internal/provider"
	"github.com/vdplabs/guidance/internal/ratelimit"
)

// Config is the root configuration for the guidance service.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Database   DatabaseConfig         `yaml:"database"`
	Redis      RedisConfig            `yaml:"redis"`
	NATS       NATSConfig             `yaml:"nats"`
	Backend    provider.BackendConfig `yaml:"backend"`
	Generation GenerationConfig       `yaml:"generation"`
	Security   SecurityConfig         `yaml:"security"`
	Telemetry  TelemetryConfig        `yaml:"telemetry"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the shared counter/cache store. An empty URL
// selects the degraded in-process mode.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// NATSConfig configures the event bus. An empty URL disables publishing.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// GenerationConfig bounds model calls and caching.
type GenerationConfig struct {
	DefaultModel string           `yaml:"default_model"`
	MaxTokens    int              `yaml:"max_tokens"`
	Timeout      time.Duration    `yaml:"timeout"`
	Temperature  float64          `yaml:"temperature"`
	CacheTTL     time.Duration    `yaml:"cache_ttl"`
	CharBudget   int              `yaml:"char_budget"`
	RateLimit    ratelimit.Config `yaml:"rate_limit"`
}

// SecurityConfig configures request authentication.
type SecurityConfig struct {
	JWTSecret      string   `yaml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Backend: provider.BackendConfig{
			Type: "openrouter",
		},
		Generation: GenerationConfig{
			DefaultModel: provider.DefaultModel,
			MaxTokens:    2000,
			Timeout:      30 * time.Second,
			Temperature:  0.1,
			CacheTTL:     24 * time.Hour,
			CharBudget:   400,
			RateLimit:    ratelimit.DefaultConfig(),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
		},
	}
}

// Load reads a YAML config file and applies environment overrides. A
// missing file is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values with environment variables. Secrets are
// expected to arrive this way in production.
func applyEnv(cfg *Config) {
	if dsn := os.Getenv("GUIDANCE_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if url := os.Getenv("GUIDANCE_REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if url := os.Getenv("GUIDANCE_NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if secret := os.Getenv("GUIDANCE_JWT_SECRET"); secret != "" {
		cfg.Security.JWTSecret = secret
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		cfg.Backend.APIKey = key
	}
	if domain := os.Getenv("GUIDANCE_APP_DOMAIN"); domain != "" {
		cfg.Backend.AppDomain = domain
	}
}
