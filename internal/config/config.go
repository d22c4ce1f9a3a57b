package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	// Service
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	HTTPPort        string        `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Storage and auth
	DatabaseURL string        `env:"DATABASE_URL" envDefault:"study_assistant.db"`
	JWTSecret   string        `env:"JWT_SECRET,notEmpty"`
	TokenTTL    time.Duration `env:"JWT_TTL" envDefault:"24h"`

	// AI provider: gemini, openai or echo
	AIProvider      string        `env:"AI_PROVIDER" envDefault:"gemini"`
	GeminiAPIKey    string        `env:"GEMINI_API_KEY"`
	GeminiModel     string        `env:"GEMINI_MODEL"`
	TitleModel      string        `env:"TITLE_MODEL"`
	OpenAIAPIKey    string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string        `env:"OPENAI_BASE_URL"`
	OpenAIModel     string        `env:"OPENAI_MODEL"`
	ResponseTimeout time.Duration `env:"AI_RESPONSE_TIMEOUT" envDefault:"90s"`
	TitleTimeout    time.Duration `env:"AI_TITLE_TIMEOUT" envDefault:"45s"`
	AIMaxAttempts   int           `env:"AI_MAX_ATTEMPTS" envDefault:"2"`
	AIRetryDelay    time.Duration `env:"AI_RETRY_DELAY" envDefault:"1s"`

	// Push backend: memory or redis
	PushBackend string `env:"PUSH_BACKEND" envDefault:"memory"`
	RedisURL    string `env:"REDIS_URL"`

	// Quota
	FreeMessageLimit     int           `env:"FREE_MESSAGE_LIMIT" envDefault:"20"`
	QuotaCacheTTL        time.Duration `env:"QUOTA_CACHE_TTL" envDefault:"60s"`
	BillingWebhookSecret string        `env:"BILLING_WEBHOOK_SECRET"`

	// Sync
	ReconcileWindow time.Duration `env:"RECONCILE_WINDOW" envDefault:"10s"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`

	// Reconnection
	ReconnectBase          time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMax           time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectFactor        float64       `env:"RECONNECT_FACTOR" envDefault:"2"`
	ReconnectFallbackAfter int           `env:"RECONNECT_FALLBACK_AFTER" envDefault:"3"`
}

var AppConfig Config

// Load reads a .env file if present, then parses the environment.
func Load() (*Config, error) {
	// A missing .env file is fine; the environment alone is enough.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig loads the configuration into AppConfig.
func LoadConfig() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	AppConfig = *cfg
	return nil
}

func (c *Config) validate() error {
	c.AIProvider = strings.ToLower(strings.TrimSpace(c.AIProvider))
	c.PushBackend = strings.ToLower(strings.TrimSpace(c.PushBackend))

	switch c.AIProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY environment variable is required for the gemini provider")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY environment variable is required for the openai provider")
		}
	case "echo":
	default:
		return fmt.Errorf("unsupported AI_PROVIDER %q", c.AIProvider)
	}

	switch c.PushBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL environment variable is required for the redis push backend")
		}
	default:
		return fmt.Errorf("unsupported PUSH_BACKEND %q", c.PushBackend)
	}

	if c.FreeMessageLimit <= 0 {
		return fmt.Errorf("FREE_MESSAGE_LIMIT must be positive")
	}
	return nil
}
