package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"posologicos-backend/internal/utils"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"

	GatewayWebhook = "webhook"
	GatewayOpenAI  = "openai"
)

// Config holds all configuration for the application.
type Config struct {
	Port string
	Env  string

	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	JWTSecret   string
	CORSOrigins []string
	AutoMigrate bool

	GatewayDriver       string
	AgentWebhookURL     string
	GatewayTimeout      time.Duration
	GatewayHistoryLimit int
	OpenAIAPIKey        string
	OpenAIModel         string

	PresenceTTL           time.Duration
	PresenceSweepInterval time.Duration
	PinRetries            int
}

// Load reads configuration from environment variables, loading .env first
// when present.
func Load() (*Config, error) {
	_ = utils.LoadEnv()

	cfg := &Config{
		Port:                  utils.GetEnv("PORT", "3001"),
		Env:                   utils.GetEnv("ENV", "development"),
		StoreDriver:           strings.ToLower(utils.GetEnv("STORE_DRIVER", StorePostgres)),
		DatabaseURL:           utils.GetEnv("DATABASE_URL", ""),
		SQLitePath:            utils.GetEnv("SQLITE_PATH", "file:salas.db?_pragma=foreign_keys(1)"),
		RedisURL:              utils.GetEnv("REDIS_URL", ""),
		JWTSecret:             utils.GetEnv("JWT_SECRET", ""),
		CORSOrigins:           utils.GetEnvList("CORS_ORIGINS"),
		AutoMigrate:           utils.GetEnvBool("AUTO_MIGRATE", true),
		GatewayDriver:         strings.ToLower(utils.GetEnv("GATEWAY_DRIVER", GatewayWebhook)),
		AgentWebhookURL:       utils.GetEnv("AGENT_WEBHOOK_URL", ""),
		GatewayTimeout:        utils.GetEnvDuration("GATEWAY_TIMEOUT", 60*time.Second),
		GatewayHistoryLimit:   utils.GetEnvInt("GATEWAY_HISTORY_LIMIT", 20),
		OpenAIAPIKey:          utils.GetEnv("OPENAI_API_KEY", ""),
		OpenAIModel:           utils.GetEnv("OPENAI_MODEL", "gpt-4o-mini"),
		PresenceTTL:           utils.GetEnvDuration("PRESENCE_TTL", 30*time.Second),
		PresenceSweepInterval: utils.GetEnvDuration("PRESENCE_SWEEP_INTERVAL", 10*time.Second),
		PinRetries:            utils.GetEnvInt("PIN_RETRIES", 5),
	}

	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	if cfg.StoreDriver == StorePostgres && cfg.DatabaseURL == "" {
		// Fallback to individual vars
		cfg.DatabaseURL = "postgres://" + utils.GetEnv("POSTGRES_USER", "postgres") + ":" +
			utils.GetEnv("POSTGRES_PASSWORD", "postgres") + "@" +
			utils.GetEnv("POSTGRES_HOST", "localhost") + ":" +
			utils.GetEnv("POSTGRES_PORT", "5432") + "/" +
			utils.GetEnv("POSTGRES_DB", "salasdb") + "?sslmode=disable"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks driver names and, in production, the secrets that have no
// safe default.
func (c *Config) Validate() error {
	var problems []string

	switch c.StoreDriver {
	case StorePostgres, StoreSQLite, StoreMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	switch c.GatewayDriver {
	case GatewayWebhook:
		if c.AgentWebhookURL == "" && !c.IsDevelopment() {
			problems = append(problems, "AGENT_WEBHOOK_URL is required")
		}
	case GatewayOpenAI:
		if c.OpenAIAPIKey == "" {
			problems = append(problems, "OPENAI_API_KEY is required for the openai gateway")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown GATEWAY_DRIVER %q", c.GatewayDriver))
	}
	if c.PinRetries < 1 {
		problems = append(problems, "PIN_RETRIES must be at least 1")
	}
	if c.GatewayHistoryLimit < 0 {
		problems = append(problems, "GATEWAY_HISTORY_LIMIT must not be negative")
	}
	if !c.IsDevelopment() {
		if c.JWTSecret == "" {
			problems = append(problems, "JWT_SECRET is required")
		}
		if c.StoreDriver == StoreMemory {
			problems = append(problems, "STORE_DRIVER=memory is only allowed in development")
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Secret returns the JWT signing secret, with a fixed development fallback.
func (c *Config) Secret() string {
	if c.JWTSecret == "" && c.IsDevelopment() {
		return "secret"
	}
	return c.JWTSecret
}
