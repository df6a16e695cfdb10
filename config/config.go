package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Store struct {
		// Backend driver: "sqlite" or "postgres"
		Driver string `env:"STORE_DRIVER" envDefault:"sqlite"`

		// Postgres connection string, used when Driver is "postgres"
		DatabaseURL string `env:"DATABASE_URL"`

		// SQLite database file, used when Driver is "sqlite"
		SQLitePath string `env:"SQLITE_PATH" envDefault:"database/luxelink.db"`

		// Maximum pool size for Postgres
		MaxConns int32 `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	}

	Ingest struct {
		// Cron expression for scan cycles
		Schedule string `env:"SCAN_SCHEDULE" envDefault:"@every 4h"`

		// Upper bound for one scan cycle
		CycleTimeout time.Duration `env:"CYCLE_TIMEOUT" envDefault:"30m"`

		// Number of agents scanned concurrently
		AgentWorkers int `env:"AGENT_WORKERS" envDefault:"4"`

		// Candidate concurrency for sources that do not set their own
		DefaultSourceConcurrency int `env:"SOURCE_CONCURRENCY" envDefault:"4"`

		// Run a cycle right after startup
		RunOnStartup bool `env:"SCAN_ON_STARTUP" envDefault:"true"`

		// YAML file declaring sources and agents
		AgentsFile string `env:"AGENTS_FILE" envDefault:"config/agents.yaml"`
	}

	Processing struct {
		// Maximum number of retries for a listing transaction that failed
		MaxRetries int `env:"PROCESSOR_MAX_RETRIES" envDefault:"3"`

		// Delay between retries
		RetryDelay time.Duration `env:"PROCESSOR_RETRY_DELAY" envDefault:"500ms"`
	}

	Alerts struct {
		// Maximum outbox rows delivered per flush
		BatchSize int `env:"ALERT_BATCH_SIZE" envDefault:"50"`

		Telegram struct {
			Enabled  bool   `env:"TELEGRAM_ENABLED" envDefault:"false"`
			BotToken string `env:"TELEGRAM_BOT_TOKEN"`
			ChatID   string `env:"TELEGRAM_CHAT_ID"`
		}

		// Redis URL for alert events; empty disables publishing
		RedisURL     string `env:"REDIS_URL"`
		RedisChannel string `env:"REDIS_ALERT_CHANNEL" envDefault:"luxelink:alerts"`
	}

	HTTP struct {
		Port        string   `env:"PORT" envDefault:"5250"`
		CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	}

	Log struct {
		Level string `env:"LOG_LEVEL" envDefault:"info"`
	}
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values env.Parse cannot express.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Ingest.AgentWorkers < 1 {
		return fmt.Errorf("AGENT_WORKERS must be at least 1")
	}
	if c.Ingest.DefaultSourceConcurrency < 1 {
		return fmt.Errorf("SOURCE_CONCURRENCY must be at least 1")
	}
	if c.Processing.MaxRetries < 0 {
		return fmt.Errorf("PROCESSOR_MAX_RETRIES must not be negative")
	}
	if c.Alerts.Telegram.Enabled && (c.Alerts.Telegram.BotToken == "" || c.Alerts.Telegram.ChatID == "") {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID are required when Telegram is enabled")
	}
	if _, err := cron.ParseStandard(c.Ingest.Schedule); err != nil {
		return fmt.Errorf("invalid SCAN_SCHEDULE %q: %w", c.Ingest.Schedule, err)
	}
	for _, origin := range c.HTTP.CORSOrigins {
		origin = strings.TrimSpace(origin)
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("CORS_ORIGINS entry %q must start with http:// or https://", origin)
		}
	}
	return nil
}
