// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":4000"`
	CORSOrigins string `envconfig:"CORS_ORIGINS"`

	// API key check via the x-api-key header. Empty disables the check.
	APIKey string `envconfig:"API_KEY"`

	// Downstream webhook for inbound messages
	WebhookURL     string        `envconfig:"WEBHOOK_URL"`
	WebhookTimeout time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"15s"`
	WebhookRetries int           `envconfig:"WEBHOOK_RETRIES" default:"3"`

	// Transport relay (the external protocol collaborator)
	TransportMode  string `envconfig:"TRANSPORT_MODE" default:"ws"` // "ws" or "memory"
	TransportURL   string `envconfig:"TRANSPORT_URL" default:"ws://localhost:18790/ws/transport"`
	TransportToken string `envconfig:"TRANSPORT_TOKEN"`

	// SQLite store (credentials + dead letters)
	StorePath string `envconfig:"STORE_PATH" default:"gateway.db"`

	// Purge persisted credentials when the provider reports a logout
	AutoPurgeOnLogout bool `envconfig:"AUTO_PURGE_ON_LOGOUT" default:"false"`

	// Session lifecycle
	QRWatchdogTick     time.Duration `envconfig:"QR_WATCHDOG_TICK" default:"5s"`
	QRCodeTTL          time.Duration `envconfig:"QR_CODE_TTL" default:"60s"`
	QRRefreshMinGap    time.Duration `envconfig:"QR_REFRESH_MIN_GAP" default:"60s"`
	BackoffMaxAttempts int           `envconfig:"BACKOFF_MAX_ATTEMPTS" default:"8"`

	// Prometheus endpoint, served on its own listener
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9091"`

	// Governance
	UTCOffsetHours    int    `envconfig:"UTC_OFFSET_HOURS" default:"-5"`
	OutboxMaxAttempts int    `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"10"`
	PolicyFile        string `envconfig:"POLICY_FILE"`
}

// Policy holds governance tunables that can be overridden from a YAML file.
type Policy struct {
	BusinessHourStart int      `yaml:"business_hour_start"`
	BusinessHourEnd   int      `yaml:"business_hour_end"`
	DailyCapBase      int      `yaml:"daily_cap_base"`
	DailyCapMax       int      `yaml:"daily_cap_max"`
	WarmupDays        int      `yaml:"warmup_days"`
	OptOut            []string `yaml:"opt_out"`
}

// DefaultPolicy returns the built-in governance tunables.
func DefaultPolicy() Policy {
	return Policy{
		BusinessHourStart: 8,
		BusinessHourEnd:   21,
		DailyCapBase:      120,
		DailyCapMax:       600,
		WarmupDays:        10,
	}
}

// LoadPolicy reads YAML overrides on top of the defaults. An empty path
// returns the defaults unchanged.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("reading policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("parsing policy file: %w", err)
	}
	if p.BusinessHourStart < 0 || p.BusinessHourStart > 23 ||
		p.BusinessHourEnd < 0 || p.BusinessHourEnd > 23 ||
		p.BusinessHourStart > p.BusinessHourEnd {
		return p, fmt.Errorf("invalid business hours [%d, %d]", p.BusinessHourStart, p.BusinessHourEnd)
	}
	if p.WarmupDays <= 0 || p.DailyCapBase <= 0 || p.DailyCapMax < p.DailyCapBase {
		return p, fmt.Errorf("invalid daily cap ramp %d→%d over %d days", p.DailyCapBase, p.DailyCapMax, p.WarmupDays)
	}
	return p, nil
}

// WebhookEnabled returns true if a downstream webhook is configured.
func (c *Config) WebhookEnabled() bool {
	return c.WebhookURL != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
