package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/moneygood/backend/internal/deal"
	"github.com/moneygood/backend/internal/services"
	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type InviteConfig struct {
	Pepper  string
	TTL     time.Duration
	BaseURL string
}

type ProcessorConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type WebhookConfig struct {
	Secret    string
	Tolerance time.Duration
}

type CreateLimitConfig struct {
	MaxPerWindow int
	Window       time.Duration
}

// Config is everything the server needs beyond the database and redis
// connections, which the database package resolves itself.
type Config struct {
	Port           string
	JWTSecret      string
	StoreDriver    string
	AllowedOrigins []string
	RequestTimeout time.Duration
	SweepInterval  time.Duration

	Fees        deal.FeePolicy
	Invite      InviteConfig
	CreateLimit CreateLimitConfig
	Sweep       services.SweepConfig
	Processor   ProcessorConfig
	Webhook     WebhookConfig
}

var envBindings = map[string]string{
	"server.port":               "PORT",
	"server.allowed_origins":    "ALLOWED_ORIGINS",
	"server.request_timeout":    "REQUEST_TIMEOUT",
	"store.driver":              "STORE_DRIVER",
	"jwt.secret_key":            "JWT_SECRET_KEY",
	"fees.setup_fee":            "FEES_SETUP_FEE",
	"fees.hold_percentage":      "FEES_HOLD_PERCENTAGE",
	"fees.extension_fee":        "FEES_EXTENSION_FEE",
	"fees.minimum":              "FEES_MINIMUM",
	"fees.maximum":              "FEES_MAXIMUM",
	"fees.standard_days":        "FEES_STANDARD_EXTENSION_DAYS",
	"fees.extended_days":        "FEES_EXTENDED_EXTENSION_DAYS",
	"invite.pepper":             "INVITE_PEPPER",
	"invite.ttl":                "INVITE_TTL",
	"invite.base_url":           "INVITE_BASE_URL",
	"limits.creates_per_window": "LIMITS_CREATES_PER_WINDOW",
	"limits.create_window":      "LIMITS_CREATE_WINDOW",
	"sweep.interval":            "SWEEP_INTERVAL",
	"sweep.concurrency":         "SWEEP_CONCURRENCY",
	"sweep.batch_size":          "SWEEP_BATCH_SIZE",
	"sweep.max_attempts":        "SWEEP_MAX_ATTEMPTS",
	"processor.base_url":        "PROCESSOR_BASE_URL",
	"processor.api_key":         "PROCESSOR_API_KEY",
	"processor.timeout":         "PROCESSOR_TIMEOUT",
	"webhook.secret":            "WEBHOOK_SECRET",
	"webhook.tolerance":         "WEBHOOK_TOLERANCE",
	"database.host":             "DATABASE_HOST",
	"database.port":             "DATABASE_PORT",
	"database.user":             "DATABASE_USER",
	"database.password":         "DATABASE_PASSWORD",
	"database.name":             "DATABASE_NAME",
	"database.ssl_mode":         "DATABASE_SSL_MODE",
	"redis.host":                "REDIS_HOST",
	"redis.port":                "REDIS_PORT",
	"redis.password":            "REDIS_PASSWORD",
	"redis.db":                  "REDIS_DB",
}

// BindEnv maps every config key to its environment variable.
func BindEnv() {
	for key, env := range envBindings {
		viper.BindEnv(key, env)
	}
}

func setDefaults() {
	fees := deal.DefaultFeePolicy()
	sweep := services.DefaultSweepConfig()

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.allowed_origins", "https://*,http://*")
	viper.SetDefault("server.request_timeout", 60*time.Second)
	viper.SetDefault("store.driver", StorePostgres)

	viper.SetDefault("fees.setup_fee", fees.SetupFeeMinorUnits)
	viper.SetDefault("fees.hold_percentage", fees.HoldPercentage)
	viper.SetDefault("fees.extension_fee", fees.ExtensionFeeMinorUnits)
	viper.SetDefault("fees.minimum", fees.MinimumMinorUnits)
	viper.SetDefault("fees.maximum", fees.MaximumMinorUnits)
	viper.SetDefault("fees.standard_days", fees.StandardExtensionDays)
	viper.SetDefault("fees.extended_days", fees.ExtendedExtensionDays)

	viper.SetDefault("invite.ttl", deal.DefaultInviteTTL)
	viper.SetDefault("invite.base_url", "http://localhost:8080")

	viper.SetDefault("limits.creates_per_window", 10)
	viper.SetDefault("limits.create_window", time.Hour)

	viper.SetDefault("sweep.interval", 5*time.Minute)
	viper.SetDefault("sweep.concurrency", sweep.Concurrency)
	viper.SetDefault("sweep.batch_size", sweep.BatchSize)
	viper.SetDefault("sweep.max_attempts", sweep.MaxAttempts)

	viper.SetDefault("processor.timeout", 30*time.Second)
	viper.SetDefault("webhook.tolerance", 5*time.Minute)
}

// Load reads the config from viper, applying defaults, and validates it.
func Load() (*Config, error) {
	setDefaults()

	sweep := services.DefaultSweepConfig()
	sweep.Concurrency = viper.GetInt("sweep.concurrency")
	sweep.BatchSize = viper.GetInt("sweep.batch_size")
	sweep.MaxAttempts = viper.GetInt("sweep.max_attempts")

	cfg := &Config{
		Port:           viper.GetString("server.port"),
		JWTSecret:      viper.GetString("jwt.secret_key"),
		StoreDriver:    strings.ToLower(strings.TrimSpace(viper.GetString("store.driver"))),
		AllowedOrigins: splitList(viper.GetString("server.allowed_origins")),
		RequestTimeout: viper.GetDuration("server.request_timeout"),
		SweepInterval:  viper.GetDuration("sweep.interval"),
		Fees: deal.FeePolicy{
			SetupFeeMinorUnits:     viper.GetInt64("fees.setup_fee"),
			HoldPercentage:         viper.GetFloat64("fees.hold_percentage"),
			ExtensionFeeMinorUnits: viper.GetInt64("fees.extension_fee"),
			MinimumMinorUnits:      viper.GetInt64("fees.minimum"),
			MaximumMinorUnits:      viper.GetInt64("fees.maximum"),
			StandardExtensionDays:  viper.GetInt("fees.standard_days"),
			ExtendedExtensionDays:  viper.GetInt("fees.extended_days"),
		},
		Invite: InviteConfig{
			Pepper:  viper.GetString("invite.pepper"),
			TTL:     viper.GetDuration("invite.ttl"),
			BaseURL: viper.GetString("invite.base_url"),
		},
		CreateLimit: CreateLimitConfig{
			MaxPerWindow: viper.GetInt("limits.creates_per_window"),
			Window:       viper.GetDuration("limits.create_window"),
		},
		Sweep: sweep,
		Processor: ProcessorConfig{
			BaseURL: viper.GetString("processor.base_url"),
			APIKey:  viper.GetString("processor.api_key"),
			Timeout: viper.GetDuration("processor.timeout"),
		},
		Webhook: WebhookConfig{
			Secret:    viper.GetString("webhook.secret"),
			Tolerance: viper.GetDuration("webhook.tolerance"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run safely with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt.secret_key is required")
	}
	if c.Invite.Pepper == "" {
		return fmt.Errorf("invite.pepper is required")
	}
	if c.StoreDriver != StoreMemory && c.StoreDriver != StorePostgres {
		return fmt.Errorf("store.driver must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreDriver)
	}
	if c.Fees.SetupFeeMinorUnits < 0 || c.Fees.ExtensionFeeMinorUnits < 0 || c.Fees.MinimumMinorUnits < 0 {
		return fmt.Errorf("fee amounts must not be negative")
	}
	if c.Fees.MaximumMinorUnits <= 0 || c.Fees.MaximumMinorUnits < c.Fees.MinimumMinorUnits {
		return fmt.Errorf("fees.maximum must be positive and at least fees.minimum, got %d", c.Fees.MaximumMinorUnits)
	}
	if c.Fees.MaximumMinorUnits > deal.MaxConfigurableMinorUnits {
		return fmt.Errorf("fees.maximum must not exceed %d, got %d", deal.MaxConfigurableMinorUnits, c.Fees.MaximumMinorUnits)
	}
	if c.Fees.HoldPercentage < 0 || c.Fees.HoldPercentage > 1 {
		return fmt.Errorf("fees.hold_percentage must be between 0 and 1, got %v", c.Fees.HoldPercentage)
	}
	if c.Fees.StandardExtensionDays <= 0 || c.Fees.ExtendedExtensionDays <= 0 {
		return fmt.Errorf("extension days must be positive")
	}
	if c.Invite.TTL <= 0 {
		return fmt.Errorf("invite.ttl must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
