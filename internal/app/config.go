package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	Address  string `env:"RUN_ADDRESS" envDefault:"localhost:8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`
	// DatabaseURI is a postgres:// URL or an SQLite file path.
	DatabaseURI   string `env:"DATABASE_URI" envDefault:"payflow.db"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	CatalogPath   string `env:"CATALOG_PATH"`

	SessionSecret    string        `env:"SESSION_SECRET"`
	SessionTTL       time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	ForumTokenSecret string        `env:"FORUM_TOKEN_SECRET"`
	ForumTokenTTL    time.Duration `env:"FORUM_TOKEN_TTL" envDefault:"720h"`

	ProviderASecretKey     string `env:"PROVIDER_A_SECRET_KEY"`
	ProviderAWebhookSecret string `env:"PROVIDER_A_WEBHOOK_SECRET"`
	ProviderAReturnURL     string `env:"PROVIDER_A_RETURN_URL"`
	ProviderABaseURL       string `env:"PROVIDER_A_BASE_URL"`
	ProviderBBaseURL       string `env:"PROVIDER_B_BASE_URL"`
	ProviderBMerchantID    string `env:"PROVIDER_B_MERCHANT_ID"`
	ProviderBSecret        string `env:"PROVIDER_B_SECRET"`
	ProviderBReturnURL     string `env:"PROVIDER_B_RETURN_URL"`
	ProviderBCallbackURL   string `env:"PROVIDER_B_CALLBACK_URL"`

	ProviderTimeout      time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	ProviderRetries      uint64        `env:"PROVIDER_RETRIES" envDefault:"3"`
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"200ms"`
	MaxPaymentAttempts   int           `env:"MAX_PAYMENT_ATTEMPTS" envDefault:"3"`
	ConfirmWindow        time.Duration `env:"CONFIRM_WINDOW" envDefault:"30s"`
	PendingSessionTTL    time.Duration `env:"PENDING_SESSION_TTL" envDefault:"24h"`

	ReconcileWorkers  int           `env:"RECONCILE_WORKERS" envDefault:"4"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"10s"`
	ProvisionSchedule string        `env:"PROVISION_SCHEDULE" envDefault:"*/30 * * * * *"`
	ProvisionTimeout  time.Duration `env:"PROVISION_TIMEOUT" envDefault:"25s"`
}

// LoadConfig reads the environment. Command-line flags are applied by the callers.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SessionSecret == "" {
		return fmt.Errorf("ENV SESSION_SECRET must be set")
	}
	if c.ForumTokenSecret == "" {
		return fmt.Errorf("ENV FORUM_TOKEN_SECRET must be set")
	}
	if c.MaxPaymentAttempts <= 0 {
		return fmt.Errorf("MAX_PAYMENT_ATTEMPTS must be positive")
	}
	if c.ReconcileWorkers <= 0 {
		return fmt.Errorf("RECONCILE_WORKERS must be positive")
	}
	return nil
}
