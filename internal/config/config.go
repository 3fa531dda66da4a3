// Package config содержит логику чтения конфигурации магазина.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации магазина.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	AuthSecret string `env:"AUTH_SECRET"`
	AdminToken string `env:"ADMIN_TOKEN"`

	TripayBaseURL      string        `env:"TRIPAY_BASE_URL"`
	TripayAPIKey       string        `env:"TRIPAY_API_KEY"`
	TripayPrivateKey   string        `env:"TRIPAY_PRIVATE_KEY"`
	TripayMerchantCode string        `env:"TRIPAY_MERCHANT_CODE"`
	GatewayTimeout     time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	CallbackURL        string        `env:"CALLBACK_URL"`
	ReturnURL          string        `env:"RETURN_URL"`

	MinTopUp      int64         `env:"MIN_TOPUP" envDefault:"10000"`
	MaxTopUp      int64         `env:"MAX_TOPUP" envDefault:"0"`
	DefaultExpiry time.Duration `env:"TOPUP_EXPIRY" envDefault:"24h"`
	MaxQuantity   int           `env:"MAX_PURCHASE_QUANTITY" envDefault:"100"`

	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"1m"`
	SyncGrace    time.Duration `env:"SYNC_GRACE" envDefault:"15m"`
	SyncBatch    int           `env:"SYNC_BATCH" envDefault:"100"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Parse считывает конфигурацию из файла .env, переменных окружения и флагов
// командной строки. Переменные окружения приоритетнее флагов.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayURL := cfg.TripayBaseURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.TripayBaseURL, "g", "", "payment gateway base URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayURL != "" {
		cfg.TripayBaseURL = envGatewayURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет согласованность параметров.
func (c *Config) Validate() error {
	if c.TripayBaseURL != "" {
		if c.TripayAPIKey == "" || c.TripayPrivateKey == "" || c.TripayMerchantCode == "" {
			return errors.New("TRIPAY_API_KEY, TRIPAY_PRIVATE_KEY and TRIPAY_MERCHANT_CODE are required when the gateway is configured")
		}
	}
	if c.MaxTopUp > 0 && c.MaxTopUp < c.MinTopUp {
		return fmt.Errorf("MAX_TOPUP %d is below MIN_TOPUP %d", c.MaxTopUp, c.MinTopUp)
	}
	if c.MinTopUp < 0 {
		return fmt.Errorf("MIN_TOPUP must not be negative")
	}
	return nil
}
