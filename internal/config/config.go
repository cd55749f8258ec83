// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/amazinernest/counsellhelp/internal/adapter/checkout"
	"github.com/amazinernest/counsellhelp/internal/ledger"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPPort int `env:"HTTP_PORT" envDefault:"8080"`

	// Database
	DatabaseURL string `env:"DATABASE_URL" envDefault:"file:counsellhelp.db?cache=shared&mode=rwc"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Auth
	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// Ledger
	CommissionPercent int64         `env:"COMMISSION_PERCENT" envDefault:"20"`
	SessionPrice      int64         `env:"SESSION_PRICE" envDefault:"500000"`
	CheckoutTimeout   time.Duration `env:"CHECKOUT_TIMEOUT" envDefault:"30m"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	MinChatCredits    int64         `env:"MIN_CHAT_CREDITS" envDefault:"1"`

	// Notifications
	BannerDuration time.Duration `env:"BANNER_DURATION" envDefault:"4s"`

	// Payment processor
	PaystackBaseURL     string        `env:"PAYSTACK_BASE_URL" envDefault:"https://api.paystack.co"`
	PaystackCheckoutURL string        `env:"PAYSTACK_CHECKOUT_URL" envDefault:"https://checkout.paystack.com"`
	PaystackPublicKey   string        `env:"PAYSTACK_PUBLIC_KEY"`
	PaystackSecretKey   string        `env:"PAYSTACK_SECRET_KEY"`
	PaystackTimeout     time.Duration `env:"PAYSTACK_TIMEOUT" envDefault:"15s"`

	// WebSocket feed
	WSWriteTimeout   time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	WSPongTimeout    time.Duration `env:"WS_PONG_TIMEOUT" envDefault:"60s"`
	WSMaxMessageSize int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"65536"`
}

// Load reads an optional .env file and then the environment.
func Load(envFiles ...string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load(envFiles...)

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT %d out of range", c.HTTPPort))
	}
	if c.CommissionPercent < 0 || c.CommissionPercent > 100 {
		errs = append(errs, fmt.Errorf("COMMISSION_PERCENT %d must be within 0..100", c.CommissionPercent))
	}
	if c.SessionPrice <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_PRICE %d must be positive", c.SessionPrice))
	}
	if c.MinChatCredits < 0 {
		errs = append(errs, fmt.Errorf("MIN_CHAT_CREDITS %d must not be negative", c.MinChatCredits))
	}
	return errors.Join(errs...)
}

// Ledger returns the ledger parameters.
func (c *Config) Ledger() ledger.Config {
	cfg := ledger.DefaultConfig()
	cfg.CommissionPercent = c.CommissionPercent
	cfg.SessionPrice = c.SessionPrice
	cfg.CheckoutTimeout = c.CheckoutTimeout
	cfg.MinChatCredits = c.MinChatCredits
	return cfg
}

// Checkout returns the payment processor settings.
func (c *Config) Checkout() checkout.Config {
	return checkout.Config{
		BaseURL:     c.PaystackBaseURL,
		CheckoutURL: c.PaystackCheckoutURL,
		PublicKey:   c.PaystackPublicKey,
		SecretKey:   c.PaystackSecretKey,
		Timeout:     c.PaystackTimeout,
	}
}
