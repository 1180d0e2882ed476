// Package config loads tradeflow settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AppConfig composes the settings of every process started from cmd/api.
type AppConfig struct {
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Database   DatabaseConfig
	HTTP       HTTPConfig
	Auth       AuthConfig
	Settlement SettlementConfig `envPrefix:"SETTLEMENT_"`
	Messaging  MessagingConfig
	Redis      RedisConfig `envPrefix:"REDIS_"`
	Outbox     OutboxConfig `envPrefix:"OUTBOX_"`

	// InvoicePaymentTerms is the gap between an invoice's issue and due date.
	InvoicePaymentTerms time.Duration `env:"INVOICE_PAYMENT_TERMS" envDefault:"336h"`
}

type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxConns        int32         `env:"DB_MAX_CONNS"          envDefault:"10"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME"  envDefault:"30m"`
}

type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR"             envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT"     envDefault:"15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT"    envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Sanitize clamps HTTP timeouts to workable values.
func (h *HTTPConfig) Sanitize() {
	if h.ReadTimeout <= 0 {
		h.ReadTimeout = 15 * time.Second
	}
	if h.WriteTimeout <= 0 {
		h.WriteTimeout = 30 * time.Second
	}
	if h.ShutdownTimeout <= 0 {
		h.ShutdownTimeout = 10 * time.Second
	}
}

type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
	// ServiceActorID is the trusted identity background workers act as.
	ServiceActorID string `env:"SERVICE_ACTOR_ID" envDefault:"tradeflow-service"`
}

// Load reads an optional .env file and parses the environment.
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return AppConfig{}, fmt.Errorf("config: load .env file: %w", err)
		}
	}

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize applies guardrails to values loaded from env.
func (c *AppConfig) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.HTTP.Sanitize()
	c.Settlement.Sanitize()
	c.Messaging.Sanitize()
	c.Redis.Sanitize()
	c.Outbox.Sanitize()
	if c.InvoicePaymentTerms < 24*time.Hour {
		c.InvoicePaymentTerms = 24 * time.Hour
	}
	if c.Database.MaxConns < 1 {
		c.Database.MaxConns = 1
	}
}

// Validate reports every missing setting required to serve traffic.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 16 characters"))
	}
	if c.Auth.ServiceActorID == "" {
		errs = append(errs, errors.New("SERVICE_ACTOR_ID is required"))
	}
	if c.Settlement.URL == "" {
		errs = append(errs, errors.New("SETTLEMENT_URL is required"))
	}
	if c.Messaging.URL == "" {
		errs = append(errs, errors.New("MESSAGING_URL is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *AppConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
