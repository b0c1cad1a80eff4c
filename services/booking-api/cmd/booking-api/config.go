package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptbook/libs/config"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/reminders"
)

type appConfig struct {
	Service string
	Port    string

	DatabaseURL   string
	DBAutoMigrate bool
	RedisURL      string
	KafkaBrokers  string

	StripeSecretKey        string
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
	StripeAPIBase          string
	DefaultCurrency        string

	ReminderOffsets     []reminders.Offset
	ReminderPoll        time.Duration
	ReminderBackoff     time.Duration
	ReminderMaxAttempts int
	ReminderLease       time.Duration

	DependencyTimeout time.Duration
	RequestTimeout    time.Duration
	BodyLimitBytes    int64
	RateLimitPerMin   int
	RateLimitBackend  string
	CORSOrigins       []string
	ShutdownTimeout   time.Duration
}

func loadConfig() (appConfig, error) {
	cfg := appConfig{
		Service:                config.String("SERVICE_NAME", "booking-api"),
		DBAutoMigrate:          config.Bool("DB_AUTO_MIGRATE", true),
		RedisURL:               config.String("REDIS_URL", "redis://127.0.0.1:6379"),
		KafkaBrokers:           config.String("KAFKA_BROKERS", ""),
		StripeSecretKey:        config.FirstString("", "STRIPE_SECRET_KEY", "STRIPE_SECRET"),
		StripeWebhookSecret:    config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookTolerance: config.Seconds("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300*time.Second),
		StripeAPIBase:          config.String("STRIPE_API_BASE", ""),
		DefaultCurrency:        strings.ToLower(config.String("PAYMENT_CURRENCY_DEFAULT", "usd")),
		ReminderPoll:           config.Seconds("REMINDER_POLL_SECONDS", 2*time.Second),
		ReminderBackoff:        config.Seconds("REMINDER_BACKOFF_SECONDS", time.Minute),
		ReminderMaxAttempts:    config.PositiveInt("REMINDER_MAX_ATTEMPTS", 5),
		ReminderLease:          config.Seconds("REMINDER_LEASE_SECONDS", reminders.DefaultLease),
		DependencyTimeout:      config.Seconds("DEPENDENCY_TIMEOUT_SECONDS", 5*time.Second),
		RequestTimeout:         config.Seconds("REQUEST_TIMEOUT_SECONDS", 15*time.Second),
		BodyLimitBytes:         int64(config.PositiveInt("REQUEST_BODY_LIMIT_BYTES", 1<<20)),
		RateLimitPerMin:        config.PositiveInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitBackend:       strings.ToLower(config.String("RATE_LIMIT_BACKEND", "redis")),
		CORSOrigins:            config.List("CORS_ALLOWED_ORIGINS", "*"),
		ShutdownTimeout:        config.Seconds("SHUTDOWN_TIMEOUT_SECONDS", 10*time.Second),
	}

	var err error
	if cfg.Port, err = config.Port("PORT", "4000"); err != nil {
		return appConfig{}, err
	}
	if cfg.DatabaseURL, err = config.RequiredString("DATABASE_URL"); err != nil {
		return appConfig{}, err
	}
	if cfg.ReminderOffsets, err = reminders.ParseOffsets(config.List("REMINDER_OFFSETS_MINUTES", "1440,120")); err != nil {
		return appConfig{}, fmt.Errorf("REMINDER_OFFSETS_MINUTES: %w", err)
	}
	switch cfg.RateLimitBackend {
	case "redis", "memory", "off":
	default:
		return appConfig{}, fmt.Errorf("RATE_LIMIT_BACKEND must be redis, memory or off (got %q)", cfg.RateLimitBackend)
	}
	return cfg, nil
}
