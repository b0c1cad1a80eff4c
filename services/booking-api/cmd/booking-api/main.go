package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/apptbook/libs/config"
	"github.com/md-rashed-zaman/apptbook/libs/db"
	"github.com/md-rashed-zaman/apptbook/libs/httpx"
	"github.com/md-rashed-zaman/apptbook/libs/kafkax"
	"github.com/md-rashed-zaman/apptbook/libs/metrics"
	otelx "github.com/md-rashed-zaman/apptbook/libs/otel"
	"github.com/md-rashed-zaman/apptbook/libs/runtime"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/booking"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/handlers"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/outbox"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/payments"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/reminders"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.Service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
		otelShutdown = nil
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	if cfg.DBAutoMigrate {
		if err := storage.Migrate(ctx, pool, logger); err != nil {
			logger.Error("migration failed", "err", err)
			panic(err)
		}
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		panic(err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis connection failed", "err", err)
		panic(err)
	}

	m := metrics.NewCollector("booking")
	outboxRepo := outbox.NewRepository()
	repo := storage.NewRepository(pool, outboxRepo)

	queue := reminders.NewRedisQueue(rdb, "").WithLease(cfg.ReminderLease)
	scheduler := reminders.NewScheduler(queue, cfg.ReminderOffsets, logger, m)

	var gateway payments.Gateway
	stripeGateway, err := payments.NewStripeGateway(payments.StripeConfig{
		SecretKey: cfg.StripeSecretKey,
		BaseURL:   cfg.StripeAPIBase,
	}, logger)
	switch {
	case errors.Is(err, payments.ErrNotConfigured):
		logger.Warn("stripe secret key not set; prepaid bookings will not create payment intents")
	case err != nil:
		panic(err)
	default:
		gateway = stripeGateway
	}

	svc := booking.NewService(repo, scheduler, gateway, logger, m, booking.Config{
		DependencyTimeout: cfg.DependencyTimeout,
		DefaultCurrency:   cfg.DefaultCurrency,
	})

	dispatcher := reminders.NewDispatcher(queue, repo, repo, logger, m, reminders.DispatcherConfig{
		Interval:    cfg.ReminderPoll,
		Backoff:     cfg.ReminderBackoff,
		MaxAttempts: cfg.ReminderMaxAttempts,
	})
	go dispatcher.Run(ctx)

	publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   cfg.KafkaBrokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go publisher.Run(ctx)

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "redis", Check: queue.Ping},
	}
	if cfg.KafkaBrokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
	}
	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("GET /metrics", m.Handler())
	handlers.NewBookingHandler(svc, logger).Register(mux)
	verifier := payments.NewWebhookVerifier(cfg.StripeWebhookSecret, cfg.StripeWebhookTolerance)
	if !verifier.Configured() {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set; /webhook will answer 503")
	}
	handlers.NewWebhookHandler(verifier, svc, logger, m).Register(mux)

	httpHandler := httpx.Chain(m.Middleware(mux),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-Id"},
			MaxAge:         10 * time.Minute,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		rateLimit(cfg, rdb, logger),
		httpx.WithBodyLimit(cfg.BodyLimitBytes),
		httpx.WithTimeout(cfg.RequestTimeout),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, cfg.Service)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	runtime.Shutdown(logger, cfg.ShutdownTimeout,
		runtime.Closer{Name: "http", Close: srv.Shutdown},
		runtime.Closer{Name: "redis", Close: func(context.Context) error { return rdb.Close() }},
		runtime.Closer{Name: "db", Close: func(context.Context) error { pool.Close(); return nil }},
		runtime.Closer{Name: "otel", Close: otelShutdown},
	)
}

func rateLimit(cfg appConfig, rdb *redis.Client, logger *slog.Logger) httpx.Middleware {
	switch cfg.RateLimitBackend {
	case "redis":
		return httpx.NewRedisRateLimiter(rdb, httpx.RedisLimitOptions{
			Limit:  cfg.RateLimitPerMin,
			Window: time.Minute,
			Prefix: "booking:rl",
			Skip:   httpx.SkipPaths("/healthz", "/readyz", "/metrics"),
		}).Middleware(logger, true)
	case "memory":
		return httpx.NewRateLimiter(cfg.RateLimitPerMin, time.Minute).Middleware()
	default:
		return nil
	}
}
