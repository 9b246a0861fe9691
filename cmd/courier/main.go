package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/api"
	"github.com/courierhq/courier/internal/circuitbreaker"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/dispatch"
	"github.com/courierhq/courier/internal/guard"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/observ"
	"github.com/courierhq/courier/internal/redis"
	"github.com/courierhq/courier/internal/sender"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("provider", cfg.EmailProvider),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs idempotency and API rate limiting; both degrade
	// gracefully when it is unavailable.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitRequests,
			Window: cfg.RateLimitWindow,
		})
		defer redisClient.Close()
	}

	snd, err := buildSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(cfg.EmailProvider), logger)
	protected := circuitbreaker.NewProtectedSender(snd, breaker, logger)

	m := metrics.New()

	quotaLimits := db.QuotaLimits{
		Hourly:  cfg.QuotaHourly,
		Daily:   cfg.QuotaDaily,
		Monthly: cfg.QuotaMonthly,
	}
	policy := guard.New(repo, quotaLimits, logger)

	dispatcher := dispatch.New(repo, policy, protected, dispatch.Config{
		BatchSize:   cfg.BatchSize,
		Lease:       cfg.ClaimLease,
		Concurrency: cfg.DispatchConcurrency,
		SendTimeout: cfg.SendTimeout,
		Retention:   cfg.Retention,
	}, m, logger)

	handler := api.NewHandler(logger, repo, dispatcher,
		api.WithIdempotency(idempotencyService),
		api.WithDefaultMaxAttempts(cfg.MaxAttempts),
	)
	webhookHandler := api.NewWebhookHandler(logger, repo, m, cfg.WebhookSecret)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(m.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.TenantKeyFunc))

			r.Post("/emails", handler.EnqueueEmail)
			r.Get("/emails", handler.ListEmails)
			r.Get("/emails/{id}", handler.GetEmail)
			r.Post("/emails/{id}/cancel", handler.CancelEmail)
			r.Get("/logs", handler.ListLogs)
		})

		r.Group(func(r chi.Router) {
			r.Use(api.CronAuthMiddleware(cfg.CronSecret, logger))
			r.Post("/dispatch", handler.TriggerDispatch)
		})

		r.Post("/webhooks/email", webhookHandler.HandleEvent)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildSender selects the delivery provider from configuration.
func buildSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (sender.Sender, error) {
	switch cfg.EmailProvider {
	case "resend":
		if cfg.ResendAPIKey == "" {
			return nil, fmt.Errorf("RESEND_API_KEY is required for the resend provider")
		}
		return sender.NewResendSender(sender.ResendConfig{
			APIKey:    cfg.ResendAPIKey,
			FromEmail: cfg.FromEmail,
			FromName:  cfg.FromName,
			ReplyTo:   cfg.ReplyTo,
			Timeout:   cfg.SendTimeout,
		}, logger), nil

	case "ses":
		return sender.NewSESSender(ctx, sender.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.FromName,
		}, logger)

	case "log":
		return sender.NewLogSender(logger), nil

	default:
		return nil, fmt.Errorf("unknown email provider %q (expected resend, ses or log)", cfg.EmailProvider)
	}
}
