package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Email provider selection: "resend", "ses" or "log"
	EmailProvider string

	// Resend config
	ResendAPIKey string

	// AWS / SES config
	AWSRegion    string
	SESFromEmail string

	// Default sender identity
	FromEmail string
	FromName  string
	ReplyTo   string

	// CronSecret authenticates dispatch and sweep triggers.
	CronSecret string

	// WebhookSecret verifies provider webhook signatures.
	WebhookSecret string

	// Dispatch tuning
	BatchSize           int
	MaxAttempts         int
	DispatchConcurrency int
	ClaimLease          time.Duration
	SendTimeout         time.Duration
	Retention           time.Duration

	// Per-tenant send quota ceilings
	QuotaHourly  int
	QuotaDaily   int
	QuotaMonthly int

	// API request rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first when
// present, so local development does not need exported variables.
func Load() (*Config, error) {
	// Missing .env is fine; real environments set variables directly.
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "courier",
		DBPassword: "",
		DBName:     "courier",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		EmailProvider: "log",

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@courier.local",

		FromEmail: "noreply@courier.local",
		FromName:  "Courier",

		BatchSize:           10,
		MaxAttempts:         3,
		DispatchConcurrency: 4,
		ClaimLease:          5 * time.Minute,
		SendTimeout:         30 * time.Second,
		Retention:           30 * 24 * time.Hour,

		QuotaHourly:  100,
		QuotaDaily:   1000,
		QuotaMonthly: 10000,

		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Provider config
	if provider := os.Getenv("EMAIL_PROVIDER"); provider != "" {
		cfg.EmailProvider = provider
	}

	if key := os.Getenv("RESEND_API_KEY"); key != "" {
		cfg.ResendAPIKey = key
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if from := os.Getenv("FROM_EMAIL"); from != "" {
		cfg.FromEmail = from
	}

	if name := os.Getenv("FROM_NAME"); name != "" {
		cfg.FromName = name
	}

	if replyTo := os.Getenv("REPLY_TO"); replyTo != "" {
		cfg.ReplyTo = replyTo
	}

	cfg.CronSecret = os.Getenv("CRON_SECRET")
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	// Dispatch tuning
	if size := os.Getenv("DISPATCH_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = n
	}

	if attempts := os.Getenv("MAX_ATTEMPTS"); attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = n
	}

	if conc := os.Getenv("DISPATCH_CONCURRENCY"); conc != "" {
		n, err := strconv.Atoi(conc)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_CONCURRENCY: %w", err)
		}
		cfg.DispatchConcurrency = n
	}

	if lease := os.Getenv("CLAIM_LEASE"); lease != "" {
		d, err := time.ParseDuration(lease)
		if err != nil {
			return nil, fmt.Errorf("invalid CLAIM_LEASE: %w", err)
		}
		cfg.ClaimLease = d
	}

	if timeout := os.Getenv("SEND_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT: %w", err)
		}
		cfg.SendTimeout = d
	}

	if retention := os.Getenv("RETENTION"); retention != "" {
		d, err := time.ParseDuration(retention)
		if err != nil {
			return nil, fmt.Errorf("invalid RETENTION: %w", err)
		}
		cfg.Retention = d
	}

	// Quota config
	if v := os.Getenv("QUOTA_HOURLY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUOTA_HOURLY: %w", err)
		}
		cfg.QuotaHourly = n
	}

	if v := os.Getenv("QUOTA_DAILY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUOTA_DAILY: %w", err)
		}
		cfg.QuotaDaily = n
	}

	if v := os.Getenv("QUOTA_MONTHLY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUOTA_MONTHLY: %w", err)
		}
		cfg.QuotaMonthly = n
	}

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_REQUESTS: %w", err)
		}
		cfg.RateLimitRequests = n
	}

	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_WINDOW: %w", err)
		}
		cfg.RateLimitWindow = d
	}

	return cfg, nil
}
