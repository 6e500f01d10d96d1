package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all environment-driven settings for the dispatcher daemon.
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

	// Background jobs
	JobsEnabled          bool
	OutboxPollInterval   time.Duration
	ReminderPollInterval time.Duration

	// Outbox worker
	OutboxBatchSize  int
	MaxRetries       int
	RetryBaseSeconds int
	SendTimeout      time.Duration

	// Transport. When NotifyEndpoint is empty and SES is not configured,
	// deliveries are logged successes (no network I/O).
	NotifyEndpoint  string
	NotifyAuthToken string

	// AWS SES email transport (used when SESFromEmail is set)
	AWSRegion    string
	SESFromEmail string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "belfry",
		DBPassword: "",
		DBName:     "belfry",
		DBSSLMode:  "disable",

		JobsEnabled:          true,
		OutboxPollInterval:   30 * time.Second,
		ReminderPollInterval: 10 * time.Minute,

		OutboxBatchSize:  25,
		MaxRetries:       5,
		RetryBaseSeconds: 60,
		SendTimeout:      30 * time.Second,

		AWSRegion: "us-east-1",
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

	// Jobs config
	if enabled := os.Getenv("JOBS_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid JOBS_ENABLED: %w", err)
		}
		cfg.JobsEnabled = b
	}

	if interval := os.Getenv("OUTBOX_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid OUTBOX_POLL_INTERVAL: %w", err)
		}
		cfg.OutboxPollInterval = d
	}

	if interval := os.Getenv("REMINDER_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid REMINDER_POLL_INTERVAL: %w", err)
		}
		cfg.ReminderPollInterval = d
	}

	if size := os.Getenv("OUTBOX_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid OUTBOX_BATCH_SIZE: %w", err)
		}
		cfg.OutboxBatchSize = n
	}

	if retries := os.Getenv("OUTBOX_MAX_RETRIES"); retries != "" {
		n, err := strconv.Atoi(retries)
		if err != nil {
			return nil, fmt.Errorf("invalid OUTBOX_MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}

	if base := os.Getenv("OUTBOX_RETRY_BASE_SECONDS"); base != "" {
		n, err := strconv.Atoi(base)
		if err != nil {
			return nil, fmt.Errorf("invalid OUTBOX_RETRY_BASE_SECONDS: %w", err)
		}
		cfg.RetryBaseSeconds = n
	}

	if timeout := os.Getenv("OUTBOX_SEND_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid OUTBOX_SEND_TIMEOUT: %w", err)
		}
		cfg.SendTimeout = d
	}

	// Transport config
	if endpoint := os.Getenv("NOTIFY_ENDPOINT"); endpoint != "" {
		cfg.NotifyEndpoint = endpoint
	}

	if token := os.Getenv("NOTIFY_AUTH_TOKEN"); token != "" {
		cfg.NotifyAuthToken = token
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	return cfg, nil
}
