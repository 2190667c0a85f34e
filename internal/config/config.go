// Package config loads the environment-sourced service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// WorkerRole controls which responsibilities an instance takes on when the
// service is scaled horizontally.
type WorkerRole string

// Recognized worker roles
const (
	// RoleAPI serves HTTP only and never consumes from the queue
	RoleAPI WorkerRole = "api"
	// RoleWorker consumes from the queue and serves no HTTP traffic
	RoleWorker WorkerRole = "worker"
	// RoleCombined serves HTTP and consumes from the queue
	RoleCombined WorkerRole = "api+worker"
)

// RunsAPI reports whether this instance should expose the HTTP API.
func (r WorkerRole) RunsAPI() bool {
	return r == RoleAPI || r == RoleCombined
}

// RunsWorker reports whether this instance should register a queue consumer.
func (r WorkerRole) RunsWorker() bool {
	return r == RoleWorker || r == RoleCombined
}

// Valid reports whether the role is one of the recognized values.
func (r WorkerRole) Valid() bool {
	switch r {
	case RoleAPI, RoleWorker, RoleCombined:
		return true
	}
	return false
}

// Config holds all recognized configuration options for a service instance.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	DBHost     string `env:"DATABASE_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DATABASE_PORT" envDefault:"5432"`
	DBUser     string `env:"DATABASE_USER" envDefault:"postgres"`
	DBPassword string `env:"DATABASE_PASSWORD" envDefault:"postgres"`
	DBName     string `env:"DATABASE_NAME" envDefault:"refinery"`
	DBSSL      bool   `env:"DATABASE_SSL_ENABLED" envDefault:"false"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	QueueName string `env:"JOB_QUEUE_NAME" envDefault:"data-refinement"`

	// WorkerCount is the consumer batch size: how many queue entries a single
	// callback invocation may receive.
	WorkerCount  int           `env:"JOB_WORKER_COUNT" envDefault:"1"`
	PollInterval time.Duration `env:"JOB_POLL_INTERVAL" envDefault:"2s"`
	MaxRetries   int           `env:"JOB_MAX_RETRIES" envDefault:"3"`
	RetryDelay   time.Duration `env:"JOB_RETRY_DELAY" envDefault:"60s"`

	ProcessorEndpoint string        `env:"TEE_ENDPOINT" envDefault:"http://localhost:3001"`
	ProcessorTimeout  time.Duration `env:"TEE_PROCESS_TIMEOUT" envDefault:"5m"`

	// StuckJobTimeout is how long a job may sit in PROCESSING before the
	// recovery scan treats it as abandoned. It must be longer than the
	// processor timeout so recovery never races an in-flight call.
	StuckJobTimeout time.Duration `env:"JOB_STUCK_TIMEOUT" envDefault:"10m"`
	RetentionDays   int           `env:"JOB_RETENTION_DAYS" envDefault:"7"`

	WorkerInstanceID string     `env:"WORKER_INSTANCE_ID"`
	WorkerRole       WorkerRole `env:"WORKER_ROLE" envDefault:"api+worker"`
}

// Load reads .env if present, parses the environment and validates the
// result.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may be set by the deployment.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if !cfg.WorkerRole.Valid() {
		return nil, fmt.Errorf("invalid worker role: %q", cfg.WorkerRole)
	}
	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", cfg.WorkerCount)
	}
	if cfg.StuckJobTimeout <= cfg.ProcessorTimeout {
		return nil, fmt.Errorf("stuck job timeout (%s) must exceed the processor timeout (%s)",
			cfg.StuckJobTimeout, cfg.ProcessorTimeout)
	}

	if cfg.WorkerInstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "local"
		}
		cfg.WorkerInstanceID = fmt.Sprintf("worker-%s-%d", host, time.Now().Unix())
	}

	return cfg, nil
}
