// Package config loads process configuration from FIELDSYNC_ environment
// variables. Command-line flags may override the parsed values.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmynk/fieldsync/internal/dispatch"
	"github.com/mmynk/fieldsync/internal/outbox"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Device configures the field device CLI and sync daemon.
type Device struct {
	DBPath          string `env:"FIELDSYNC_DB_PATH" envDefault:"data/fieldsync.db"`
	BackendURL      string `env:"FIELDSYNC_BACKEND_URL" envDefault:"http://localhost:8080"`
	DeviceID        string `env:"FIELDSYNC_DEVICE_ID"`
	DeviceSecret    string `env:"FIELDSYNC_DEVICE_SECRET"`
	EnrollmentToken string `env:"FIELDSYNC_ENROLLMENT_TOKEN"`

	Workers          int           `env:"FIELDSYNC_WORKERS" envDefault:"4"`
	BatchSize        int           `env:"FIELDSYNC_BATCH_SIZE" envDefault:"32"`
	SyncInterval     time.Duration `env:"FIELDSYNC_SYNC_INTERVAL" envDefault:"30s"`
	OperationTimeout time.Duration `env:"FIELDSYNC_OPERATION_TIMEOUT" envDefault:"15s"`
	PullInterval     time.Duration `env:"FIELDSYNC_PULL_INTERVAL" envDefault:"5m"`
	PullPageSize     int           `env:"FIELDSYNC_PULL_PAGE_SIZE" envDefault:"200"`

	RetryBase     time.Duration `env:"FIELDSYNC_RETRY_BASE" envDefault:"5s"`
	RetryMaxDelay time.Duration `env:"FIELDSYNC_RETRY_MAX_DELAY" envDefault:"5m"`
	MaxRetries    int           `env:"FIELDSYNC_MAX_RETRIES" envDefault:"8"`
	Retention     time.Duration `env:"FIELDSYNC_RETENTION" envDefault:"168h"`

	// MetricsAddr serves /metrics from the daemon when set.
	MetricsAddr string `env:"FIELDSYNC_METRICS_ADDR"`
}

// LoadDevice parses the device configuration from the environment.
func LoadDevice() (Device, error) {
	var cfg Device
	if err := ParseEnv(&cfg); err != nil {
		return Device{}, err
	}
	return cfg, nil
}

// Policy returns the outbox retry and retention policy.
func (c Device) Policy() outbox.Policy {
	return outbox.Policy{
		Base:        c.RetryBase,
		MaxInterval: c.RetryMaxDelay,
		MaxRetries:  c.MaxRetries,
		Retention:   c.Retention,
	}
}

// Dispatch returns the dispatcher configuration.
func (c Device) Dispatch() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.Workers = c.Workers
	cfg.BatchSize = c.BatchSize
	cfg.Interval = c.SyncInterval
	cfg.OperationTimeout = c.OperationTimeout
	return cfg
}

// ValidateRemote reports whether the device can reach the backend.
func (c Device) ValidateRemote() error {
	if c.BackendURL == "" {
		return errors.New("FIELDSYNC_BACKEND_URL is required")
	}
	if c.DeviceID == "" || c.DeviceSecret == "" {
		return errors.New("FIELDSYNC_DEVICE_ID and FIELDSYNC_DEVICE_SECRET are required")
	}
	return nil
}

// Server configures the reference sync backend.
type Server struct {
	Port            int           `env:"FIELDSYNC_SERVER_PORT" envDefault:"8080"`
	DBPath          string        `env:"FIELDSYNC_SERVER_DB_PATH" envDefault:"data/server.db"`
	JWTSecret       string        `env:"FIELDSYNC_SERVER_JWT_SECRET"`
	TokenTTL        time.Duration `env:"FIELDSYNC_SERVER_TOKEN_TTL" envDefault:"24h"`
	EnrollmentToken string        `env:"FIELDSYNC_SERVER_ENROLLMENT_TOKEN"`
	PublicURL       string        `env:"FIELDSYNC_SERVER_PUBLIC_URL"`
	MaxUploadBytes  int           `env:"FIELDSYNC_SERVER_MAX_UPLOAD_BYTES" envDefault:"10485760"`
}

// LoadServer parses environment and flags into a Server config.
func LoadServer(fs *flag.FlagSet, args []string) (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return Server{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The HTTP listen port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The server SQLite database path")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Device token lifetime")
	fs.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "Base URL used in upload links")
	if err := fs.Parse(args); err != nil {
		return Server{}, fmt.Errorf("parse flags: %w", err)
	}

	if cfg.JWTSecret == "" {
		return Server{}, errors.New("FIELDSYNC_SERVER_JWT_SECRET is required")
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	return cfg, nil
}
