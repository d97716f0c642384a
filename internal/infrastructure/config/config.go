package config

import (
	"os"
	"strconv"
	"time"
)

// Config represents the application configuration.
// This is an infrastructure component that loads configuration from environment variables.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseDSN string

	// JWTSecret signs/validates bearer tokens on the submission endpoint.
	JWTSecret string

	// StorageRoot is the local filesystem root Job.files paths are
	// relative to.
	StorageRoot string

	// HealthcheckInterval is how often the health loop probes every known
	// worker node.
	HealthcheckInterval time.Duration
	// HealthcheckTimeout bounds a single /system_stats probe.
	HealthcheckTimeout time.Duration
	// DeadAfter is how long since last_seen a node may go unprobed
	// successfully before the health loop marks it inactive.
	DeadAfter time.Duration

	// SchedulerTick is the interval between scheduler loop ticks.
	SchedulerTick time.Duration
	// DispatchBatch is the max number of QUEUED jobs claimed per tick.
	DispatchBatch int
	// PollBatch is the max number of RUNNING executions polled per tick.
	PollBatch int
}

// Load creates a new Config instance by reading environment variables.
func Load() *Config {
	return &Config{
		Port:                getEnv("PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DatabaseDSN:         getEnv("DATABASE_DSN", ""),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		StorageRoot:         getEnv("STORAGE_ROOT", "./data"),
		HealthcheckInterval: getEnvDuration("HEALTHCHECK_INTERVAL", 30*time.Second),
		HealthcheckTimeout:  getEnvDuration("HEALTHCHECK_TIMEOUT", 5*time.Second),
		DeadAfter:           getEnvDuration("DEAD_AFTER", 90*time.Second),
		SchedulerTick:       getEnvDuration("SCHEDULER_TICK", 1*time.Second),
		DispatchBatch:       getEnvInt("DISPATCH_BATCH", 5),
		PollBatch:           getEnvInt("POLL_BATCH", 10),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		// Bare integers are read as seconds; a Go duration string ("45s")
		// also works.
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// GetPortInt returns the port as an integer.
func (c *Config) GetPortInt() int {
	p, _ := strconv.Atoi(c.Port)
	return p
}
