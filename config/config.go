// Package config provides configuration for the orchestrator.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Event store retention
	EventRetention time.Duration
	SweepInterval  time.Duration

	// How long brokers for finished runs linger before the janitor
	// removes them.
	BrokerLinger time.Duration

	// Join/settlement wait budget
	JoinTimeout time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:       getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:    getEnv("DATABASE_URL", "file:graphrun.db?cache=shared&mode=rwc"),
		EventRetention: time.Duration(getEnvInt("EVENT_RETENTION_S", 3600)) * time.Second,
		SweepInterval:  time.Duration(getEnvInt("EVENT_SWEEP_INTERVAL_S", 300)) * time.Second,
		BrokerLinger:   time.Duration(getEnvInt("BROKER_LINGER_S", 3600)) * time.Second,
		JoinTimeout:    time.Duration(getEnvInt("JOIN_TIMEOUT_MS", 30000)) * time.Millisecond,
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
