// Package config loads server configuration from the environment.
package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration values.
type Config struct {
	HTTPPort int
	DBPath   string
}

// Load reads configuration from a .env file (if present) and the
// environment, with reasonable defaults. Command-line flags in cmd/server
// override these values.
func Load() Config {
	// Missing .env is fine; the environment still applies.
	_ = godotenv.Load()

	cfg := Config{
		HTTPPort: 8080,
		DBPath:   "medledger.db",
	}

	if v := os.Getenv("MEDLEDGER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("invalid MEDLEDGER_PORT value %q, defaulting to %d", v, cfg.HTTPPort)
		} else {
			cfg.HTTPPort = port
		}
	}

	if v := os.Getenv("MEDLEDGER_DB"); v != "" {
		cfg.DBPath = v
	}

	return cfg
}
