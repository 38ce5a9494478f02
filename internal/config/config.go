// Package config loads service settings from the environment, with an
// optional .env file discovered by walking up from the working directory.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr  string
	DatabaseDSN string

	JWTSecret string

	ProviderBaseURL string
	ProviderToken   string

	BootstrapStaffLogin    string
	BootstrapStaffPassword string

	FulfillInterval time.Duration
	SweepInterval   time.Duration
	PollInterval    time.Duration
	PollMaxAttempts int
	PollMaxInFlight int64
}

func Load() (Config, error) {
	loadDotEnv()

	cfg := Config{
		ListenAddr:             envOr("LISTEN_ADDR", ":8080"),
		DatabaseDSN:            os.Getenv("DATABASE_DSN"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		ProviderBaseURL:        envOr("PAYMENT_API_URL", "https://pay.crypt.bot"),
		ProviderToken:          os.Getenv("PAYMENT_API_TOKEN"),
		BootstrapStaffLogin:    os.Getenv("BOOTSTRAP_STAFF_LOGIN"),
		BootstrapStaffPassword: os.Getenv("BOOTSTRAP_STAFF_PASSWORD"),
		FulfillInterval:        durationOr("FULFILL_INTERVAL", 60*time.Second),
		SweepInterval:          durationOr("SWEEP_INTERVAL", 300*time.Second),
		PollInterval:           durationOr("PAYMENT_POLL_INTERVAL", 5*time.Second),
		PollMaxAttempts:        intOr("PAYMENT_POLL_ATTEMPTS", 360),
		PollMaxInFlight:        int64(intOr("PAYMENT_POLL_IN_FLIGHT", 30)),
	}

	if cfg.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("DATABASE_DSN is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func durationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// loadDotEnv walks up from the working directory looking for a .env file
// and sets any keys not already present in the environment.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for {
		path := filepath.Join(dir, ".env")
		if f, err := os.Open(path); err == nil {
			applyEnvFile(f)
			f.Close()
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func applyEnvFile(f *os.File) {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
}
