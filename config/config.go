// Package config loads service configuration from the environment. A local
// .env file is honored when present so development setups match production
// variable names.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime knob the api binary consumes.
type Config struct {
	DatabaseURL string
	HTTPAddr    string
	JWTSecret   string

	// PlatformFeeBps is the platform commission in basis points, frozen into
	// each transaction at creation time. 1000 = 10%.
	PlatformFeeBps int

	// HoldPendingTTL bounds how long a transaction may sit in pending before
	// the reconciler expires it to failed.
	HoldPendingTTL time.Duration

	// ReconcileInterval is how often the reconciler sweeps.
	ReconcileInterval time.Duration

	// NATSURL enables the NATS notifier when non-empty; otherwise lifecycle
	// events are logged only.
	NATSURL string
}

const (
	defaultHTTPAddr          = ":8080"
	defaultPlatformFeeBps    = 1000
	defaultHoldPendingTTL    = 30 * time.Minute
	defaultReconcileInterval = time.Minute
)

// Load reads configuration from the environment, applying defaults for
// optional values. DATABASE_URL and JWT_SECRET are required.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		HTTPAddr:          envOr("HTTP_ADDR", defaultHTTPAddr),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		PlatformFeeBps:    defaultPlatformFeeBps,
		HoldPendingTTL:    defaultHoldPendingTTL,
		ReconcileInterval: defaultReconcileInterval,
		NATSURL:           os.Getenv("NATS_URL"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: JWT_SECRET is required")
	}

	if v := os.Getenv("PLATFORM_FEE_BPS"); v != "" {
		bps, err := strconv.Atoi(v)
		if err != nil || bps < 0 || bps > 10000 {
			return Config{}, fmt.Errorf("config: invalid PLATFORM_FEE_BPS %q", v)
		}
		cfg.PlatformFeeBps = bps
	}

	if v := os.Getenv("HOLD_PENDING_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("config: invalid HOLD_PENDING_TTL %q", v)
		}
		cfg.HoldPendingTTL = d
	}

	if v := os.Getenv("RECONCILE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("config: invalid RECONCILE_INTERVAL %q", v)
		}
		cfg.ReconcileInterval = d
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
