// Package config loads application configuration from environment
// variables, optionally seeded by a YAML file.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/bus-ticketing/internal/database"
	"github.com/iliyamo/bus-ticketing/internal/remote"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.
type Config struct {
	Env       string           // application environment (e.g. "dev", "prod")
	Port      string           // HTTP port to listen on
	DB        database.Options // MySQL connection
	JWTSecret string           // secret used to verify bearer tokens

	Remote remote.Config // seat-lock service (REMOTE_*)

	HoldTTL           time.Duration // assumed hold lifetime when the remote omits it
	ElevatedRoles     []string      // roles allowed to read and cancel any booking
	ReconcileInterval time.Duration // how often parked confirmations are retried
	NotifyTimeout     time.Duration // bound on each booking notification
	RabbitURL         string        // broker for booking.confirmed (empty: notifications off)
	HoldPrefix        string        // Redis key prefix of the hold cache

	LogLevel  string // debug, info, warn, error
	LogFormat string // json or text; defaults by Env
}

var required = []string{
	"APP_ENV", "APP_PORT", "DB_USER", "DB_HOST", "DB_PORT", "DB_NAME", "JWT_SECRET",
	"REMOTE_API_URL", "REMOTE_APP_ID", "REMOTE_API_KEY",
}

// Load reads configuration values from environment variables and returns a
// Config.  Missing required variables cause the program to exit with a
// fatal log message.
func Load() Config {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

// Parse is Load without the exit: it reports every missing required
// variable in one error.
func Parse() (Config, error) {
	var missing []string
	for _, k := range required {
		if v, ok := os.LookupEnv(k); !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required env var(s): %s", strings.Join(missing, ", "))
	}

	cfg := Config{
		Env:  os.Getenv("APP_ENV"),
		Port: os.Getenv("APP_PORT"),
		DB: database.Options{
			User: os.Getenv("DB_USER"),
			Pass: os.Getenv("DB_PASS"), // empty allowed
			Host: os.Getenv("DB_HOST"),
			Port: os.Getenv("DB_PORT"),
			Name: os.Getenv("DB_NAME"),
		},
		JWTSecret: os.Getenv("JWT_SECRET"),
		Remote: remote.Config{
			BaseURL:        os.Getenv("REMOTE_API_URL"),
			AppID:          os.Getenv("REMOTE_APP_ID"),
			APIKey:         os.Getenv("REMOTE_API_KEY"),
			Timeout:        envDur("REMOTE_TIMEOUT", 30*time.Second),
			DelegateBearer: envBool("REMOTE_DELEGATE_BEARER", false),
		},
		HoldTTL:           envDur("HOLD_TTL", 120*time.Second),
		ElevatedRoles:     splitList(envStr("ELEVATED_ROLES", "admin")),
		ReconcileInterval: envDur("RECONCILE_INTERVAL", 30*time.Second),
		NotifyTimeout:     envDur("NOTIFY_TIMEOUT", 10*time.Second),
		RabbitURL:         firstEnv("RABBITMQ_URL", "AMQP_URL"),
		HoldPrefix:        envStr("HOLD_CACHE_PREFIX", "bus"),
		LogLevel:          envStr("LOG_LEVEL", "info"),
		LogFormat:         os.Getenv("LOG_FORMAT"),
	}
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return Config{}, fmt.Errorf("invalid APP_PORT %q", cfg.Port)
	}
	if cfg.HoldTTL <= 0 || cfg.ReconcileInterval <= 0 {
		return Config{}, errors.New("HOLD_TTL and RECONCILE_INTERVAL must be positive")
	}
	return cfg, nil
}

// IsProd reports whether the service runs in production.
func (c Config) IsProd() bool {
	return strings.EqualFold(c.Env, "prod") || strings.EqualFold(c.Env, "production")
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
