// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package config loads gatekeep configuration from a YAML file and
// command-line overrides.
package config

import (
	"errors"
	"io/fs"
	"net/url"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/gatekeep/gatekeep/internal/logging"
	"github.com/gatekeep/gatekeep/internal/ratelimit"
	"github.com/gatekeep/gatekeep/internal/xdg"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Email transports.
const (
	EmailTransportNone = "none"
	EmailTransportLog  = "log"
)

// Config is the full service configuration.
type Config struct {
	Environment string        `koanf:"environment"`
	Origin      string        `koanf:"origin"`
	Log         LogConfig     `koanf:"log"`
	MetricsAddr string        `koanf:"metrics_addr"`
	Sweep       time.Duration `koanf:"sweep_interval"`
	Workers     int           `koanf:"workers"`
	RedisAddr   string        `koanf:"redis_addr"`
	DatabaseURL string        `koanf:"database_url"`
	AutoMigrate bool          `koanf:"auto_migrate"`
	Email       EmailConfig   `koanf:"email"`
	SeedFile    string        `koanf:"seed_file"`
	Limits      LimitsConfig  `koanf:"limits"`
}

// LogConfig selects the log output.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// EmailConfig selects the verification code transport.
type EmailConfig struct {
	Transport string `koanf:"transport"`
}

// LimitsConfig mirrors ratelimit.Config. Zero values take the Guard defaults.
type LimitsConfig struct {
	IPWindow              time.Duration `koanf:"ip_window"`
	PasswordPerIP         int           `koanf:"password_per_ip"`
	VerifyPerIP           int           `koanf:"verify_per_ip"`
	UsernameFailureLimit  int           `koanf:"username_failure_limit"`
	UsernameFailureWindow time.Duration `koanf:"username_failure_window"`
	UsernameLockDuration  time.Duration `koanf:"username_lock_duration"`
	SessionFailureLimit   int           `koanf:"session_failure_limit"`
	SessionFailureWindow  time.Duration `koanf:"session_failure_window"`
	SessionLockDuration   time.Duration `koanf:"session_lock_duration"`
}

// Guard converts the limits to a ratelimit.Config.
func (l LimitsConfig) Guard() ratelimit.Config {
	return ratelimit.Config{
		IPWindow:              l.IPWindow,
		PasswordPerIP:         l.PasswordPerIP,
		VerifyPerIP:           l.VerifyPerIP,
		UsernameFailureLimit:  l.UsernameFailureLimit,
		UsernameFailureWindow: l.UsernameFailureWindow,
		UsernameLockDuration:  l.UsernameLockDuration,
		SessionFailureLimit:   l.SessionFailureLimit,
		SessionFailureWindow:  l.SessionFailureWindow,
		SessionLockDuration:   l.SessionLockDuration,
	}
}

// Default values.
const (
	DefaultOrigin        = "http://localhost:8080"
	DefaultMetricsAddr   = "127.0.0.1:9100"
	DefaultSweepInterval = time.Minute
	DefaultWorkers       = 8
)

// Default returns the development defaults.
func Default() Config {
	return Config{
		Environment: EnvDevelopment,
		Origin:      DefaultOrigin,
		Log:         LogConfig{Format: "json", Level: "info"},
		MetricsAddr: DefaultMetricsAddr,
		Sweep:       DefaultSweepInterval,
		Workers:     DefaultWorkers,
		AutoMigrate: true,
		Email:       EmailConfig{Transport: EmailTransportLog},
	}
}

// IsProduction reports whether the environment is production.
func (c Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	invalid := func(field string, format string, args ...any) error {
		return oops.Code("CONFIG_INVALID").With("field", field).Errorf(format, args...)
	}

	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return invalid("environment", "environment must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Environment)
	}
	u, err := url.Parse(c.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("origin", "origin must be an absolute URL, got %q", c.Origin)
	}
	if c.IsProduction() && u.Scheme != "https" {
		return invalid("origin", "production origin must use https")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "log format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "unknown log level %q", c.Log.Level)
	}
	if c.Sweep <= 0 {
		return invalid("sweep_interval", "sweep interval must be positive")
	}
	if c.Workers < 1 {
		return invalid("workers", "workers must be at least 1, got %d", c.Workers)
	}
	switch c.Email.Transport {
	case EmailTransportNone:
	case EmailTransportLog:
		if c.IsProduction() {
			return invalid("email.transport", "the log email transport is refused in production")
		}
	default:
		return invalid("email.transport", "unknown email transport %q", c.Email.Transport)
	}

	l := c.Limits
	for field, v := range map[string]int{
		"limits.password_per_ip":        l.PasswordPerIP,
		"limits.verify_per_ip":          l.VerifyPerIP,
		"limits.username_failure_limit": l.UsernameFailureLimit,
		"limits.session_failure_limit":  l.SessionFailureLimit,
	} {
		if v < 0 {
			return invalid(field, "%s must not be negative", field)
		}
	}
	for field, v := range map[string]time.Duration{
		"limits.ip_window":               l.IPWindow,
		"limits.username_failure_window": l.UsernameFailureWindow,
		"limits.username_lock_duration":  l.UsernameLockDuration,
		"limits.session_failure_window":  l.SessionFailureWindow,
		"limits.session_lock_duration":   l.SessionLockDuration,
	} {
		if v < 0 {
			return invalid(field, "%s must not be negative", field)
		}
	}
	return nil
}

// flagKeys maps override flags to config keys.
var flagKeys = map[string]string{
	"environment":    "environment",
	"origin":         "origin",
	"log-format":     "log.format",
	"log-level":      "log.level",
	"metrics-addr":   "metrics_addr",
	"sweep-interval": "sweep_interval",
	"workers":        "workers",
	"redis-addr":     "redis_addr",
	"database-url":   "database_url",
	"auto-migrate":   "auto_migrate",
	"email":          "email.transport",
	"seed-file":      "seed_file",
}

// RegisterFlags adds the override flags to flags. Defaults match Default().
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("environment", d.Environment, "deployment environment (development or production)")
	flags.String("origin", d.Origin, "canonical origin; the relying-party ID is its host")
	flags.String("log-format", d.Log.Format, "log format (json or text)")
	flags.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	flags.String("metrics-addr", d.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	flags.Duration("sweep-interval", d.Sweep, "how often expired records are swept")
	flags.Int("workers", d.Workers, "concurrent password and signature checks")
	flags.String("redis-addr", "", "Redis address for shared rate limits (empty = in-process)")
	flags.String("database-url", "", "PostgreSQL URL for durable users (empty = seed file only)")
	flags.Bool("auto-migrate", d.AutoMigrate, "apply pending migrations before serving")
	flags.String("email", d.Email.Transport, "verification code transport (log or none)")
	flags.String("seed-file", "", "YAML file of users to load at startup")
}

// Load reads path (or the default config file when path is empty), applies
// flag overrides from flags, and validates the result. A missing default file
// is not an error; a missing explicit file is.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		p, err := xdg.ConfigFile()
		if err == nil {
			path = p
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
			}
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithValue(flags, ".", k, func(name, value string) (string, any) {
			key, ok := flagKeys[name]
			if !ok {
				return "", nil
			}
			return key, value
		})
		if err := k.Load(provider, nil); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
