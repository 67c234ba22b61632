// Package config loads DroidBay configuration from the environment, with
// an optional .env file in the data directory for deployment overrides.
// Process environment variables always win over .env values.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Defaults. Intervals mirror the entitlement engine's own defaults so an
// empty environment changes nothing.
const (
	DefaultLicenseServerURL = "https://api.droidbay.app/v1/license"

	defaultOnlineInterval  = 6 * time.Hour
	defaultOfflineInterval = 20 * time.Minute
	defaultRestoredDelay   = 10 * time.Second
	defaultAnalysisQuota   = 10
)

// Config holds all application configuration. Every field maps to a
// DROIDBAY_-prefixed environment variable.
type Config struct {
	// DataDir holds the sealed entitlement cache, quota state, history
	// log, usage ledger, and the optional .env file.
	DataDir string

	// LicenseServerURL is the vendor validation endpoint.
	LicenseServerURL string

	// Logging settings
	LogLevel  string
	LogFormat string // "json", "console", or "auto"
	LogFile   string

	// DiagnosticsAddr serves Prometheus metrics when non-empty
	// (conventionally a localhost address).
	DiagnosticsAddr string

	// Revalidation pacing
	OnlineRevalidateInterval  time.Duration
	OfflineRevalidateInterval time.Duration
	RestoredRevalidateDelay   time.Duration

	// DailyAnalysisQuota is the free-tier cloud analysis allowance per
	// UTC day.
	DailyAnalysisQuota int
}

// EnvFilePath returns the deployment-overrides file the watcher monitors.
func (c *Config) EnvFilePath() string {
	return filepath.Join(c.DataDir, ".env")
}

// Load builds the configuration from defaults, the data dir's .env file,
// and the process environment, in ascending precedence.
func Load() (*Config, error) {
	dataDir := strings.TrimSpace(os.Getenv("DROIDBAY_DATA_DIR"))
	if dataDir == "" {
		dataDir = defaultDataDir()
	}

	// godotenv.Load never overrides variables already present in the
	// process environment, which is exactly the precedence we want.
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Debug().Str("file", envFile).Msg("Loaded .env overrides")
		}
	}

	cfg := &Config{
		DataDir:                   dataDir,
		LicenseServerURL:          DefaultLicenseServerURL,
		LogLevel:                  "info",
		LogFormat:                 "auto",
		OnlineRevalidateInterval:  defaultOnlineInterval,
		OfflineRevalidateInterval: defaultOfflineInterval,
		RestoredRevalidateDelay:   defaultRestoredDelay,
		DailyAnalysisQuota:        defaultAnalysisQuota,
	}
	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

// applyEnv overlays values from the given lookup onto the config. Invalid
// values log a warning and keep the previous setting.
func (c *Config) applyEnv(getenv func(string) string) {
	setString(&c.LicenseServerURL, getenv("DROIDBAY_LICENSE_SERVER_URL"))
	setString(&c.LogLevel, getenv("DROIDBAY_LOG_LEVEL"))
	setString(&c.LogFormat, getenv("DROIDBAY_LOG_FORMAT"))
	setString(&c.LogFile, getenv("DROIDBAY_LOG_FILE"))
	setString(&c.DiagnosticsAddr, getenv("DROIDBAY_DIAGNOSTICS_ADDR"))

	setDuration(&c.OnlineRevalidateInterval, "DROIDBAY_ONLINE_REVALIDATE_INTERVAL", getenv)
	setDuration(&c.OfflineRevalidateInterval, "DROIDBAY_OFFLINE_REVALIDATE_INTERVAL", getenv)
	setDuration(&c.RestoredRevalidateDelay, "DROIDBAY_RESTORED_REVALIDATE_DELAY", getenv)
	setInt(&c.DailyAnalysisQuota, "DROIDBAY_DAILY_ANALYSIS_QUOTA", getenv)
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, key string, getenv func(string) string) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid duration, keeping default")
		return
	}
	*dst = d
}

func setInt(dst *int, key string, getenv func(string) string) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid count, keeping default")
		return
	}
	*dst = n
}

// defaultDataDir is the per-user config location, with a working-directory
// fallback for stripped-down environments.
func defaultDataDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "droidbay")
	}
	return ".droidbay"
}
