package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DROIDBAY_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultLicenseServerURL, cfg.LicenseServerURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "auto", cfg.LogFormat)
	assert.Equal(t, 6*time.Hour, cfg.OnlineRevalidateInterval)
	assert.Equal(t, 20*time.Minute, cfg.OfflineRevalidateInterval)
	assert.Equal(t, 10*time.Second, cfg.RestoredRevalidateDelay)
	assert.Equal(t, 10, cfg.DailyAnalysisQuota)
	assert.Empty(t, cfg.DiagnosticsAddr)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DROIDBAY_DATA_DIR", t.TempDir())
	t.Setenv("DROIDBAY_LICENSE_SERVER_URL", "https://staging.droidbay.app/license")
	t.Setenv("DROIDBAY_LOG_LEVEL", "debug")
	t.Setenv("DROIDBAY_ONLINE_REVALIDATE_INTERVAL", "1h")
	t.Setenv("DROIDBAY_DAILY_ANALYSIS_QUOTA", "25")
	t.Setenv("DROIDBAY_DIAGNOSTICS_ADDR", "127.0.0.1:9800")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://staging.droidbay.app/license", cfg.LicenseServerURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, time.Hour, cfg.OnlineRevalidateInterval)
	assert.Equal(t, 25, cfg.DailyAnalysisQuota)
	assert.Equal(t, "127.0.0.1:9800", cfg.DiagnosticsAddr)
}

func TestLoadInvalidValuesKeepDefaults(t *testing.T) {
	t.Setenv("DROIDBAY_DATA_DIR", t.TempDir())
	t.Setenv("DROIDBAY_ONLINE_REVALIDATE_INTERVAL", "often")
	t.Setenv("DROIDBAY_OFFLINE_REVALIDATE_INTERVAL", "-5m")
	t.Setenv("DROIDBAY_DAILY_ANALYSIS_QUOTA", "lots")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, cfg.OnlineRevalidateInterval)
	assert.Equal(t, 20*time.Minute, cfg.OfflineRevalidateInterval)
	assert.Equal(t, 10, cfg.DailyAnalysisQuota)
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DROIDBAY_DATA_DIR", dir)
	// godotenv.Load sets process env vars; clean up after the test.
	t.Cleanup(func() {
		os.Unsetenv("DROIDBAY_LOG_LEVEL")
		os.Unsetenv("DROIDBAY_DAILY_ANALYSIS_QUOTA")
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("DROIDBAY_LOG_LEVEL=warn\nDROIDBAY_DAILY_ANALYSIS_QUOTA=3\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 3, cfg.DailyAnalysisQuota)
}

func TestProcessEnvWinsOverEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DROIDBAY_DATA_DIR", dir)
	t.Setenv("DROIDBAY_LOG_LEVEL", "error")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("DROIDBAY_LOG_LEVEL=debug\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
}
