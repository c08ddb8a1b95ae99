package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buseta/internal/eta"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50.0, cfg.ArrivalRadius)
	assert.Equal(t, 5.0, cfg.DefaultSpeed)
	assert.Equal(t, 300*time.Second, cfg.MaxAccuracy)
	assert.Equal(t, 0.1, cfg.AccuracyFactor)
	assert.Equal(t, 5*time.Minute, cfg.ApproachingWindow)
	assert.Equal(t, time.Hour, cfg.ETACacheTTL)
	assert.Equal(t, 60*time.Second, cfg.ThrottleInterval)
	assert.Equal(t, 5.0, cfg.ThrottleSpeedDelta)
	assert.Equal(t, 30.0, cfg.ThrottleHeadingDelta)
	assert.Equal(t, 30*time.Second, cfg.StatusSweepInterval)
	assert.Equal(t, 20*time.Second, cfg.NotifySweepInterval)
	assert.Empty(t, cfg.DatabaseURL)
	assert.False(t, cfg.RedisEnabled)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ARRIVAL_RADIUS_M", "75")
	t.Setenv("THROTTLE_INTERVAL", "90s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.1, 10.0.0.2,")
	t.Setenv("DEFAULT_SPEED_MPS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 75.0, cfg.ArrivalRadius)
	assert.Equal(t, 90*time.Second, cfg.ThrottleInterval)
	assert.Equal(t, "DEBUG", cfg.LogLevel.String())
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.RateLimitWhitelist)
	assert.Equal(t, 5.0, cfg.DefaultSpeed)
}

func TestETAConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, eta.DefaultConfig(), cfg.ETA())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("ARRIVAL_RADIUS_M", "-1")
	_, err := Load()
	assert.Error(t, err)
}

func TestTuningFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
arrival_radius_m: 35
approaching_window: 3m
throttle_heading_delta_deg: 45
`), 0o600))
	t.Setenv("TUNING_FILE", path)
	t.Setenv("ARRIVAL_RADIUS_M", "80")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 35.0, cfg.ArrivalRadius)
	assert.Equal(t, 3*time.Minute, cfg.ApproachingWindow)
	assert.Equal(t, 45.0, cfg.ThrottleHeadingDelta)
	// untouched keys keep their env or default values
	assert.Equal(t, 5.0, cfg.ThrottleSpeedDelta)
}

func TestParseTuningValidation(t *testing.T) {
	_, err := ParseTuning([]byte("default_speed_mps: 0\n"))
	assert.Error(t, err)

	_, err = ParseTuning([]byte("throttle_heading_delta_deg: 200\n"))
	assert.Error(t, err)

	_, err = ParseTuning([]byte("approaching_window: [1, 2]\n"))
	assert.Error(t, err)

	tuning, err := ParseTuning([]byte("{}"))
	require.NoError(t, err)
	assert.Nil(t, tuning.ArrivalRadiusM)
}
