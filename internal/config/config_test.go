package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	// unset deployments must not panic on invariant violations
	assert.Equal(t, "prod", cfg.Env)

	assert.Equal(t, 50.0, cfg.Thresholds.Target)
	assert.Equal(t, 35.0, cfg.Thresholds.Low)
	assert.Equal(t, 65.0, cfg.Thresholds.High)
	assert.Equal(t, 60*time.Second, cfg.Thresholds.MinDuration)
	assert.Equal(t, 600*time.Second, cfg.Thresholds.MaxDuration)
	assert.Equal(t, 900*time.Second, cfg.Thresholds.Cooldown)
	assert.Equal(t, "farm/+/sensors", cfg.SensorTopic)
	assert.Equal(t, "farm/{device}/actuators/valve", cfg.ValveTopicTemplate)
	assert.False(t, cfg.InfluxEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MOISTURE_TARGET", "55")
	t.Setenv("MOISTURE_LOW", "30,5")
	t.Setenv("COOLDOWN_SECONDS", "120")
	t.Setenv("STALE_POLICY", "CLOSE")
	t.Setenv("INFLUX_TOKEN", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 55.0, cfg.Thresholds.Target)
	assert.Equal(t, 30.5, cfg.Thresholds.Low)
	assert.Equal(t, 120*time.Second, cfg.Thresholds.Cooldown)
	assert.Equal(t, "close", cfg.StalePolicy)
	assert.True(t, cfg.InfluxEnabled())
}

func TestLoadReportsMalformedValues(t *testing.T) {
	t.Setenv("RABBITMQ_PORT", "abc")
	t.Setenv("MOISTURE_HIGH", "wet")
	t.Setenv("DEDUP_TTL", "ten minutes")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `RABBITMQ_PORT="abc" is not a valid integer`)
	assert.Contains(t, err.Error(), `MOISTURE_HIGH="wet" is not a valid number`)
	assert.Contains(t, err.Error(), `DEDUP_TTL="ten minutes" is not a valid duration`)
}

func TestValidateRejectsInconsistentThresholds(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Thresholds.Low = 60 // above target
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.Thresholds.MinDuration = 700 * time.Second // above max
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.ValveTopicTemplate = "farm/actuators/valve"
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.StalePolicy = "panic"
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.Env = "staging"
	assert.Error(t, cfg.Validate())
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Equal(t, `TEST_BOOL_BAD="maybe" is not a valid boolean`, err.Error())
}
