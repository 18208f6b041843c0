package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.QueueMaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.QueuePollInterval)
	assert.Equal(t, 72*time.Hour, cfg.AlertLowInterval)
	assert.Equal(t, 24*time.Hour, cfg.AlertCriticalInterval)
	assert.Equal(t, 8, cfg.AlertWindowHour)
	assert.Equal(t, "Asia/Manila", cfg.Location().String())
	assert.True(t, cfg.RecipeFallbackEnabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("ALERT_LOW_INTERVAL", "48h")
	t.Setenv("ALERT_TIMEZONE", "Not/AZone")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.QueueMaxAttempts)
	assert.Equal(t, 48*time.Hour, cfg.AlertLowInterval)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv("QUEUE_MAX_ATTEMPTS", "0")
	_, err := Load()
	assert.ErrorContains(t, err, "QUEUE_MAX_ATTEMPTS")
}

func TestValidate_WindowHour(t *testing.T) {
	cfg := &Config{QueueMaxAttempts: 3, QueueBatchSize: 10, QueuePollInterval: time.Second,
		AlertWindowHour: 24, AlertCriticalRatio: 0.5}
	assert.ErrorContains(t, cfg.validate(), "ALERT_WINDOW_HOUR")

	cfg.AlertWindowHour = 8
	cfg.AlertCriticalRatio = 1.5
	assert.ErrorContains(t, cfg.validate(), "ALERT_CRITICAL_RATIO")
}
