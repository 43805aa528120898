package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":4000", cfg.ListenAddr)
	assert.Equal(t, -5, cfg.UTCOffsetHours)
	assert.Equal(t, 10, cfg.OutboxMaxAttempts)
	assert.Equal(t, "ws", cfg.TransportMode)
	assert.False(t, cfg.AutoPurgeOnLogout)
	assert.False(t, cfg.WebhookEnabled())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("WEBHOOK_URL", "https://example.com/hook")
	t.Setenv("AUTO_PURGE_ON_LOGOUT", "true")
	t.Setenv("UTC_OFFSET_HOURS", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.True(t, cfg.WebhookEnabled())
	assert.True(t, cfg.AutoPurgeOnLogout)
	assert.Equal(t, 2, cfg.UTCOffsetHours)
}

func TestLoadPolicy_EmptyPath(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)
}

func TestLoadPolicy_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	data := []byte("business_hour_start: 9\ndaily_cap_max: 400\nopt_out:\n  - \"15550001111@relay\"\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, 9, p.BusinessHourStart)
	assert.Equal(t, 21, p.BusinessHourEnd) // default kept
	assert.Equal(t, 400, p.DailyCapMax)
	assert.Equal(t, []string{"15550001111@relay"}, p.OptOut)
}

func TestLoadPolicy_InvalidHours(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("business_hour_start: 22\nbusiness_hour_end: 8\n"), 0o600))

	_, err := LoadPolicy(path)
	assert.Error(t, err)
}

func TestLoadPolicy_InvalidRamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daily_cap_base: 500\ndaily_cap_max: 100\n"), 0o600))

	_, err := LoadPolicy(path)
	assert.Error(t, err)
}
