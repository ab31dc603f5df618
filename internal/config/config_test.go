package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.EqualValues(t, 1, cfg.Net.Sid)
	assert.Equal(t, 1024, cfg.Net.EndpointQueueHint)
	assert.Equal(t, "", cfg.Bridge.ListenAddr)
	assert.Equal(t, "", cfg.Bridge.ConnectAddr)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9095", cfg.Metrics.ListenAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Greater(t, cfg.Resource.MaxCPUPercent, 0.0)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MESHD_NET_SID", "42")
	t.Setenv("MESHD_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.EqualValues(t, 42, cfg.Net.Sid)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
