package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "sim", cfg.Venue.Mode)
	assert.Positive(t, cfg.Venue.AckTimeout)
	assert.Equal(t, 256, cfg.Websocket.QueueSize)
	assert.Equal(t, "sim", cfg.MarketData.Feed)
	assert.NotEmpty(t, cfg.MarketData.Instruments)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TRADECORE_SERVER_PORT", "9999")
	t.Setenv("TRADECORE_LOG_LEVEL", "debug")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}
