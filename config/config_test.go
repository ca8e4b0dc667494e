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

	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
	assert.Equal(t, "headtag.db", cfg.StatePath)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.ReconnectBase)
	assert.Equal(t, 10*time.Second, cfg.ReconnectCap)
	assert.Equal(t, 5, cfg.MaxReconnects)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HEADTAG_SERVER_URL", "https://game.example.net")
	t.Setenv("HEADTAG_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("HEADTAG_MAX_RECONNECTS", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://game.example.net", cfg.ServerURL)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2, cfg.MaxReconnects)
}
