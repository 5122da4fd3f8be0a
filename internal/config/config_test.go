package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRecorderDefaults(t *testing.T) {
	cfg, err := LoadRecorder()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9222", cfg.CDPURL())
	assert.Equal(t, "127.0.0.1:8177", cfg.BindAddr)
	assert.Equal(t, []string{"127.0.0.1:8178", "127.0.0.1:8179"}, cfg.BindCandidates)
	assert.Equal(t, "browsing", cfg.TaskType)
}

func TestLoadRecorderEnvOverrides(t *testing.T) {
	t.Setenv("WEBTRACE_CDP_PORT", "9333")
	t.Setenv("WEBTRACE_HEADLESS", "true")
	t.Setenv("WEBTRACE_BIND_CANDIDATES", " 127.0.0.1:9001 , 127.0.0.1:9002 ,")

	cfg, err := LoadRecorder()
	require.NoError(t, err)
	assert.Equal(t, 9333, cfg.CDPPort)
	assert.True(t, cfg.Headless)
	assert.Equal(t, []string{"127.0.0.1:9001", "127.0.0.1:9002"}, cfg.BindCandidates)
}

func TestLoadRecorderIgnoresMalformedValues(t *testing.T) {
	t.Setenv("WEBTRACE_CDP_PORT", "not-a-number")
	t.Setenv("WEBTRACE_HEADLESS", "maybe")

	cfg, err := LoadRecorder()
	require.NoError(t, err)
	assert.Equal(t, 9222, cfg.CDPPort)
	assert.False(t, cfg.Headless)
}

func TestLoadReplayerDefaults(t *testing.T) {
	cfg, err := LoadReplayer()
	require.NoError(t, err)
	assert.False(t, cfg.AllowNetworkFallback)
	assert.False(t, cfg.ExecuteTrajectory)
	assert.Equal(t, "logs/replayer.log", cfg.LogFile)
}
