package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAgentDefaults(t *testing.T) {
	cfg, err := LoadAgent()
	require.NoError(t, err)
	require.Equal(t, "timelimit.db", cfg.DBPath)
	require.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	require.True(t, cfg.LocalMode())
}

func TestAgentFromEnv(t *testing.T) {
	t.Setenv("TIMELIMIT_SERVER_URL", "http://localhost:8080")
	t.Setenv("TIMELIMIT_POLL_INTERVAL", "250ms")
	t.Setenv("TIMELIMIT_TOKEN", "abc")
	cfg, err := LoadAgent()
	require.NoError(t, err)
	require.False(t, cfg.LocalMode())
	require.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	require.Equal(t, "abc", cfg.Token)
}

func TestServerConfig(t *testing.T) {
	cfg, err := LoadServer()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Empty(t, cfg.DatabaseURL)
	require.Error(t, cfg.Validate())

	t.Setenv("TIMELIMIT_JWT_SECRET", "secret")
	t.Setenv("TIMELIMIT_MAX_PUSH_BATCH", "50")
	t.Setenv("TIMELIMIT_LOG_STAGE_TIMINGS", "true")
	cfg, err = LoadServer()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 50, cfg.MaxPushBatchSize)
	require.True(t, cfg.LogStageTimings)
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("TIMELIMIT_POLL_INTERVAL", "soon")
	_, err := LoadAgent()
	require.ErrorContains(t, err, "parse env:")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo, level)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}
