package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendbot/internal/models"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		t.Setenv("DISCORD_TOKEN", "")
		_, err := Load()
		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "DISCORD_TOKEN", cfgErr.Field)
	})

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("DISCORD_TOKEN", "token")
		t.Setenv("DATABASE_DSN", "")
		t.Setenv("CHECKPOINT_INTERVAL", "")
		t.Setenv("COMMAND_PREFIX", "")
		t.Setenv("POLICY_FILE", "")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "data/attendance.db", cfg.DatabaseDSN)
		assert.Equal(t, 5*time.Minute, cfg.CheckpointInterval)
		assert.Equal(t, "!event", cfg.CommandPrefix)
		assert.Equal(t, models.DefaultPolicy(), cfg.DefaultPolicy)
	})

	t.Run("custom interval", func(t *testing.T) {
		t.Setenv("DISCORD_TOKEN", "token")
		t.Setenv("CHECKPOINT_INTERVAL", "90s")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, cfg.CheckpointInterval)
	})

	t.Run("invalid interval", func(t *testing.T) {
		t.Setenv("DISCORD_TOKEN", "token")
		t.Setenv("CHECKPOINT_INTERVAL", "soon")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestLoadPolicyDefaults(t *testing.T) {
	dir := t.TempDir()

	t.Run("partial file keeps defaults", func(t *testing.T) {
		path := writeFile(t, dir, "partial.yaml", "movie_threshold_minutes: 45\n")
		policy, err := LoadPolicyDefaults(path)
		require.NoError(t, err)
		assert.Equal(t, 45, policy.MovieThresholdMinutes)
		assert.Equal(t, models.ModeCumulative, policy.Mode)
		assert.Equal(t, 50, policy.GamePercent)
	})

	t.Run("full file", func(t *testing.T) {
		path := writeFile(t, dir, "full.yaml", `
movie_threshold_minutes: 60
mode: single
game_percent: 75
qualified_role_id: "222222222222222222"
log_channel_id: "333333333333333333"
`)
		policy, err := LoadPolicyDefaults(path)
		require.NoError(t, err)
		assert.Equal(t, models.ModeSingle, policy.Mode)
		assert.Equal(t, 75, policy.GamePercent)
		assert.Equal(t, "222222222222222222", policy.QualifiedRoleID)
		assert.Equal(t, "333333333333333333", policy.LogChannelID)
	})

	t.Run("invalid mode", func(t *testing.T) {
		path := writeFile(t, dir, "mode.yaml", "mode: sometimes\n")
		_, err := LoadPolicyDefaults(path)
		assert.Error(t, err)
	})

	t.Run("percent out of range", func(t *testing.T) {
		path := writeFile(t, dir, "pct.yaml", "game_percent: 150\n")
		_, err := LoadPolicyDefaults(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPolicyDefaults(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}
