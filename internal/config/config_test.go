package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("requires a session token secret", func(t *testing.T) {
		t.Setenv("SESSION_TOKEN_SECRET", "")

		_, err := LoadConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SESSION_TOKEN_SECRET")
	})

	t.Run("applies defaults", func(t *testing.T) {
		t.Setenv("SESSION_TOKEN_SECRET", "secret")

		cfg, err := LoadConfig()
		require.NoError(t, err)

		assert.Equal(t, time.Hour, cfg.ReturnVisitWindow())
		assert.Equal(t, time.Hour, cfg.PopupCountdown())
		assert.Equal(t, 1500*time.Millisecond, cfg.PopupVisitDelay())
		assert.Equal(t, time.Second, cfg.PopupRedisplayDelay())
		assert.Equal(t, 10, cfg.ExitIntentThresholdPx)
		assert.True(t, cfg.AnalyticsEnabled)
	})

	t.Run("reads overrides and ignores malformed numbers", func(t *testing.T) {
		t.Setenv("SESSION_TOKEN_SECRET", "secret")
		t.Setenv("RETURN_VISIT_WINDOW_MINUTES", "30")
		t.Setenv("POPUP_VISIT_DELAY_MS", "not-a-number")
		t.Setenv("ANALYTICS_ENABLED", "false")
		t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")

		cfg, err := LoadConfig()
		require.NoError(t, err)

		assert.Equal(t, 30*time.Minute, cfg.ReturnVisitWindow())
		assert.Equal(t, 1500*time.Millisecond, cfg.PopupVisitDelay())
		assert.False(t, cfg.AnalyticsEnabled)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	})

	t.Run("rejects a non-positive return window", func(t *testing.T) {
		t.Setenv("SESSION_TOKEN_SECRET", "secret")
		t.Setenv("RETURN_VISIT_WINDOW_MINUTES", "0")

		_, err := LoadConfig()
		require.Error(t, err)
	})
}
