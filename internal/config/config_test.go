package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/leaf-api/internal/preprocess"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, int64(10<<20), cfg.Server.MaxUploadBytes)
	assert.Equal(t, []string{"blimbing", "jeruk", "kemangi"}, cfg.Model.Labels)
	assert.InDelta(t, 0.60, cfg.Model.Threshold, 1e-9)
	assert.False(t, cfg.CacheEnable)
	assert.Equal(t, preprocess.Options{
		Width:         224,
		Height:        224,
		Normalization: preprocess.TanhRange,
		Layout:        preprocess.NHWC,
	}, cfg.Model.Preprocess())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("MODEL_INPUT_WIDTH", "32")
	t.Setenv("MODEL_INPUT_HEIGHT", "32")
	t.Setenv("MODEL_NORMALIZATION", "unit-range")
	t.Setenv("LABELS", "daisy,rose,tulip")
	t.Setenv("CACHE_ENABLE", "true")
	t.Setenv("REDIS_TTL", "1h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 32, cfg.Model.Preprocess().Width)
	assert.Equal(t, preprocess.UnitRange, cfg.Model.Preprocess().Normalization)
	assert.Equal(t, []string{"daisy", "rose", "tulip"}, cfg.Model.Labels)
	assert.True(t, cfg.CacheEnable)
	assert.Equal(t, time.Hour, cfg.RedisConfig.TTL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"CONFIDENCE_THRESHOLD":  "1.5",
		"MODEL_NORMALIZATION":   "imagenet",
		"MODEL_LAYOUT":          "hwc",
		"MODEL_INPUT_WIDTH":     "0",
		"MAX_UPLOAD_BYTES":      "-1",
		"SERVER_THROTTLE_LIMIT": "0",
		"SERVER_TIMEOUT":        "soon",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
