package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
	assert.Equal(t, 15, cfg.ChunkSeconds)
	assert.Equal(t, 3, cfg.ResearchConcurrency)
	assert.Equal(t, DefaultDetectionThreshold, cfg.DetectionThreshold)
	assert.True(t, cfg.ReconnectEnabled)
	assert.Equal(t, 45000, cfg.IngestStallTimeoutMs)
	assert.Equal(t, DefaultRateLimitPerMinute, cfg.RateLimitPerMinute)
	assert.Equal(t, DefaultRenderTimeout, cfg.RenderTimeout)
	assert.Equal(t, DefaultClaimFallbackFlushChars, cfg.ClaimFallbackFlushChars)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHUNK_SECONDS", "20")
	t.Setenv("MAX_RESEARCH_CONCURRENCY", "7")
	t.Setenv("DETECTION_THRESHOLD", "0.7")
	t.Setenv("INGEST_RECONNECT_ENABLED", "false")
	t.Setenv("CONTROL_PASSWORD", "hunter2")
	t.Setenv("RENDER_TIMEOUT_MS", "5000")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.ChunkSeconds)
	assert.Equal(t, 7, cfg.ResearchConcurrency)
	assert.Equal(t, 0.7, cfg.DetectionThreshold)
	assert.False(t, cfg.ReconnectEnabled)
	assert.Equal(t, "hunter2", cfg.ControlPassword)
	assert.Equal(t, 5*time.Second, cfg.RenderTimeout)
}

func TestDetectionThresholdClamped(t *testing.T) {
	t.Setenv("DETECTION_THRESHOLD", "0.2")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, MinDetectionThreshold, cfg.DetectionThreshold)

	t.Setenv("DETECTION_THRESHOLD", "0.99")
	cfg, err = LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, MaxDetectionThreshold, cfg.DetectionThreshold)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("CHUNK_SECONDS", "fifteen")
	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHUNK_SECONDS")
}
