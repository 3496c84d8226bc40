// Package config resolves the runtime configuration from environment
// variables, applying the documented defaults and clamps at load time.
// The .env file itself is loaded by the entrypoint (godotenv) before
// this package reads the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults and clamp bounds not owned by a specific component.
const (
	DefaultHTTPPort           = "3001"
	DefaultRateLimitPerMinute = 120
	DefaultRenderTimeout      = 20 * time.Second
	DefaultRenderMaxAttempts  = 3

	DefaultClaimFallbackFlushChars = 320
	DefaultClaimFallbackMinWords   = 12

	DefaultDetectionThreshold = 0.62
	MinDetectionThreshold     = 0.55
	MaxDetectionThreshold     = 0.90
)

// Config is the resolved runtime configuration.
type Config struct {
	HTTPPort string

	// External service credentials. Empty keys degrade the owning
	// component rather than failing startup.
	TranscriptionAPIKey string
	TranscriptionModel  string
	ReasoningAPIKey     string
	ReasoningModel      string
	FactCheckAPIKey     string
	FredAPIKey          string
	CongressAPIKey      string

	// Pipeline tuning.
	ChunkSeconds        int
	ResearchConcurrency int
	DetectionThreshold  float64

	ClaimFallbackFlushChars int
	ClaimFallbackMinWords   int

	// Ingest reconnect policy.
	ReconnectEnabled     bool
	IngestMaxRetries     int
	IngestRetryBaseMs    int
	IngestRetryMaxMs     int
	IngestStallTimeoutMs int

	// Control surface.
	ControlPassword      string
	ProtectReadEndpoints bool
	RateLimitPerMinute   int

	// Render collaborator.
	RenderEndpoint    string
	RenderTimeout     time.Duration
	RenderMaxAttempts int

	// Durable activity log (empty = disabled).
	DatabaseURL string
}

// LoadFromEnv reads and clamps the configuration.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		HTTPPort: getEnv("HTTP_PORT", DefaultHTTPPort),

		TranscriptionAPIKey: os.Getenv("TRANSCRIPTION_API_KEY"),
		TranscriptionModel:  getEnv("TRANSCRIPTION_MODEL", "whisper-1"),
		ReasoningAPIKey:     os.Getenv("REASONING_API_KEY"),
		ReasoningModel:      getEnv("REASONING_MODEL", "gpt-4o-mini"),
		FactCheckAPIKey:     os.Getenv("FACTCHECK_API_KEY"),
		FredAPIKey:          os.Getenv("FRED_API_KEY"),
		CongressAPIKey:      os.Getenv("CONGRESS_API_KEY"),

		ControlPassword:      os.Getenv("CONTROL_PASSWORD"),
		ProtectReadEndpoints: getBool("PROTECT_READ_ENDPOINTS", false),

		RenderEndpoint: os.Getenv("RENDER_ENDPOINT"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
	}

	var err error
	if cfg.ChunkSeconds, err = getInt("CHUNK_SECONDS", 15); err != nil {
		return nil, err
	}
	if cfg.ResearchConcurrency, err = getInt("MAX_RESEARCH_CONCURRENCY", 3); err != nil {
		return nil, err
	}
	if cfg.DetectionThreshold, err = getFloat("DETECTION_THRESHOLD", DefaultDetectionThreshold); err != nil {
		return nil, err
	}
	cfg.DetectionThreshold = clampFloat(cfg.DetectionThreshold, MinDetectionThreshold, MaxDetectionThreshold)

	if cfg.ClaimFallbackFlushChars, err = getInt("CLAIM_FALLBACK_FLUSH_CHARS", DefaultClaimFallbackFlushChars); err != nil {
		return nil, err
	}
	if cfg.ClaimFallbackMinWords, err = getInt("CLAIM_FALLBACK_MIN_WORDS", DefaultClaimFallbackMinWords); err != nil {
		return nil, err
	}

	cfg.ReconnectEnabled = getBool("INGEST_RECONNECT_ENABLED", true)
	if cfg.IngestMaxRetries, err = getInt("INGEST_MAX_RETRIES", 0); err != nil {
		return nil, err
	}
	if cfg.IngestRetryBaseMs, err = getInt("INGEST_RETRY_BASE_MS", 1000); err != nil {
		return nil, err
	}
	if cfg.IngestRetryMaxMs, err = getInt("INGEST_RETRY_MAX_MS", 15000); err != nil {
		return nil, err
	}
	if cfg.IngestStallTimeoutMs, err = getInt("INGEST_STALL_TIMEOUT_MS", 45000); err != nil {
		return nil, err
	}

	if cfg.RateLimitPerMinute, err = getInt("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute < 1 {
		cfg.RateLimitPerMinute = 1
	}

	renderTimeoutMs, err := getInt("RENDER_TIMEOUT_MS", int(DefaultRenderTimeout/time.Millisecond))
	if err != nil {
		return nil, err
	}
	cfg.RenderTimeout = time.Duration(renderTimeoutMs) * time.Millisecond
	if cfg.RenderMaxAttempts, err = getInt("RENDER_MAX_ATTEMPTS", DefaultRenderMaxAttempts); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return parsed, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return parsed, nil
}

func getBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes":
		return true
	case "0", "false", "FALSE", "no":
		return false
	default:
		return fallback
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
