package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(envFrom(map[string]string{"GEMINI_API_KEY": "k"}))
	require.NoError(t, err)

	assert.Equal(t, "3001", cfg.Server.Port)
	assert.Equal(t, float32(0.85), cfg.Cache.Threshold)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 5, cfg.Phases.Phase1.Concurrency)
	assert.Equal(t, 20, cfg.Phases.Phase2.Concurrency)
	assert.Equal(t, 50, cfg.Phases.Phase2.RateMax)
	assert.Equal(t, 45*time.Second, cfg.Phases.Phase2.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Phases.Phase3.Timeout)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := loadWith(envFrom(map[string]string{
		"GOOGLE_CLOUD_PROJECT":       "proj",
		"PORT":                       "8080",
		"QDRANT_PORT":                "7000",
		"CACHE_SIMILARITY_THRESHOLD": "0.9",
		"PHASE2_CONCURRENCY":         "40",
		"PHASE1_TIMEOUT":             "10s",
		"MODEL_EXPERT":               "custom-expert",
	}))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 7000, cfg.Qdrant.Port)
	assert.InDelta(t, 0.9, cfg.Cache.Threshold, 1e-6)
	assert.Equal(t, 40, cfg.Phases.Phase2.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Phases.Phase1.Timeout)
	assert.Equal(t, "custom-expert", cfg.Models.Expert)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad int", map[string]string{"GEMINI_API_KEY": "k", "QDRANT_PORT": "abc"}},
		{"bad duration", map[string]string{"GEMINI_API_KEY": "k", "CACHE_TTL": "tomorrow"}},
		{"threshold out of range", map[string]string{"GEMINI_API_KEY": "k", "CACHE_SIMILARITY_THRESHOLD": "1.5"}},
		{"no credentials", map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWith(envFrom(tt.env))
			assert.Error(t, err)
		})
	}
}
