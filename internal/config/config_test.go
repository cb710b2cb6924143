package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"PORT", "TRUTHLENS_DB_PATH", "TRUTHLENS_ARTIFACTS", "NEWS_API_KEY", "TRUTHLENS_JWT_SECRET",
	"TRUTHLENS_ADMIN_USERS", "TRUTHLENS_ALLOW_UNTRAINED", "TRUTHLENS_LOG_LEVEL", "TRUTHLENS_DISPLAY_ZONE",
	"TRUTHLENS_TOKEN_TTL", "NEWS_API_TIMEOUT", "NEWS_CACHE_TTL", "TRUTHLENS_EPOCHS",
	"TRUTHLENS_BASE_MODEL", "TRUTHLENS_BASE_DIR", "TRUTHLENS_MODEL_CACHE", "HF_TOKEN",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "2000", cfg.Server.Port)
	assert.Equal(t, DefaultDisplayZone, cfg.Server.DisplayZone)
	assert.False(t, cfg.Model.AllowUntrained)
	assert.Equal(t, 3, cfg.Training.Epochs)
	assert.Equal(t, 5e-5, cfg.Training.LearningRate)
	assert.Equal(t, "Xenova/distilbert-base-uncased", cfg.Model.Base.ModelID)
	assert.Equal(t, "onnx/model.onnx", cfg.Model.Base.Weights)

	loc, err := cfg.Location()
	require.NoError(t, err)
	_, offset := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone()
	assert.Equal(t, 5*3600+30*60, offset)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: "8080"
  display_zone: UTC
model:
  artifact_root: /srv/models
  allow_untrained: true
  base:
    model_id: distilbert/distilbert-base-uncased
    cache_dir: /srv/hf
training:
  warmup_steps: 0
  max_length: 64
auth:
  admin_users: [root]
  token_ttl: 2h
news:
  cache_ttl: 30s
log:
  level: debug
`)
	t.Setenv("PORT", "9090")
	t.Setenv("TRUTHLENS_ADMIN_USERS", "alice, bob")
	t.Setenv("NEWS_API_KEY", "key")
	t.Setenv("TRUTHLENS_BASE_DIR", "/srv/base")
	t.Setenv("HF_TOKEN", "hf_secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "UTC", cfg.Server.DisplayZone)
	assert.Equal(t, "/srv/models", cfg.Model.ArtifactRoot)
	assert.True(t, cfg.Model.AllowUntrained)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Auth.AdminUsers)
	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 30*time.Second, cfg.News.CacheTTL)
	assert.Equal(t, "key", cfg.News.APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "data/truthlens.db", cfg.Database.Path)
	assert.Equal(t, "distilbert/distilbert-base-uncased", cfg.Model.Base.ModelID)
	assert.Equal(t, "/srv/hf", cfg.Model.Base.CacheDir)
	assert.Equal(t, "/srv/base", cfg.Model.Base.Dir)
	assert.Equal(t, "hf_secret", cfg.Model.Base.HFToken)
	assert.Equal(t, 0, cfg.Training.WarmupSteps)
	assert.Equal(t, 64, cfg.Training.MaxLength)
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "unknown field", body: "server:\n  prot: 1\n"},
		{name: "bad zone", body: "server:\n  display_zone: Nowhere/Land\n"},
		{name: "bad level", body: "log:\n  level: loud\n"},
		{name: "bad bool env", env: map[string]string{"TRUTHLENS_ALLOW_UNTRAINED": "maybe"}},
		{name: "bad duration env", env: map[string]string{"NEWS_API_TIMEOUT": "soon"}},
		{name: "zero epochs", env: map[string]string{"TRUTHLENS_EPOCHS": "0"}},
		{name: "negative warmup", body: "training:\n  warmup_steps: -1\n"},
		{name: "tiny max length", body: "training:\n  max_length: 2\n"},
		{name: "no base model", body: "model:\n  base:\n    model_id: \"\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			path := ""
			if tc.body != "" {
				path = writeConfig(t, tc.body)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestLoadEmptyFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}
