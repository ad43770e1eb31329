package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	path := writeFile(t, strings.Repeat("x: value\n", 200000))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":7000"
store:
  backend: postgres
  postgres:
    url: postgres://chat@localhost/chat
auth:
  jwt_secret: `+testSecret+`
memory:
  window_size: 20
  consolidate_every: 4
pipeline:
  generation_timeout: 30s
agents:
  helper:
    name: Helper
    model: gpt-4o-mini
    system_prompt: Be brief.
    temperature: 0.3
    collections: [docs]
default_agent: helper
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, ":9090", cfg.Server.ObservabilityAddr, "defaults survive a partial file")
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, 20, cfg.Memory.WindowSize)
	assert.Equal(t, 4, cfg.Memory.ConsolidateEvery)
	assert.Equal(t, 5, cfg.Memory.RetrievalTopK)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.GenerationTimeout)
	assert.Equal(t, 5, cfg.Pipeline.MaxToolRounds)

	helper := cfg.Agents["helper"]
	assert.Equal(t, "gpt-4o-mini", helper.ModelID)
	assert.InDelta(t, 0.3, helper.Temperature, 1e-9)
	assert.Equal(t, []string{"docs"}, helper.Collections)
}

func TestLoadConfig_EnvironmentOverlay(t *testing.T) {
	path := writeFile(t, "server:\n  addr: \":7000\"\n")
	t.Setenv("CHAT_SERVER_ADDR", ":7100")
	t.Setenv("CHAT_AUTH_JWT_SECRET", testSecret)
	t.Setenv("CHAT_STORE_BACKEND", "redis")
	t.Setenv("CHAT_GATEWAY_RATE_BURST", "42")
	t.Setenv("CHAT_GATEWAY_ALLOWED_ORIGINS", "a.example.com,b.example.com")
	t.Setenv("CHAT_MAINTENANCE_SESSION_IDLE_TIMEOUT", "5m")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":7100", cfg.Server.Addr)
	assert.Equal(t, testSecret, cfg.Auth.JWTSecret)
	assert.Equal(t, 42, cfg.Gateway.RateBurst)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.Gateway.AllowedOrigins)
	assert.Equal(t, 5*time.Minute, cfg.Maintenance.SessionIdleTimeout)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "/ws", cfg.Gateway.Path)

	assert.Error(t, cfg.Validate(), "jwt secret has no default")
	cfg.Auth.JWTSecret = testSecret
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_NonexistentFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeFile(t, "server:\n  addr: [[[\n")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown store", func(c *Config) { c.Store.Backend = "mongo" }, "unknown store backend"},
		{"postgres without url", func(c *Config) { c.Store.Backend = "postgres" }, "store.postgres.url"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"openai without key", func(c *Config) { c.LLM.Provider = "openai"; c.LLM.APIKey = "" }, "llm.api_key"},
		{"gemini without key or project", func(c *Config) { c.LLM.Provider = "gemini"; c.LLM.APIKey = "" }, "llm.project"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "oracle" }, "unknown llm provider"},
		{"undefined default agent", func(c *Config) { c.DefaultAgent = "ghost" }, "default_agent"},
		{"missing redis", func(c *Config) { c.Redis.Addr = "" }, "redis.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.JWTSecret = testSecret
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Server.Addr = ":7200"

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7200", loaded.Server.Addr)
	assert.Equal(t, cfg.Memory, loaded.Memory)
}
