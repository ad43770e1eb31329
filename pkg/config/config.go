// Package config loads the chatengine configuration from a YAML file with
// CHAT_* environment variables layered on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/chatengine/internal/observability"
	"github.com/aixgo-dev/chatengine/pkg/chat"
	"github.com/aixgo-dev/chatengine/pkg/embeddings"
	"github.com/aixgo-dev/chatengine/pkg/gateway"
	"github.com/aixgo-dev/chatengine/pkg/llm/provider"
	"github.com/aixgo-dev/chatengine/pkg/memory"
	"github.com/aixgo-dev/chatengine/pkg/pipeline"
	"github.com/aixgo-dev/chatengine/pkg/store"
	"github.com/aixgo-dev/chatengine/pkg/vectorstore"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CHAT_"

const maxConfigBytes = 1 << 20

// Config represents the application configuration
type Config struct {
	Server      ServerConfig         `yaml:"server" envPrefix:"SERVER_"`
	Redis       RedisConfig          `yaml:"redis" envPrefix:"REDIS_"`
	Store       StoreConfig          `yaml:"store" envPrefix:"STORE_"`
	Auth        AuthConfig           `yaml:"auth" envPrefix:"AUTH_"`
	Gateway     gateway.Config       `yaml:"gateway" envPrefix:"GATEWAY_"`
	Memory      memory.Config        `yaml:"memory"`
	Pipeline    pipeline.Config      `yaml:"pipeline"`
	LLM         provider.Config      `yaml:"llm" envPrefix:"LLM_"`
	Embeddings  embeddings.Config    `yaml:"embeddings"`
	VectorStore vectorstore.Config   `yaml:"vectorstore"`
	Tracing     observability.Config `yaml:"tracing"`
	Maintenance MaintenanceConfig    `yaml:"maintenance" envPrefix:"MAINTENANCE_"`

	// Agents are served by the static resolver, or seeded into Postgres
	// when the postgres store is used
	Agents       map[string]chat.AgentConfig `yaml:"agents"`
	DefaultAgent string                      `yaml:"default_agent" env:"DEFAULT_AGENT"`
	AgentCache   AgentCacheConfig            `yaml:"agent_cache"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr" env:"ADDR"`
	ObservabilityAddr string        `yaml:"observability_addr" env:"OBSERVABILITY_ADDR"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RedisConfig holds the Redis connection shared by memory, relay and the
// redis chat store.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`

	// RelayPrefix namespaces the pub/sub channels
	RelayPrefix string `yaml:"relay_prefix" env:"RELAY_PREFIX"`
}

// StoreConfig selects the chat store.
type StoreConfig struct {
	// Backend is "redis" or "postgres"
	Backend     string                `yaml:"backend" env:"BACKEND"`
	RedisPrefix string                `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	RedisTTL    time.Duration         `yaml:"redis_ttl" env:"REDIS_TTL"`
	Postgres    store.PostgresConfig  `yaml:"postgres" envPrefix:"POSTGRES_"`
}

// AuthConfig holds JWT verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
}

// AgentCacheConfig bounds the agent resolution cache.
type AgentCacheConfig struct {
	MaxAgents int64         `yaml:"max_agents"`
	TTL       time.Duration `yaml:"ttl"`
}

// MaintenanceConfig drives the periodic jobs of the server.
type MaintenanceConfig struct {
	// Schedule is a cron spec, e.g. "@every 1m"
	Schedule           string        `yaml:"schedule" env:"SCHEDULE"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" env:"SESSION_IDLE_TIMEOUT"`
	LimiterIdleTimeout time.Duration `yaml:"limiter_idle_timeout" env:"LIMITER_IDLE_TIMEOUT"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ObservabilityAddr: ":9090",
			ShutdownTimeout:   15 * time.Second,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			RelayPrefix: "chatengine:relay:",
		},
		Store: StoreConfig{
			Backend:     "redis",
			RedisPrefix: "chatengine:store:",
			Postgres:    store.PostgresConfig{MaxConns: 10, Migrate: true},
		},
		Auth:     AuthConfig{Issuer: "chatengine"},
		Gateway:  gateway.DefaultConfig(),
		Memory:   memory.DefaultConfig(),
		Pipeline: pipeline.DefaultConfig(),
		LLM:      provider.Config{Provider: "echo", DefaultModel: "gpt-4o-mini"},
		Embeddings: embeddings.Config{
			Provider: "hash",
			Hash:     &embeddings.HashConfig{Dimensions: 256},
		},
		VectorStore: vectorstore.Config{
			Provider:            "memory",
			EmbeddingDimensions: 256,
			DefaultTopK:         5,
		},
		Tracing: observability.Config{Exporter: "none"},
		Maintenance: MaintenanceConfig{
			Schedule:           "@every 1m",
			SessionIdleTimeout: 30 * time.Minute,
			LimiterIdleTimeout: 10 * time.Minute,
		},
		AgentCache: AgentCacheConfig{MaxAgents: 1000, TTL: 5 * time.Minute},
	}
}

// LoadConfig loads configuration from a YAML file over the defaults and
// applies the environment. An empty path uses the defaults alone.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if info.Size() > maxConfigBytes {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigBytes)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Load API keys from environment if not in config
	if cfg.LLM.APIKey == "" {
		if cfg.LLM.Provider == "gemini" {
			cfg.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		} else {
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if cfg.Embeddings.OpenAI != nil && cfg.Embeddings.OpenAI.APIKey == "" {
		cfg.Embeddings.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Store.Postgres.URL == "" {
		cfg.Store.Postgres.URL = os.Getenv("DATABASE_URL")
	}

	return cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	switch c.Store.Backend {
	case "redis":
	case "postgres":
		if c.Store.Postgres.URL == "" {
			return fmt.Errorf("store.postgres.url is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.LLM.Provider {
	case "openai":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for the openai provider")
		}
	case "gemini":
		if c.LLM.APIKey == "" && c.LLM.Project == "" {
			return fmt.Errorf("llm.api_key or llm.project is required for the gemini provider")
		}
	case "echo", "scripted":
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}

	if c.DefaultAgent != "" && c.Store.Backend == "redis" {
		if _, ok := c.Agents[c.DefaultAgent]; !ok {
			return fmt.Errorf("default_agent %q is not defined in agents", c.DefaultAgent)
		}
	}

	if c.Memory.WindowSize < 0 || c.Memory.ConsolidateEvery < 0 {
		return fmt.Errorf("memory.window_size and memory.consolidate_every must not be negative")
	}
	return nil
}
