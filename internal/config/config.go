package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jarvislabs/jarvis/pkg/models"
)

// Config is the single configuration schema shared by the hub and agent
// runtimes. One YAML file; unset sections fall back to defaults.
type Config struct {
	Hub           HubConfig           `yaml:"hub"`
	Agent         AgentConfig         `yaml:"agent"`
	Bus           BusConfig           `yaml:"bus"`
	KV            KVConfig            `yaml:"kv"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	LLM           LLMConfig           `yaml:"llm"`
	Tools         ToolsConfig         `yaml:"tools"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type HubConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	MethodRatePerMin  int           `yaml:"method_rate_per_min"`
}

type AgentConfig struct {
	ID                string           `yaml:"id"`
	Role              models.AgentRole `yaml:"role"`
	Host              string           `yaml:"host"`
	Workspace         string           `yaml:"workspace"`
	Capabilities      []string         `yaml:"capabilities"`
	Model             string           `yaml:"model"`
	FallbackModels    []string         `yaml:"fallback_models"`
	HeartbeatInterval time.Duration    `yaml:"heartbeat_interval"`
	MaxIterations     int              `yaml:"max_iterations"`
	MaxTaskTokens     int              `yaml:"max_task_tokens"`
	MaxWallTime       time.Duration    `yaml:"max_wall_time"`
}

type BusConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type KVConfig struct {
	URL string `yaml:"url"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	// Token is the dashboard token. Machine tokens are configured as
	// SHA-256 hex digests, never plaintext.
	Token              string   `yaml:"token"`
	MachineTokenHashes []string `yaml:"machine_token_hashes"`
}

type LLMConfig struct {
	Providers    map[string]ProviderConfig `yaml:"providers"`
	CacheEnabled bool                      `yaml:"cache_enabled"`
	CacheTTL     time.Duration             `yaml:"cache_ttl"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type ToolsConfig struct {
	RatePerMin int `yaml:"rate_per_min"`
	// Routes rewrites a tool to execute on another agent's runtime,
	// keyed by tool name.
	Routes     map[string]string `yaml:"routes"`
	ShellAllow []string          `yaml:"shell_allow"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Load reads, env-expands, and parses the configuration file, then applies
// defaults and process-environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults with
// environment overrides applied. Deployments that configure everything
// through the process environment need no file at all.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	cfg = Default()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no file
// read, used by tests and by first-run setup.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Hub.Host == "" {
		cfg.Hub.Host = "0.0.0.0"
	}
	if cfg.Hub.Port == 0 {
		cfg.Hub.Port = 8700
	}
	if cfg.Hub.HeartbeatInterval == 0 {
		cfg.Hub.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Hub.HeartbeatTimeout == 0 {
		cfg.Hub.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.Hub.MethodRatePerMin == 0 {
		cfg.Hub.MethodRatePerMin = 120
	}

	if cfg.Agent.Role == "" {
		cfg.Agent.Role = models.RoleDev
	}
	if cfg.Agent.HeartbeatInterval == 0 {
		cfg.Agent.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = "claude-sonnet-4-5"
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.MaxTaskTokens == 0 {
		cfg.Agent.MaxTaskTokens = 200000
	}
	if cfg.Agent.MaxWallTime == 0 {
		cfg.Agent.MaxWallTime = 30 * time.Minute
	}

	if cfg.Bus.URL == "" {
		cfg.Bus.URL = "nats://127.0.0.1:4222"
	}
	if cfg.Bus.RequestTimeout == 0 {
		cfg.Bus.RequestTimeout = 5 * time.Second
	}

	if cfg.KV.URL == "" {
		cfg.KV.URL = "redis://127.0.0.1:6379/0"
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/mnt/jarvis"
	}

	if cfg.LLM.CacheTTL == 0 {
		cfg.LLM.CacheTTL = time.Hour
	}

	if cfg.Tools.RatePerMin == 0 {
		cfg.Tools.RatePerMin = 60
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
}

// applyEnv applies the process-environment contract. Environment values win
// over file values so unit files can override a shared config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Hub.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Hub.Port = p
		}
	}
	if v := os.Getenv("AUTH_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("JARVIS_NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("JARVIS_REDIS_URL"); v != "" {
		cfg.KV.URL = v
	}
	if v := os.Getenv("JARVIS_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("JARVIS_AGENT_ID"); v != "" {
		cfg.Agent.ID = v
	}
	if v := os.Getenv("JARVIS_AGENT_ROLE"); v != "" {
		cfg.Agent.Role = models.AgentRole(v)
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Agent.Role != "" && !models.ValidRole(c.Agent.Role) {
		return fmt.Errorf("unknown agent role %q", c.Agent.Role)
	}
	if c.Hub.Port < 0 || c.Hub.Port > 65535 {
		return fmt.Errorf("hub port %d out of range", c.Hub.Port)
	}
	if c.Hub.HeartbeatTimeout < c.Hub.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout %s below interval %s",
			c.Hub.HeartbeatTimeout, c.Hub.HeartbeatInterval)
	}
	return nil
}
