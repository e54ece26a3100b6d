package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/taskforge/internal/provider"
)

// Defaults applied to zero values after parsing.
const (
	DefaultPort               = 8080
	DefaultLogLevel           = "info"
	DefaultExecutorTimeout    = 300
	DefaultStepTimeout        = 60
	DefaultOracleTimeout      = 120
	DefaultMemoryMaxTokens    = 8000
	DefaultMemoryThreshold    = 0.85
	DefaultMemoryTargetRatio  = 0.5
	DefaultMCPTimeout         = 30
	DefaultRedisStream        = "taskforge:events"
	DefaultTiktokenEncoding   = "cl100k_base"
	DefaultCapabilityWorkRoot = "."
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Providers    []ProviderConfig   `json:"providers"`
	Oracle       OracleConfig       `json:"oracle"`
	Executor     ExecutorConfig     `json:"executor"`
	Memory       MemoryConfig       `json:"memory"`
	Capabilities CapabilitiesConfig `json:"capabilities"`
	MCP          MCPConfig          `json:"mcp"`
	Database     DatabaseConfig     `json:"database"`
	Notify       NotifyConfig       `json:"notify"`
}

type ServerConfig struct {
	Port      int    `json:"port"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // "console" (default) or "json"
}

type ProviderConfig struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"` // openai, anthropic, langchain
	Name           string            `json:"name"`
	Endpoint       string            `json:"endpoint"`
	APIKey         string            `json:"api_key"`
	Models         []string          `json:"models,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// Provider converts the entry into the provider package's config.
func (p ProviderConfig) Provider() provider.ProviderConfig {
	return provider.ProviderConfig{
		ID:       p.ID,
		Type:     p.Type,
		Name:     p.Name,
		Endpoint: p.Endpoint,
		APIKey:   p.APIKey,
		Models:   p.Models,
		Extra:    p.Extra,
		Timeout:  time.Duration(p.TimeoutSeconds) * time.Second,
	}
}

// OracleConfig chooses which providers answer which oracle purposes.
type OracleConfig struct {
	Default        string            `json:"default"`   // provider id; first provider when empty
	Model          string            `json:"model"`     // empty: provider's first model
	Routes         map[string]string `json:"routes"`    // purpose (plan, reason, condense) -> provider id
	Fallbacks      []string          `json:"fallbacks"` // tried in order after the routed provider
	TimeoutSeconds int               `json:"timeout_seconds"`
	MaxTokens      int               `json:"max_tokens"`
}

func (o OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

type ExecutorConfig struct {
	TimeoutSeconds     int `json:"timeout_seconds"`
	StepTimeoutSeconds int `json:"step_timeout_seconds"`
}

func (e ExecutorConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

func (e ExecutorConfig) StepTimeout() time.Duration {
	return time.Duration(e.StepTimeoutSeconds) * time.Second
}

type MemoryConfig struct {
	MaxTokens   int     `json:"max_tokens"`
	Threshold   float64 `json:"threshold"`
	TargetRatio float64 `json:"target_ratio"`
	Tokenizer   string  `json:"tokenizer"` // "heuristic" (default) or "tiktoken"
	Encoding    string  `json:"encoding"`
}

type CapabilitiesConfig struct {
	Workspace       string `json:"workspace"`
	DisableBuiltins bool   `json:"disable_builtins"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers"`
}

type MCPServerConfig struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	Description    string `json:"description"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (m MCPServerConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	SQLite   SQLiteConfig   `json:"sqlite"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

type NotifyConfig struct {
	Slack   SlackConfig   `json:"slack"`
	Discord DiscordConfig `json:"discord"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
	APIURL   string `json:"api_url,omitempty"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no
// providers or backends.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = DefaultLogLevel
	}
	if c.Oracle.TimeoutSeconds <= 0 {
		c.Oracle.TimeoutSeconds = DefaultOracleTimeout
	}
	if c.Oracle.Default == "" && len(c.Providers) > 0 {
		c.Oracle.Default = c.Providers[0].ID
	}
	if c.Executor.TimeoutSeconds <= 0 {
		c.Executor.TimeoutSeconds = DefaultExecutorTimeout
	}
	if c.Executor.StepTimeoutSeconds <= 0 {
		c.Executor.StepTimeoutSeconds = DefaultStepTimeout
	}
	if c.Memory.MaxTokens < 0 {
		c.Memory.MaxTokens = 0
	} else if c.Memory.MaxTokens == 0 {
		c.Memory.MaxTokens = DefaultMemoryMaxTokens
	}
	if c.Memory.Threshold <= 0 || c.Memory.Threshold > 1 {
		c.Memory.Threshold = DefaultMemoryThreshold
	}
	if c.Memory.TargetRatio <= 0 || c.Memory.TargetRatio >= 1 {
		c.Memory.TargetRatio = DefaultMemoryTargetRatio
	}
	if c.Memory.Tokenizer == "" {
		c.Memory.Tokenizer = "heuristic"
	}
	if c.Memory.Encoding == "" {
		c.Memory.Encoding = DefaultTiktokenEncoding
	}
	if c.Capabilities.Workspace == "" {
		c.Capabilities.Workspace = DefaultCapabilityWorkRoot
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].TimeoutSeconds <= 0 {
			c.MCP.Servers[i].TimeoutSeconds = DefaultMCPTimeout
		}
	}
	if c.Database.Redis.Stream == "" {
		c.Database.Redis.Stream = DefaultRedisStream
	}
}

// Validate checks references between sections.
func (c *Config) Validate() error {
	ids := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if ids[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		ids[p.ID] = true
		switch p.Type {
		case "openai", "anthropic", "langchain":
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
		}
	}
	check := func(field, id string) error {
		if id != "" && !ids[id] {
			return fmt.Errorf("%s: unknown provider %q", field, id)
		}
		return nil
	}
	if err := check("oracle.default", c.Oracle.Default); err != nil {
		return err
	}
	for purpose, id := range c.Oracle.Routes {
		if err := check("oracle.routes."+purpose, id); err != nil {
			return err
		}
	}
	for _, id := range c.Oracle.Fallbacks {
		if err := check("oracle.fallbacks", id); err != nil {
			return err
		}
	}
	for i, s := range c.MCP.Servers {
		if s.Name == "" || s.URL == "" {
			return fmt.Errorf("mcp.servers[%d]: name and url are required", i)
		}
	}
	switch c.Memory.Tokenizer {
	case "heuristic", "tiktoken":
	default:
		return fmt.Errorf("memory.tokenizer: unknown tokenizer %q", c.Memory.Tokenizer)
	}
	return nil
}
