// Package config handles Funnair configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names a config file when -config is not given.
const EnvConfigPath = "FUNNAIR_CONFIG"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config or FUNNAIR_CONFIG) is checked first.
// Then: ./config.yaml, ~/.config/funnair/config.yaml, /etc/funnair/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "funnair", "config.yaml"))
	}

	paths = append(paths, "/etc/funnair/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise FUNNAIR_CONFIG is tried, then DefaultSearchPaths. It returns
// an empty path and no error when nothing was found; the caller then runs
// on Default.
func FindConfig(explicit string) (string, error) {
	if explicit == "" {
		explicit = os.Getenv(EnvConfigPath)
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// LoadDotEnv loads KEY=VALUE pairs from .env files into the process
// environment without overriding variables that are already set. A
// missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Config holds all Funnair configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	LLM          LLMConfig          `yaml:"llm"`
	Agent        AgentConfig        `yaml:"agent"`
	Conversation ConversationConfig `yaml:"conversation"`
	Broker       BrokerConfig       `yaml:"broker"`
	Booking      BookingConfig      `yaml:"booking"`
	MCP          MCPConfig          `yaml:"mcp"`
	Terms        TermsConfig        `yaml:"terms"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Tracing      TracingConfig      `yaml:"tracing"`
	LogLevel     string             `yaml:"log_level"`
	// LogFormat is "text" (default) or "json".
	LogFormat string `yaml:"log_format"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the API server binds to.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// LLMConfig selects the completion provider and model.
type LLMConfig struct {
	// Provider is ollama, anthropic or openai.
	Provider  string       `yaml:"provider"`
	Model     string       `yaml:"model"`
	OllamaURL string       `yaml:"ollama_url"`
	Anthropic APIKeyConfig `yaml:"anthropic"`
	OpenAI    APIKeyConfig `yaml:"openai"`
}

// APIKeyConfig holds credentials for a hosted provider. BaseURL is
// optional and targets compatible gateways.
type APIKeyConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// AgentConfig bounds the completion loop.
type AgentConfig struct {
	MaxToolRounds    int           `yaml:"max_tool_rounds"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	ProviderTimeout  time.Duration `yaml:"provider_timeout"`
	ParallelTools    bool          `yaml:"parallel_tools"`
	MaxParallelTools int           `yaml:"max_parallel_tools"`
}

// ConversationConfig sizes conversation memory.
type ConversationConfig struct {
	// SystemPrompt replaces the built-in prompt when set. The token
	// {current_date} is substituted per session.
	SystemPrompt string `yaml:"system_prompt"`
	MaxMessages  int    `yaml:"max_messages"`
	MaxSessions  int    `yaml:"max_sessions"`
}

// BrokerConfig controls pending requests.
type BrokerConfig struct {
	RequestTTL    time.Duration `yaml:"request_ttl"`
	SeatTimeout   time.Duration `yaml:"seat_timeout"`
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// BookingConfig configures the booking store and its change policy.
type BookingConfig struct {
	DBPath       string        `yaml:"db_path"`
	ChangeWindow time.Duration `yaml:"change_window"`
	CancelWindow time.Duration `yaml:"cancel_window"`
	// Seed fills an empty store with the demo bookings.
	Seed bool `yaml:"seed"`
}

// MCPConfig lists MCP servers to consume and whether to expose the
// local tools as an MCP server.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
	// Serve mounts the MCP endpoint at /mcp on the API server.
	Serve bool `yaml:"serve"`
}

// MCPServerConfig describes one MCP server. Transport is "stdio" (run
// Command) or "http" (POST to URL).
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       []string          `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
}

// TermsConfig controls the searchable terms of service.
type TermsConfig struct {
	// Path replaces the built-in terms with a markdown file.
	Path string `yaml:"path"`
	// Embedder is ollama, openai or none. With none, search ranks by
	// keyword overlap. The openai embedder uses llm.openai credentials.
	Embedder       string `yaml:"embedder"`
	EmbeddingModel string `yaml:"embedding_model"`
	TopK           int    `yaml:"top_k"`
	MaxChunkTokens int    `yaml:"max_chunk_tokens"`
}

// MQTTConfig enables forwarding of bus events to an MQTT broker.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether MQTT forwarding is enabled.
func (m MQTTConfig) Configured() bool { return m.Broker != "" }

// TracingConfig enables OpenTelemetry tracing to stdout.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment, then applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable
// for running against a local Ollama without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Booking.Seed = true
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "ollama"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "qwen3:4b"
	}
	if c.LLM.OllamaURL == "" {
		c.LLM.OllamaURL = "http://localhost:11434"
	}
	if c.Agent.MaxToolRounds == 0 {
		c.Agent.MaxToolRounds = 5
	}
	if c.Agent.ToolTimeout == 0 {
		c.Agent.ToolTimeout = 2 * time.Minute
	}
	if c.Agent.ProviderTimeout == 0 {
		c.Agent.ProviderTimeout = 60 * time.Second
	}
	if c.Agent.MaxParallelTools == 0 {
		c.Agent.MaxParallelTools = 4
	}
	if c.Conversation.MaxMessages == 0 {
		c.Conversation.MaxMessages = 100
	}
	if c.Conversation.MaxSessions == 0 {
		c.Conversation.MaxSessions = 1000
	}
	if c.Broker.SeatTimeout == 0 {
		c.Broker.SeatTimeout = 90 * time.Second
	}
	if c.Broker.RequestTTL == 0 {
		c.Broker.RequestTTL = 2 * time.Minute
	}
	if c.Broker.Retention == 0 {
		c.Broker.Retention = 10 * time.Minute
	}
	if c.Broker.SweepInterval == 0 {
		c.Broker.SweepInterval = 30 * time.Second
	}
	if c.Booking.DBPath == "" {
		c.Booking.DBPath = "funnair.db"
	}
	if c.Booking.ChangeWindow == 0 {
		c.Booking.ChangeWindow = 24 * time.Hour
	}
	if c.Booking.CancelWindow == 0 {
		c.Booking.CancelWindow = 48 * time.Hour
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Transport == "" {
			c.MCP.Servers[i].Transport = "stdio"
		}
	}
	if c.Terms.Embedder == "" {
		c.Terms.Embedder = "ollama"
	}
	if c.Terms.EmbeddingModel == "" {
		switch c.Terms.Embedder {
		case "ollama":
			c.Terms.EmbeddingModel = "nomic-embed-text"
		case "openai":
			c.Terms.EmbeddingModel = "text-embedding-3-small"
		}
	}
	if c.Terms.TopK == 0 {
		c.Terms.TopK = 3
	}
	if c.Terms.MaxChunkTokens == 0 {
		c.Terms.MaxChunkTokens = 200
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "funnair"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "funnair"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "funnair"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for values that cannot work. All
// problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	switch c.LLM.Provider {
	case "ollama":
	case "anthropic":
		if c.LLM.Anthropic.APIKey == "" {
			errs = append(errs, errors.New("llm.anthropic.api_key is required for the anthropic provider"))
		}
	case "openai":
		if c.LLM.OpenAI.APIKey == "" && c.LLM.OpenAI.BaseURL == "" {
			errs = append(errs, errors.New("llm.openai.api_key or base_url is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q unknown (valid: ollama, anthropic, openai)", c.LLM.Provider))
	}
	if c.Agent.MaxToolRounds < 1 {
		errs = append(errs, errors.New("agent.max_tool_rounds must be at least 1"))
	}
	if c.Agent.MaxParallelTools < 1 {
		errs = append(errs, errors.New("agent.max_parallel_tools must be at least 1"))
	}
	if c.Conversation.MaxMessages < 2 {
		errs = append(errs, errors.New("conversation.max_messages must be at least 2"))
	}
	if c.Broker.SeatTimeout >= c.Agent.ToolTimeout {
		errs = append(errs, fmt.Errorf("broker.seat_timeout (%s) must be shorter than agent.tool_timeout (%s)",
			c.Broker.SeatTimeout, c.Agent.ToolTimeout))
	}
	if c.Broker.RequestTTL < c.Broker.SeatTimeout {
		errs = append(errs, fmt.Errorf("broker.request_ttl (%s) must not be shorter than broker.seat_timeout (%s)",
			c.Broker.RequestTTL, c.Broker.SeatTimeout))
	}
	if c.Booking.ChangeWindow < 0 || c.Booking.CancelWindow < 0 {
		errs = append(errs, errors.New("booking windows must not be negative"))
	}

	seen := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name is required", i))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("mcp.servers[%d]: command is required for stdio", i))
			}
		case "http":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("mcp.servers[%d]: url is required for http", i))
			}
		default:
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: transport %q unknown (valid: stdio, http)", i, s.Transport))
		}
	}

	switch c.Terms.Embedder {
	case "ollama", "none":
	case "openai":
		if c.LLM.OpenAI.APIKey == "" && c.LLM.OpenAI.BaseURL == "" {
			errs = append(errs, errors.New("llm.openai.api_key or base_url is required for the openai terms embedder"))
		}
	default:
		errs = append(errs, fmt.Errorf("terms.embedder %q unknown (valid: ollama, openai, none)", c.Terms.Embedder))
	}
	if c.Terms.TopK < 1 {
		errs = append(errs, errors.New("terms.top_k must be at least 1"))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains([]string{"text", "json"}, strings.ToLower(c.LogFormat)) {
		errs = append(errs, fmt.Errorf("log_format %q unknown (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
