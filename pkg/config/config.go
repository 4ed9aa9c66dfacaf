package config

import (
	"fmt"

	"github.com/kadirpekel/mnemo/pkg/observability"
)

// ProcessConfigPipeline runs the config pipeline on a decoded config:
// defaults first, then per-section validation, then cross-section
// reference checks.
func ProcessConfigPipeline(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ProcessConfigPipeline: config cannot be nil")
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ProcessConfigPipeline: validation failed: %w", err)
	}

	return cfg, nil
}

// Config is the root configuration tree.
type Config struct {
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`

	Logger LoggerConfig `yaml:"logger,omitempty"`

	Server ServerConfig `yaml:"server,omitempty"`

	// Storage configures the key-value backend all persistent state
	// (sessions, messages, counters) lives in.
	Storage StorageConfig `yaml:"storage,omitempty"`

	// LLMs holds named LLM provider configurations. The agent, the memory
	// engine, and the reflection engine reference entries by name.
	LLMs map[string]*LLMProviderConfig `yaml:"llms,omitempty"`

	// Embedder configures the embedding provider backing semantic memory.
	Embedder EmbedderConfig `yaml:"embedder,omitempty"`

	Agent AgentConfig `yaml:"agent,omitempty"`

	Session SessionConfig `yaml:"session,omitempty"`

	Tools ToolsConfig `yaml:"tools,omitempty"`

	Memory MemoryConfig `yaml:"memory,omitempty"`

	Reflection ReflectionConfig `yaml:"reflection,omitempty"`

	Observability *observability.Config `yaml:"observability,omitempty"`
}

// SetDefaults applies default values across the tree.
func (c *Config) SetDefaults() {
	c.Logger.SetDefaults()
	c.Server.SetDefaults()
	c.Storage.SetDefaults()

	if c.LLMs == nil {
		c.LLMs = make(map[string]*LLMProviderConfig)
	}
	if len(c.LLMs) == 0 {
		c.LLMs["default-llm"] = &LLMProviderConfig{}
	}
	for name := range c.LLMs {
		if c.LLMs[name] != nil {
			c.LLMs[name].SetDefaults()
		}
	}

	c.Embedder.SetDefaults()
	c.Agent.SetDefaults()
	c.Session.SetDefaults()
	c.Tools.SetDefaults()
	c.Memory.SetDefaults()
	c.Reflection.SetDefaults()

	if c.Observability != nil {
		c.Observability.SetDefaults()
	}

	// Wire default references so a minimal config still resolves.
	if c.Agent.LLM == "" {
		c.Agent.LLM = c.soleLLMName()
	}
	if c.Memory.LLM == "" {
		c.Memory.LLM = c.Agent.LLM
	}
	if c.Reflection.LLM == "" {
		c.Reflection.LLM = c.Agent.LLM
	}
}

// soleLLMName returns the only configured LLM name, or "default-llm".
func (c *Config) soleLLMName() string {
	if len(c.LLMs) == 1 {
		for name := range c.LLMs {
			return name
		}
	}
	if _, exists := c.LLMs["default-llm"]; exists {
		return "default-llm"
	}
	return ""
}

// Validate checks every section and the references between them.
func (c *Config) Validate() error {
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger validation failed: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage validation failed: %w", err)
	}

	for name, llm := range c.LLMs {
		if llm != nil {
			if err := llm.Validate(); err != nil {
				return fmt.Errorf("LLM '%s' validation failed: %w", name, err)
			}
		}
	}

	if err := c.Embedder.Validate(); err != nil {
		return fmt.Errorf("embedder validation failed: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent validation failed: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session validation failed: %w", err)
	}
	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("tools validation failed: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory validation failed: %w", err)
	}
	if err := c.Reflection.Validate(); err != nil {
		return fmt.Errorf("reflection validation failed: %w", err)
	}

	if c.Observability != nil {
		if err := c.Observability.Validate(); err != nil {
			return fmt.Errorf("observability validation failed: %w", err)
		}
	}

	if err := c.validateReferences(); err != nil {
		return fmt.Errorf("reference validation failed: %w", err)
	}

	return nil
}

func (c *Config) validateReferences() error {
	if c.Agent.LLM == "" {
		return fmt.Errorf("agent: llm is required when multiple llms are configured (available: %v)",
			mapKeys(c.LLMs))
	}
	if _, exists := c.LLMs[c.Agent.LLM]; !exists {
		return fmt.Errorf("agent: llm '%s' not found (available: %v)",
			c.Agent.LLM, mapKeys(c.LLMs))
	}

	if c.Memory.LLM != "" {
		if _, exists := c.LLMs[c.Memory.LLM]; !exists {
			return fmt.Errorf("memory: llm '%s' not found (available: %v)",
				c.Memory.LLM, mapKeys(c.LLMs))
		}
	}

	if c.Reflection.IsEnabled() && c.Reflection.LLM != "" {
		if _, exists := c.LLMs[c.Reflection.LLM]; !exists {
			return fmt.Errorf("reflection: llm '%s' not found (available: %v)",
				c.Reflection.LLM, mapKeys(c.LLMs))
		}
	}

	return nil
}

// GetLLM returns the named LLM provider config.
func (c *Config) GetLLM(name string) (*LLMProviderConfig, bool) {
	llm, exists := c.LLMs[name]
	return llm, exists
}

// ListLLMs returns all configured LLM names.
func (c *Config) ListLLMs() []string {
	names := make([]string, 0, len(c.LLMs))
	for name := range c.LLMs {
		names = append(names, name)
	}
	return names
}

func mapKeys[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
