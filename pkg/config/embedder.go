package config

import (
	"fmt"
	"time"
)

// EmbedderConfig configures the embedding provider backing semantic memory.
type EmbedderConfig struct {
	// Type is the provider type: "ollama" or "openai".
	// Default: ollama
	Type string `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Embedder Type,description=Embedding provider type,enum=ollama,enum=openai,default=ollama"`

	// Model is the embedding model identifier.
	// Default: nomic-embed-text (ollama), text-embedding-3-small (openai)
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Embedding model identifier"`

	// Host is the API base URL.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=API base URL"`

	// APIKey authenticates with the provider. Not needed for Ollama.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=Provider API key"`

	// Dimension is the embedding vector dimension. Must match the model.
	// Default: 768
	Dimension int `yaml:"dimension,omitempty" json:"dimension,omitempty" jsonschema:"title=Dimension,description=Embedding vector dimension,minimum=1,default=768"`

	// Timeout bounds a single embedding request.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Request timeout"`

	// MaxRetries is how many times a failed request is retried with
	// exponential backoff before the embedding service is disabled.
	// Default: 3
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"title=Max Retries,description=Retry attempts before giving up,minimum=0,default=3"`
}

// SetDefaults applies default values to the embedder config.
func (c *EmbedderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "ollama"
	}

	if c.Model == "" {
		switch c.Type {
		case "openai":
			c.Model = "text-embedding-3-small"
		default:
			c.Model = "nomic-embed-text"
		}
	}

	if c.Host == "" {
		switch c.Type {
		case "openai":
			c.Host = "https://api.openai.com/v1"
		default:
			c.Host = "http://localhost:11434"
		}
	}

	if c.APIKey == "" {
		c.APIKey = GetProviderAPIKey(c.Type)
	}

	if c.Dimension == 0 {
		switch {
		case c.Type == "openai" && c.Model == "text-embedding-3-small":
			c.Dimension = 1536
		default:
			c.Dimension = 768
		}
	}

	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}

	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the embedder config for errors.
func (c *EmbedderConfig) Validate() error {
	validTypes := map[string]bool{
		"ollama": true,
		"openai": true,
	}
	if !validTypes[c.Type] {
		return fmt.Errorf("invalid type %q (valid: ollama, openai)", c.Type)
	}

	if c.Model == "" {
		return fmt.Errorf("model is required")
	}

	if c.APIKey == "" && c.Type == "openai" {
		return fmt.Errorf("api_key is required for openai (set it in config or via OPENAI_API_KEY)")
	}

	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}

	return nil
}
