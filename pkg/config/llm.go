// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"time"
)

// LLMProviderConfig configures a single LLM provider.
//
// When Type is empty it is detected from the environment: the first of
// ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY/GOOGLE_API_KEY decides
// the provider; with none set, Ollama is assumed.
type LLMProviderConfig struct {
	// Type is the provider type: "openai", "anthropic", "gemini", or "ollama".
	Type string `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Provider Type,description=LLM provider type,enum=openai,enum=anthropic,enum=gemini,enum=ollama"`

	// Model is the model identifier.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Model identifier"`

	// APIKey authenticates with the provider. Falls back to the provider's
	// conventional environment variable when empty. Not needed for Ollama.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=Provider API key"`

	// Host is the API base URL. Defaults per provider.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=API base URL"`

	// Temperature controls sampling randomness (0-2). Provider default when nil.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,description=Sampling temperature,minimum=0,maximum=2"`

	// MaxTokens caps the response length.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,description=Maximum response tokens"`

	// Timeout bounds a single request.
	// Default: 120s
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Request timeout"`

	// InsecureSkipVerify disables TLS certificate verification. Only for
	// self-hosted gateways with self-signed certificates.
	InsecureSkipVerify *bool `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty" jsonschema:"title=Insecure Skip Verify,description=Disable TLS certificate verification"`

	// CACertificate is a path to a PEM CA bundle for private endpoints.
	CACertificate string `yaml:"ca_certificate,omitempty" json:"ca_certificate,omitempty" jsonschema:"title=CA Certificate,description=Path to a PEM CA bundle"`
}

// detectProviderFromEnv picks a provider type based on which API keys are set.
func detectProviderFromEnv() string {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return "anthropic"
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return "openai"
	}
	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		return "gemini"
	}
	return "ollama"
}

// SetDefaults applies default values to the LLM provider config.
func (c *LLMProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = detectProviderFromEnv()
	}

	if c.Model == "" {
		switch c.Type {
		case "anthropic":
			c.Model = "claude-sonnet-4-20250514"
		case "openai":
			c.Model = "gpt-4o"
		case "gemini":
			c.Model = "gemini-2.0-flash"
		case "ollama":
			c.Model = "llama3.2"
		}
	}

	if c.Host == "" {
		switch c.Type {
		case "anthropic":
			c.Host = "https://api.anthropic.com"
		case "openai":
			c.Host = "https://api.openai.com/v1"
		case "ollama":
			c.Host = "http://localhost:11434"
		}
	}

	if c.APIKey == "" {
		c.APIKey = GetProviderAPIKey(c.Type)
	}

	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}

	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
}

// Validate checks the LLM provider config for errors.
func (c *LLMProviderConfig) Validate() error {
	validTypes := map[string]bool{
		"openai":    true,
		"anthropic": true,
		"gemini":    true,
		"ollama":    true,
	}
	if !validTypes[c.Type] {
		return fmt.Errorf("invalid type %q (valid: openai, anthropic, gemini, ollama)", c.Type)
	}

	if c.Model == "" {
		return fmt.Errorf("model is required")
	}

	// Ollama runs locally and needs no API key
	if c.APIKey == "" && c.Type != "ollama" {
		return fmt.Errorf("api_key is required for %s (set it in config or via %s)",
			c.Type, apiKeyEnvName(c.Type))
	}

	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", *c.Temperature)
	}

	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}

	return nil
}

// apiKeyEnvName returns the conventional environment variable for a provider.
func apiKeyEnvName(providerType string) string {
	switch providerType {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}
