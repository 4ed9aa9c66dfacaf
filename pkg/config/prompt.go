package config

import (
	"fmt"
	"time"
)

// PromptConfig configures system prompt assembly from an ordered set of
// providers.
type PromptConfig struct {
	// Providers are the prompt content sources, resolved in descending
	// priority order.
	Providers []PromptProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty"`

	// MaxGenerationTime bounds total prompt generation across all providers.
	// Default: 5s
	MaxGenerationTime time.Duration `yaml:"max_generation_time,omitempty" json:"max_generation_time,omitempty" jsonschema:"title=Max Generation Time,description=Total deadline for prompt generation"`

	// ContentSeparator joins provider outputs.
	// Default: "\n\n"
	ContentSeparator string `yaml:"content_separator,omitempty" json:"content_separator,omitempty" jsonschema:"title=Content Separator,description=String joining provider outputs"`

	// FailOnProviderError aborts generation when any provider fails.
	// Default: false (failures are recorded per provider and skipped)
	FailOnProviderError bool `yaml:"fail_on_provider_error,omitempty" json:"fail_on_provider_error,omitempty" jsonschema:"title=Fail On Provider Error,description=Abort generation when any provider fails,default=false"`
}

// PromptProviderConfig configures a single prompt content source.
type PromptProviderConfig struct {
	// ID uniquely identifies the provider within the prompt config.
	ID string `yaml:"id" json:"id" jsonschema:"title=ID,description=Unique provider identifier"`

	// Type is the provider type: "static", "dynamic", or "file".
	Type string `yaml:"type" json:"type" jsonschema:"title=Type,description=Provider type,enum=static,enum=dynamic,enum=file"`

	// Priority orders providers; higher priority content comes first.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty" jsonschema:"title=Priority,description=Higher priority content comes first"`

	// Enabled toggles the provider.
	// Default: true
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Whether the provider participates,default=true"`

	// Content is the prompt text (static providers).
	Content string `yaml:"content,omitempty" json:"content,omitempty" jsonschema:"title=Content,description=Prompt text for static providers"`

	// Variables substitute {{name}} placeholders in static and file content.
	Variables map[string]string `yaml:"variables,omitempty" json:"variables,omitempty" jsonschema:"title=Variables,description=Placeholder substitutions"`

	// Path is the prompt file location (file providers).
	Path string `yaml:"path,omitempty" json:"path,omitempty" jsonschema:"title=Path,description=Prompt file path for file providers"`

	// WatchForChanges re-reads the file when it changes (file providers).
	// Default: false
	WatchForChanges bool `yaml:"watch_for_changes,omitempty" json:"watch_for_changes,omitempty" jsonschema:"title=Watch For Changes,description=Re-read the prompt file on change,default=false"`

	// Generator names a registered generator (dynamic providers):
	// timestamp, session-context, memory-context, environment, conditional.
	Generator string `yaml:"generator,omitempty" json:"generator,omitempty" jsonschema:"title=Generator,description=Registered generator name for dynamic providers"`

	// GeneratorConfig carries generator-specific options.
	GeneratorConfig map[string]any `yaml:"generator_config,omitempty" json:"generator_config,omitempty" jsonschema:"title=Generator Config,description=Generator-specific options"`

	// Template wraps generator output; {{output}} is replaced with it.
	Template string `yaml:"template,omitempty" json:"template,omitempty" jsonschema:"title=Template,description=Template wrapping generator output"`
}

// IsEnabled returns whether the provider participates in generation.
func (p *PromptProviderConfig) IsEnabled() bool {
	return BoolValue(p.Enabled, true)
}

// SetDefaults applies default values to PromptConfig.
func (c *PromptConfig) SetDefaults() {
	if c.MaxGenerationTime == 0 {
		c.MaxGenerationTime = 5 * time.Second
	}
	if c.ContentSeparator == "" {
		c.ContentSeparator = "\n\n"
	}
}

// Validate checks the prompt configuration.
func (c *PromptConfig) Validate() error {
	if c.MaxGenerationTime < 0 {
		return fmt.Errorf("max_generation_time must be non-negative")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if err := p.validate(); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
	}

	return nil
}

func (p *PromptProviderConfig) validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}

	switch p.Type {
	case "static":
		if p.Content == "" {
			return fmt.Errorf("content is required for static provider %q", p.ID)
		}
	case "dynamic":
		if p.Generator == "" {
			return fmt.Errorf("generator is required for dynamic provider %q", p.ID)
		}
	case "file":
		if p.Path == "" {
			return fmt.Errorf("path is required for file provider %q", p.ID)
		}
	default:
		return fmt.Errorf("invalid type %q (valid: static, dynamic, file)", p.Type)
	}

	return nil
}
