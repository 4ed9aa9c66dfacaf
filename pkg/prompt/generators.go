package prompt

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/mnemo/pkg/registry"
)

// Generator produces prompt content on demand for dynamic providers.
type Generator interface {
	Name() string
	Generate(ctx context.Context, cfg map[string]any, pctx *Context) (string, error)
}

// GeneratorRegistry holds named generators. The built-ins are registered on
// construction; agents can add their own before building the manager.
type GeneratorRegistry struct {
	*registry.BaseRegistry[Generator]
}

func NewGeneratorRegistry() *GeneratorRegistry {
	r := &GeneratorRegistry{
		BaseRegistry: registry.NewBaseRegistry[Generator](),
	}

	for _, g := range []Generator{
		&TimestampGenerator{},
		&SessionContextGenerator{},
		&MemoryContextGenerator{},
		&EnvironmentGenerator{},
		&ConditionalGenerator{},
	} {
		_ = r.Register(g.Name(), g)
	}

	return r
}

// GetGenerator returns a registered generator by name.
func (r *GeneratorRegistry) GetGenerator(name string) (Generator, error) {
	generator, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("generator %q not registered (known: %s)",
			name, strings.Join(r.Names(), ", "))
	}
	return generator, nil
}

func decodeGeneratorConfig(cfg map[string]any, out any) error {
	if cfg == nil {
		return nil
	}
	if err := mapstructure.Decode(cfg, out); err != nil {
		return fmt.Errorf("invalid generator config: %w", err)
	}
	return nil
}

// TimestampGenerator emits the current time.
type TimestampGenerator struct {
	// now overrides the clock in tests.
	now func() time.Time
}

type timestampConfig struct {
	Format   string `mapstructure:"format"`
	Timezone string `mapstructure:"timezone"`
	Prefix   string `mapstructure:"prefix"`
}

func (g *TimestampGenerator) Name() string { return "timestamp" }

func (g *TimestampGenerator) Generate(_ context.Context, cfg map[string]any, _ *Context) (string, error) {
	options := timestampConfig{
		Format: time.RFC1123,
		Prefix: "Current time: ",
	}
	if err := decodeGeneratorConfig(cfg, &options); err != nil {
		return "", err
	}

	now := time.Now()
	if g.now != nil {
		now = g.now()
	}

	if options.Timezone != "" {
		location, err := time.LoadLocation(options.Timezone)
		if err != nil {
			return "", fmt.Errorf("invalid timezone %q: %w", options.Timezone, err)
		}
		now = now.In(location)
	}

	return options.Prefix + now.Format(options.Format), nil
}

// SessionContextGenerator describes the running session.
type SessionContextGenerator struct{}

func (g *SessionContextGenerator) Name() string { return "session-context" }

func (g *SessionContextGenerator) Generate(_ context.Context, _ map[string]any, pctx *Context) (string, error) {
	if pctx == nil {
		return "", nil
	}

	var lines []string
	if pctx.SessionID != "" {
		lines = append(lines, "Session ID: "+pctx.SessionID)
	}
	if pctx.UserID != "" {
		lines = append(lines, "User: "+pctx.UserID)
	}
	if pctx.MessageCount > 0 {
		lines = append(lines, fmt.Sprintf("Messages in conversation: %d", pctx.MessageCount))
	}

	return strings.Join(lines, "\n"), nil
}

// MemoryContextGenerator lists the memories recalled for this turn.
type MemoryContextGenerator struct{}

type memoryContextConfig struct {
	Header      string `mapstructure:"header"`
	MaxMemories int    `mapstructure:"max_memories"`
}

func (g *MemoryContextGenerator) Name() string { return "memory-context" }

func (g *MemoryContextGenerator) Generate(_ context.Context, cfg map[string]any, pctx *Context) (string, error) {
	options := memoryContextConfig{Header: "Relevant memories:"}
	if err := decodeGeneratorConfig(cfg, &options); err != nil {
		return "", err
	}

	if pctx == nil || len(pctx.Memories) == 0 {
		return "", nil
	}

	memories := pctx.Memories
	if options.MaxMemories > 0 && len(memories) > options.MaxMemories {
		memories = memories[:options.MaxMemories]
	}

	var b strings.Builder
	b.WriteString(options.Header)
	for _, memory := range memories {
		b.WriteString("\n- ")
		b.WriteString(memory)
	}
	return b.String(), nil
}

// EnvironmentGenerator exposes a fixed allowlist of environment variables.
type EnvironmentGenerator struct{}

type environmentConfig struct {
	Vars   []string `mapstructure:"vars"`
	Prefix string   `mapstructure:"prefix"`
}

func (g *EnvironmentGenerator) Name() string { return "environment" }

func (g *EnvironmentGenerator) Generate(_ context.Context, cfg map[string]any, _ *Context) (string, error) {
	var options environmentConfig
	if err := decodeGeneratorConfig(cfg, &options); err != nil {
		return "", err
	}
	if len(options.Vars) == 0 {
		return "", fmt.Errorf("environment generator requires vars")
	}

	var lines []string
	for _, name := range options.Vars {
		if value, ok := os.LookupEnv(name); ok {
			lines = append(lines, options.Prefix+name+"="+value)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// ConditionalGenerator emits content based on a prompt-context value.
type ConditionalGenerator struct{}

type conditionalConfig struct {
	Key     string `mapstructure:"key"`
	Equals  any    `mapstructure:"equals"`
	Content string `mapstructure:"content"`
	Else    string `mapstructure:"else"`
}

func (g *ConditionalGenerator) Name() string { return "conditional" }

func (g *ConditionalGenerator) Generate(_ context.Context, cfg map[string]any, pctx *Context) (string, error) {
	var options conditionalConfig
	if err := decodeGeneratorConfig(cfg, &options); err != nil {
		return "", err
	}
	if options.Key == "" {
		return "", fmt.Errorf("conditional generator requires key")
	}

	var value any
	if pctx != nil && pctx.Values != nil {
		value = pctx.Values[options.Key]
	}

	if conditionHolds(value, options.Equals) {
		return options.Content, nil
	}
	return options.Else, nil
}

// conditionHolds compares by rendered value when an expected value is given,
// otherwise checks truthy presence.
func conditionHolds(value, expected any) bool {
	if expected != nil {
		if value == nil {
			return false
		}
		return fmt.Sprintf("%v", value) == fmt.Sprintf("%v", expected)
	}

	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	default:
		return true
	}
}
