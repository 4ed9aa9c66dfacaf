package llm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/registry"
)

// New creates a provider from config based on its type.
func New(cfg *config.LLMProviderConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config cannot be nil")
	}

	switch cfg.Type {
	case "openai":
		return NewOpenAI(cfg)
	case "anthropic":
		return NewAnthropic(cfg)
	case "gemini":
		return NewGemini(cfg)
	case "ollama":
		return NewOllama(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM type: %s (supported: openai, anthropic, gemini, ollama)", cfg.Type)
	}
}

// Registry holds named LLM providers.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

// Create builds a provider from config and registers it under name.
func (r *Registry) Create(name string, cfg *config.LLMProviderConfig) (Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("llm name cannot be empty")
	}

	provider, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm provider: %w", err)
	}

	if err := r.Register(name, provider); err != nil {
		return nil, fmt.Errorf("failed to register llm: %w", err)
	}

	return provider, nil
}

// FromConfig builds a registry containing every configured provider.
func FromConfig(llms map[string]*config.LLMProviderConfig) (*Registry, error) {
	r := NewRegistry()
	for name, cfg := range llms {
		if _, err := r.Create(name, cfg); err != nil {
			return nil, fmt.Errorf("llm %q: %w", name, err)
		}
	}
	return r, nil
}

// GetProvider returns a registered provider by name.
func (r *Registry) GetProvider(name string) (Provider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("llm provider '%s' not found (registered: %s)",
			name, strings.Join(r.Names(), ", "))
	}
	return provider, nil
}

// Close closes every registered provider.
func (r *Registry) Close() error {
	var errs []error
	for _, provider := range r.List() {
		if err := provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
