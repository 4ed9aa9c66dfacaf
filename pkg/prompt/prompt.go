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

// Package prompt assembles the system prompt from an ordered set of
// providers. Static text, prompt files and registered generators are layered
// by priority; each generation reports per-provider outcomes so a broken
// source degrades the prompt instead of the whole turn.
package prompt

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/fault"
)

// Context carries the per-turn state providers may draw on.
type Context struct {
	SessionID string
	UserID    string

	// MessageCount is the number of messages in the conversation so far.
	MessageCount int

	// Memories are relevant memory summaries, most similar first.
	Memories []string

	// Values holds extra keys for the conditional generator and custom
	// generators.
	Values map[string]any
}

// Provider contributes one layer of the system prompt.
type Provider interface {
	ID() string
	Priority() int
	Enabled() bool
	Content(ctx context.Context, pctx *Context) (string, error)
}

// ProviderResult records one provider's outcome within a generation.
type ProviderResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of one prompt generation.
type Result struct {
	Content         string           `json:"content"`
	ProviderResults []ProviderResult `json:"provider_results"`
	GenerationTime  time.Duration    `json:"generation_time"`
}

// Manager resolves providers in descending priority and joins their output.
// The provider list is copy-on-write: Generate works on an immutable
// snapshot, updates swap the slice under the write lock.
type Manager struct {
	mu        sync.RWMutex
	providers []Provider

	maxGenerationTime   time.Duration
	contentSeparator    string
	failOnProviderError bool

	closers []interface{ Close() error }
}

// NewManager builds a manager from config. Generators for dynamic providers
// are looked up in the given registry.
func NewManager(cfg *config.PromptConfig, generators *GeneratorRegistry) (*Manager, error) {
	if cfg == nil {
		cfg = &config.PromptConfig{}
		cfg.SetDefaults()
	}
	if generators == nil {
		generators = NewGeneratorRegistry()
	}

	m := &Manager{
		maxGenerationTime:   cfg.MaxGenerationTime,
		contentSeparator:    cfg.ContentSeparator,
		failOnProviderError: cfg.FailOnProviderError,
	}

	for i := range cfg.Providers {
		provider, err := buildProvider(&cfg.Providers[i], generators)
		if err != nil {
			return nil, fault.Wrap(fault.Validation, "prompt.new", "invalid prompt provider", err)
		}
		m.providers = append(m.providers, provider)
		if closer, ok := provider.(interface{ Close() error }); ok {
			m.closers = append(m.closers, closer)
		}
	}
	sortProviders(m.providers)

	return m, nil
}

func buildProvider(cfg *config.PromptProviderConfig, generators *GeneratorRegistry) (Provider, error) {
	switch cfg.Type {
	case "static":
		return NewStaticProvider(cfg.ID, cfg.Priority, cfg.IsEnabled(), cfg.Content, cfg.Variables), nil
	case "dynamic":
		generator, err := generators.GetGenerator(cfg.Generator)
		if err != nil {
			return nil, err
		}
		return NewDynamicProvider(cfg.ID, cfg.Priority, cfg.IsEnabled(), generator, cfg.GeneratorConfig, cfg.Template), nil
	case "file":
		return NewFileProvider(cfg.ID, cfg.Priority, cfg.IsEnabled(), cfg.Path, cfg.Variables, cfg.WatchForChanges)
	default:
		return nil, fault.New(fault.Validation, "prompt.new", "unsupported provider type: %s", cfg.Type)
	}
}

// sortProviders orders by priority descending; equal priorities keep their
// configured order.
func sortProviders(providers []Provider) {
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Priority() > providers[j].Priority()
	})
}

// snapshot returns the current provider slice for lock-free iteration.
func (m *Manager) snapshot() []Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.providers
}

// Generate resolves all enabled providers within the configured deadline.
// A failing provider is skipped and recorded unless FailOnProviderError is
// set, in which case the whole generation aborts.
func (m *Manager) Generate(ctx context.Context, pctx *Context) (*Result, error) {
	start := time.Now()

	if m.maxGenerationTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.maxGenerationTime)
		defer cancel()
	}

	providers := m.snapshot()

	var parts []string
	results := make([]ProviderResult, 0, len(providers))

	for _, provider := range providers {
		if !provider.Enabled() {
			continue
		}

		if err := ctx.Err(); err != nil {
			results = append(results, ProviderResult{ID: provider.ID(), Success: false, Error: err.Error()})
			if m.failOnProviderError {
				return nil, fault.Wrap(fault.Timeout, "prompt.generate", "prompt generation deadline exceeded", err)
			}
			continue
		}

		content, err := provider.Content(ctx, pctx)
		if err != nil {
			results = append(results, ProviderResult{ID: provider.ID(), Success: false, Error: err.Error()})
			if m.failOnProviderError {
				return nil, fault.Wrap(fault.Internal, "prompt.generate", "prompt provider "+provider.ID()+" failed", err)
			}
			continue
		}

		results = append(results, ProviderResult{ID: provider.ID(), Success: true})
		if content != "" {
			parts = append(parts, content)
		}
	}

	return &Result{
		Content:         strings.Join(parts, m.contentSeparator),
		ProviderResults: results,
		GenerationTime:  time.Since(start),
	}, nil
}

// AddProvider registers an additional provider at runtime.
func (m *Manager) AddProvider(provider Provider) error {
	if provider == nil || provider.ID() == "" {
		return fault.New(fault.Validation, "prompt.add_provider", "provider must have an id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.providers {
		if existing.ID() == provider.ID() {
			return fault.New(fault.Conflict, "prompt.add_provider", "provider %s already registered", provider.ID())
		}
	}

	next := make([]Provider, len(m.providers), len(m.providers)+1)
	copy(next, m.providers)
	next = append(next, provider)
	sortProviders(next)
	m.providers = next

	if closer, ok := provider.(interface{ Close() error }); ok {
		m.closers = append(m.closers, closer)
	}
	return nil
}

// RemoveProvider deletes a provider by id.
func (m *Manager) RemoveProvider(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, provider := range m.providers {
		if provider.ID() != id {
			continue
		}
		next := make([]Provider, 0, len(m.providers)-1)
		next = append(next, m.providers[:i]...)
		next = append(next, m.providers[i+1:]...)
		m.providers = next
		return nil
	}
	return fault.New(fault.NotFound, "prompt.remove_provider", "provider %s not found", id)
}

// SetEnabled toggles a provider without rebuilding the manager.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	for _, provider := range m.snapshot() {
		if provider.ID() != id {
			continue
		}
		if toggler, ok := provider.(interface{ SetEnabled(bool) }); ok {
			toggler.SetEnabled(enabled)
			return nil
		}
		return fault.New(fault.Validation, "prompt.set_enabled", "provider %s cannot be toggled", id)
	}
	return fault.New(fault.NotFound, "prompt.set_enabled", "provider %s not found", id)
}

// Providers lists the current provider ids in generation order.
func (m *Manager) Providers() []string {
	providers := m.snapshot()
	ids := make([]string, len(providers))
	for i, provider := range providers {
		ids[i] = provider.ID()
	}
	return ids
}

// Close releases provider resources such as file watchers.
func (m *Manager) Close() error {
	m.mu.Lock()
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	var errs []error
	for _, closer := range closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
