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

package vector

import (
	"fmt"
	"sync"
)

// BackendType identifies a vector store backend implementation.
type BackendType string

const (
	// BackendMemory keeps vectors in process memory with exact search.
	// No persistence. Best for tests and as a degraded-mode fallback.
	BackendMemory BackendType = "memory"

	// BackendChromem uses chromem-go for embedded vector storage.
	// Zero-config, no external dependencies. Best for development and small deployments.
	BackendChromem BackendType = "chromem"

	// BackendQdrant uses Qdrant vector database.
	// High-performance, supports distributed deployments.
	BackendQdrant BackendType = "qdrant"

	// BackendPinecone uses Pinecone managed vector database.
	// Fully managed cloud service.
	BackendPinecone BackendType = "pinecone"

	// BackendWeaviate uses Weaviate vector database.
	// Supports GraphQL queries and hybrid search.
	BackendWeaviate BackendType = "weaviate"
)

// Config is the configuration for creating a vector store. Collection and
// Dimension are fixed at construction time: every record and query vector
// must match Dimension exactly.
type Config struct {
	// Type identifies which backend to create.
	Type BackendType `yaml:"type"`

	// Collection is the named vector space to operate on.
	Collection string `yaml:"collection"`

	// Dimension is the vector dimensionality for the collection.
	Dimension int `yaml:"dimension"`

	// Chromem configuration (used when Type == "chromem").
	Chromem *ChromemConfig `yaml:"chromem,omitempty"`

	// Qdrant configuration (used when Type == "qdrant").
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`

	// Pinecone configuration (used when Type == "pinecone").
	Pinecone *PineconeConfig `yaml:"pinecone,omitempty"`

	// Weaviate configuration (used when Type == "weaviate").
	Weaviate *WeaviateConfig `yaml:"weaviate,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Type == "" {
		c.Type = BackendChromem
	}
	if c.Type == BackendChromem && c.Chromem == nil {
		c.Chromem = &ChromemConfig{}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	return c.ValidateBackend()
}

// ValidateBackend checks only the backend settings. Used by config
// validation before the runtime fills in collection and dimension.
func (c *Config) ValidateBackend() error {
	switch c.Type {
	case BackendMemory:
		// Memory has no required fields
		return nil
	case BackendChromem:
		// Chromem has no required fields
		return nil
	case BackendQdrant:
		if c.Qdrant == nil {
			return fmt.Errorf("qdrant configuration is required")
		}
		if c.Qdrant.Host == "" {
			return fmt.Errorf("qdrant host is required")
		}
		return nil
	case BackendPinecone:
		if c.Pinecone == nil {
			return fmt.Errorf("pinecone configuration is required")
		}
		if c.Pinecone.APIKey == "" {
			return fmt.Errorf("pinecone api_key is required")
		}
		return nil
	case BackendWeaviate:
		if c.Weaviate == nil {
			return fmt.Errorf("weaviate configuration is required")
		}
		if c.Weaviate.Host == "" {
			return fmt.Errorf("weaviate host is required")
		}
		return nil
	case "":
		return fmt.Errorf("backend type is required")
	default:
		return fmt.Errorf("unknown backend type: %q", c.Type)
	}
}

// New creates a vector store from configuration. The store is returned
// unconnected; call Connect before use.
func New(cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case BackendMemory:
		return NewMemoryStore(cfg.Collection, cfg.Dimension), nil

	case BackendChromem:
		chromemCfg := ChromemConfig{}
		if cfg.Chromem != nil {
			chromemCfg = *cfg.Chromem
		}
		return NewChromemStore(cfg.Collection, cfg.Dimension, chromemCfg), nil

	case BackendQdrant:
		return NewQdrantStore(cfg.Collection, cfg.Dimension, *cfg.Qdrant), nil

	case BackendPinecone:
		return NewPineconeStore(cfg.Collection, cfg.Dimension, *cfg.Pinecone), nil

	case BackendWeaviate:
		return NewWeaviateStore(cfg.Collection, cfg.Dimension, *cfg.Weaviate), nil

	default:
		return nil, fmt.Errorf("unknown backend type: %q", cfg.Type)
	}
}

// Registry manages named vector store managers.
//
// Each memory collection (knowledge, workspace, reflection) gets its own
// manager, registered under the collection's role name.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewRegistry creates a new manager registry.
func NewRegistry() *Registry {
	return &Registry{
		managers: make(map[string]*Manager),
	}
}

// Register adds a manager to the registry.
func (r *Registry) Register(name string, manager *Manager) error {
	if name == "" {
		return fmt.Errorf("manager name cannot be empty")
	}
	if manager == nil {
		return fmt.Errorf("manager cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.managers[name]; exists {
		return fmt.Errorf("manager %q already registered", name)
	}

	r.managers[name] = manager
	return nil
}

// Get retrieves a manager by name.
func (r *Registry) Get(name string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[name]
	return m, ok
}

// MustGet retrieves a manager by name or panics.
func (r *Registry) MustGet(name string) *Manager {
	m, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("vector manager %q not found", name))
	}
	return m
}

// List returns all registered manager names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.managers))
	for name := range r.managers {
		names = append(names, name)
	}
	return names
}

// Close disconnects all registered managers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, m := range r.managers {
		if err := m.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("failed to disconnect manager %q: %w", name, err))
		}
	}

	r.managers = make(map[string]*Manager)

	if len(errs) > 0 {
		return fmt.Errorf("errors disconnecting managers: %v", errs)
	}
	return nil
}
