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
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kadirpekel/mnemo/pkg/fault"
)

// Manager wraps a configured vector store and degrades gracefully: when the
// configured backend cannot be reached at connect time, it swaps in an
// in-memory store with the same collection and dimension so memory features
// keep working (without persistence) instead of taking the process down.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	store    Store
	fallback bool
}

var _ Store = (*Manager)(nil)

// NewManager creates a manager for the configured backend. The underlying
// store is created eagerly (so configuration errors surface immediately)
// but not connected; call Connect before use.
func NewManager(cfg Config) (*Manager, error) {
	cfg.SetDefaults()
	store, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector store for collection %q: %w", cfg.Collection, err)
	}
	return &Manager{cfg: cfg, store: store}, nil
}

// Connect connects the configured backend. On failure it logs a warning and
// falls back to an in-memory store; the fallback is visible via Info but
// never returned as an error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store.Connected() {
		return nil
	}

	err := m.store.Connect(ctx)
	if err == nil {
		return nil
	}

	slog.Warn("Vector backend unavailable, falling back to in-memory store",
		"backend", m.store.Name(),
		"collection", m.cfg.Collection,
		"error", err)

	memStore := NewMemoryStore(m.cfg.Collection, m.cfg.Dimension)
	if connErr := memStore.Connect(ctx); connErr != nil {
		return connErr
	}
	m.store = memStore
	m.fallback = true
	return nil
}

func (m *Manager) Disconnect() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.Disconnect()
}

func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.Connected()
}

// active returns the store currently serving requests.
func (m *Manager) active() Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store
}

func (m *Manager) Insert(ctx context.Context, records []Record) error {
	return m.active().Insert(ctx, records)
}

// InsertBatch inserts parallel slices of vectors, ids, and payloads. All
// three must have the same length.
func (m *Manager) InsertBatch(ctx context.Context, vectors [][]float32, ids []string, payloads []map[string]any) error {
	if len(vectors) != len(ids) || len(vectors) != len(payloads) {
		return fault.New(fault.Validation, "vector.insert",
			"mismatched batch lengths: %d vectors, %d ids, %d payloads",
			len(vectors), len(ids), len(payloads))
	}

	records := make([]Record, len(vectors))
	for i := range vectors {
		records[i] = Record{ID: ids[i], Vector: vectors[i], Payload: payloads[i]}
	}
	return m.active().Insert(ctx, records)
}

func (m *Manager) Update(ctx context.Context, id string, vec []float32, payload map[string]any) error {
	return m.active().Update(ctx, id, vec, payload)
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.active().Delete(ctx, id)
}

func (m *Manager) Search(ctx context.Context, vec []float32, k int, opts *SearchOptions) ([]SearchResult, error) {
	return m.active().Search(ctx, vec, k, opts)
}

func (m *Manager) Count(ctx context.Context) (int, error) {
	return m.active().Count(ctx)
}

func (m *Manager) Name() string {
	return m.active().Name()
}

// Info reports the manager's current state, including whether it is running
// on the in-memory fallback instead of the configured backend.
func (m *Manager) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Info{
		Backend:    m.store.Name(),
		Collection: m.cfg.Collection,
		Dimension:  m.cfg.Dimension,
		Connected:  m.store.Connected(),
		Fallback:   m.fallback,
	}
}
