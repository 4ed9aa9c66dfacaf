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

package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/fault"
)

// Gate is the sticky embedding kill switch. Once disabled it stays disabled
// until an explicit Reset, so a dead embedding service is probed once per
// process session instead of on every turn.
type Gate struct {
	mu       sync.RWMutex
	disabled bool
	reason   string
}

// NewGate creates an enabled gate.
func NewGate() *Gate {
	return &Gate{}
}

// Disable closes the gate. The first reason wins; later calls are no-ops.
func (g *Gate) Disable(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disabled {
		return
	}
	g.disabled = true
	g.reason = reason
}

// Enabled reports whether embeddings are allowed.
func (g *Gate) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return !g.disabled
}

// Reason returns why the gate was disabled, or "" when enabled.
func (g *Gate) Reason() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reason
}

// Reset re-opens the gate.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disabled = false
	g.reason = ""
}

// processGate guards embeddings for the whole process; every Manager shares
// it unless given its own gate.
var processGate = NewGate()

// ProcessGate returns the shared process-wide gate.
func ProcessGate() *Gate {
	return processGate
}

// Manager wraps a provider with retry and the sticky gate. Memory extraction
// and reflection check Enabled before embedding and fall back to chat-only
// behavior when the gate is closed; embedding failures never reach the
// request path.
type Manager struct {
	provider   Embedder
	gate       *Gate
	maxRetries int
	baseDelay  time.Duration
}

var _ Embedder = (*Manager)(nil)

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithGate replaces the shared process gate, isolating the manager's
// disable state. Used in tests.
func WithGate(g *Gate) ManagerOption {
	return func(m *Manager) {
		m.gate = g
	}
}

// WithBaseDelay overrides the first retry backoff.
func WithBaseDelay(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.baseDelay = d
	}
}

// NewManager wraps a provider. maxRetries is the total attempt budget per
// call; backoff between attempts doubles starting from the base delay.
func NewManager(provider Embedder, maxRetries int, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider:   provider,
		gate:       processGate,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewFromConfig builds the configured provider wrapped in a Manager.
func NewFromConfig(cfg *config.EmbedderConfig, opts ...ManagerOption) (*Manager, error) {
	var provider Embedder
	var err error

	switch cfg.Type {
	case "openai":
		provider, err = NewOpenAIEmbedder(cfg)
	case "ollama", "":
		provider, err = NewOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	return NewManager(provider, cfg.MaxRetries, opts...), nil
}

// Embed converts text to a vector embedding, retrying transient failures.
// Exhausted retries disable the gate for the rest of the process session.
func (m *Manager) Embed(ctx context.Context, text string) ([]float32, error) {
	if !m.gate.Enabled() {
		return nil, fault.New(fault.Provider, "embedder.embed",
			"embedding service disabled: %s", m.gate.Reason())
	}

	vec, err := withRetry(ctx, m.maxRetries, m.baseDelay, func() ([]float32, error) {
		return m.provider.Embed(ctx, text)
	})
	if err != nil {
		m.HandleRuntimeFailure(err)
		return nil, fault.Wrap(fault.Provider, "embedder.embed", "embedding failed", err)
	}
	return vec, nil
}

// EmbedBatch embeds texts with the same retry and gate behavior as Embed.
func (m *Manager) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !m.gate.Enabled() {
		return nil, fault.New(fault.Provider, "embedder.embed_batch",
			"embedding service disabled: %s", m.gate.Reason())
	}

	vecs, err := withRetry(ctx, m.maxRetries, m.baseDelay, func() ([][]float32, error) {
		return m.provider.EmbedBatch(ctx, texts)
	})
	if err != nil {
		m.HandleRuntimeFailure(err)
		return nil, fault.Wrap(fault.Provider, "embedder.embed_batch", "embedding failed", err)
	}
	return vecs, nil
}

// HandleRuntimeFailure disables embeddings for the rest of the process
// session. Downstream components report persistent embedding-related
// failures here; exhausted retries arrive automatically. Caller-side
// cancellation is not a provider failure and leaves the gate open.
func (m *Manager) HandleRuntimeFailure(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if m.gate.Enabled() {
		slog.Warn("Disabling embedding service for this session",
			"model", m.provider.ModelName(), "reason", err)
	}
	m.gate.Disable(err.Error())
}

// Enabled reports whether embeddings are currently allowed.
func (m *Manager) Enabled() bool {
	return m.gate.Enabled()
}

// Reason returns why embeddings were disabled, or "" when enabled.
func (m *Manager) Reason() string {
	return m.gate.Reason()
}

// Reset re-enables embeddings after an operator intervention.
func (m *Manager) Reset() {
	m.gate.Reset()
	slog.Info("Embedding service re-enabled", "model", m.provider.ModelName())
}

// Dimension returns the provider's embedding dimension.
func (m *Manager) Dimension() int {
	return m.provider.Dimension()
}

// ModelName returns the provider's model identifier.
func (m *Manager) ModelName() string {
	return m.provider.ModelName()
}

// Close releases provider resources.
func (m *Manager) Close() error {
	return m.provider.Close()
}

// withRetry runs fn up to maxAttempts times with doubling backoff between
// attempts. Waits abort early when ctx is done.
func withRetry[T any](ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		slog.Debug("Embedding attempt failed",
			"attempt", attempt+1, "max_attempts", maxAttempts, "error", err)
	}

	return zero, lastErr
}
