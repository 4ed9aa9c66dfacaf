package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/fault"
)

// fakeEmbedder fails the first `failures` calls, then succeeds.
type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	failures int
	vec      []float32
	err      error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeEmbedder) Dimension() int    { return len(f.vec) }
func (f *fakeEmbedder) ModelName() string { return "fake-model" }
func (f *fakeEmbedder) Close() error      { return nil }

func openaiConfig(host string) *config.EmbedderConfig {
	return &config.EmbedderConfig{
		Type:       "openai",
		Model:      "text-embedding-3-small",
		Host:       host,
		APIKey:     "test-key",
		Dimension:  3,
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	}
}

func ollamaConfig(host string) *config.EmbedderConfig {
	return &config.EmbedderConfig{
		Type:       "ollama",
		Model:      "nomic-embed-text",
		Host:       host,
		Dimension:  3,
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	}
}

func TestOpenAIEmbedderEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openaiEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		require.Equal(t, []string{"hello world"}, req.Input)

		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0},
			},
			"usage": map[string]int{"prompt_tokens": 2, "total_tokens": 2},
		})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(openaiConfig(server.URL))
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 3, e.Dimension())
	assert.Equal(t, "text-embedding-3-small", e.ModelName())
}

func TestOpenAIEmbedderBatchReordersByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"first", "second", "third"}, req.Input)

		// Responses arrive out of order; the index field is authoritative.
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{3, 3, 3}, "index": 2},
				{"embedding": []float32{1, 1, 1}, "index": 0},
				{"embedding": []float32{2, 2, 2}, "index": 1},
			},
		})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(openaiConfig(server.URL))
	require.NoError(t, err)

	vecs, err := e.EmbedBatch(context.Background(), []string{"first", "second", "third"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{1, 1, 1}, vecs[0])
	assert.Equal(t, []float32{2, 2, 2}, vecs[1])
	assert.Equal(t, []float32{3, 3, 3}, vecs[2])
}

func TestOpenAIEmbedderAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"message": "input too long",
				"type":    "invalid_request_error",
				"code":    "context_length_exceeded",
			},
		})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(openaiConfig(server.URL))
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input too long")
	assert.Contains(t, err.Error(), "invalid_request_error")
}

func TestOpenAIEmbedderCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{1, 1, 1}, "index": 0},
				{"embedding": []float32{2, 2, 2}, "index": 1},
			},
		})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(openaiConfig(server.URL))
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 embeddings for 1 inputs")
}

func TestOpenAIEmbedderRequiresAPIKey(t *testing.T) {
	cfg := openaiConfig("http://localhost:9999")
	cfg.APIKey = ""

	_, err := NewOpenAIEmbedder(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key is required")
}

func TestOllamaEmbedderEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/embeddings", r.URL.Path)

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		assert.Equal(t, "hello world", req.Prompt)

		json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float32{0.5, 0.6, 0.7},
		})
	}))
	defer server.Close()

	e, err := NewOllamaEmbedder(ollamaConfig(server.URL))
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.6, 0.7}, vec)
}

func TestOllamaEmbedderEmptyEmbedding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{}})
	}))
	defer server.Close()

	e, err := NewOllamaEmbedder(ollamaConfig(server.URL))
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty embedding")
}

func TestOllamaEmbedderBatchPreservesOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// Encode the prompt into the vector so ordering is observable.
		var v float32
		fmt.Sscanf(req.Prompt, "text-%f", &v)
		json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float32{v, v, v},
		})
	}))
	defer server.Close()

	e, err := NewOllamaEmbedder(ollamaConfig(server.URL))
	require.NoError(t, err)

	vecs, err := e.EmbedBatch(context.Background(), []string{"text-1", "text-2", "text-3"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{1, 1, 1}, vecs[0])
	assert.Equal(t, []float32{2, 2, 2}, vecs[1])
	assert.Equal(t, []float32{3, 3, 3}, vecs[2])
}

func TestManagerRetriesThenSucceeds(t *testing.T) {
	fake := &fakeEmbedder{failures: 2, vec: []float32{1, 2, 3}, err: errors.New("temporary outage")}
	m := NewManager(fake, 3, WithGate(NewGate()), WithBaseDelay(time.Millisecond))

	vec, err := m.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)
	assert.Equal(t, 3, fake.callCount())
	assert.True(t, m.Enabled())
}

func TestManagerExhaustedRetriesDisable(t *testing.T) {
	fake := &fakeEmbedder{failures: 100, err: errors.New("connection refused")}
	m := NewManager(fake, 2, WithGate(NewGate()), WithBaseDelay(time.Millisecond))

	_, err := m.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, fault.Provider, fault.KindOf(err))
	assert.Equal(t, 2, fake.callCount())

	assert.False(t, m.Enabled())
	assert.Contains(t, m.Reason(), "connection refused")

	// Disabled means fail fast: the provider must not be probed again.
	_, err = m.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding service disabled")
	assert.Equal(t, fault.Provider, fault.KindOf(err))
	assert.Equal(t, 2, fake.callCount())

	_, err = m.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding service disabled")
	assert.Equal(t, 2, fake.callCount())
}

func TestManagerFirstDisableReasonWins(t *testing.T) {
	m := NewManager(&fakeEmbedder{vec: []float32{1}}, 1, WithGate(NewGate()))

	m.HandleRuntimeFailure(errors.New("first failure"))
	m.HandleRuntimeFailure(errors.New("second failure"))

	assert.False(t, m.Enabled())
	assert.Equal(t, "first failure", m.Reason())
}

func TestManagerIgnoresCallerCancellation(t *testing.T) {
	m := NewManager(&fakeEmbedder{vec: []float32{1}}, 1, WithGate(NewGate()))

	m.HandleRuntimeFailure(nil)
	assert.True(t, m.Enabled())

	m.HandleRuntimeFailure(context.Canceled)
	assert.True(t, m.Enabled())

	m.HandleRuntimeFailure(fmt.Errorf("request aborted: %w", context.Canceled))
	assert.True(t, m.Enabled())

	// A deadline blown by the provider is a real failure.
	m.HandleRuntimeFailure(context.DeadlineExceeded)
	assert.False(t, m.Enabled())
}

func TestManagerCanceledContextLeavesGateOpen(t *testing.T) {
	fake := &fakeEmbedder{failures: 100, err: errors.New("boom")}
	m := NewManager(fake, 3, WithGate(NewGate()), WithBaseDelay(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Embed(ctx, "hello")
	require.Error(t, err)
	assert.Equal(t, 1, fake.callCount(), "cancellation must abort the backoff wait")
	assert.True(t, m.Enabled())
}

func TestManagerReset(t *testing.T) {
	fake := &fakeEmbedder{vec: []float32{1, 2, 3}}
	m := NewManager(fake, 1, WithGate(NewGate()))

	m.HandleRuntimeFailure(errors.New("transient infrastructure issue"))
	require.False(t, m.Enabled())

	m.Reset()
	assert.True(t, m.Enabled())
	assert.Empty(t, m.Reason())

	vec, err := m.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)
}

func TestManagerDelegation(t *testing.T) {
	fake := &fakeEmbedder{vec: []float32{1, 2, 3}}
	m := NewManager(fake, 1, WithGate(NewGate()))

	assert.Equal(t, 3, m.Dimension())
	assert.Equal(t, "fake-model", m.ModelName())
	assert.NoError(t, m.Close())
}

func TestManagerSharesProcessGateByDefault(t *testing.T) {
	m := NewManager(&fakeEmbedder{vec: []float32{1}}, 1)
	assert.Same(t, ProcessGate(), m.gate)
}

func TestNewFromConfig(t *testing.T) {
	t.Run("ollama", func(t *testing.T) {
		m, err := NewFromConfig(ollamaConfig("http://localhost:11434"), WithGate(NewGate()))
		require.NoError(t, err)
		assert.Equal(t, "nomic-embed-text", m.ModelName())
	})

	t.Run("openai", func(t *testing.T) {
		m, err := NewFromConfig(openaiConfig("https://api.openai.com/v1"), WithGate(NewGate()))
		require.NoError(t, err)
		assert.Equal(t, "text-embedding-3-small", m.ModelName())
	})

	t.Run("openai without key", func(t *testing.T) {
		cfg := openaiConfig("https://api.openai.com/v1")
		cfg.APIKey = ""
		_, err := NewFromConfig(cfg, WithGate(NewGate()))
		require.Error(t, err)
	})

	t.Run("unknown type", func(t *testing.T) {
		cfg := ollamaConfig("http://localhost:11434")
		cfg.Type = "cohere"
		_, err := NewFromConfig(cfg, WithGate(NewGate()))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported embedder type")
	})
}
