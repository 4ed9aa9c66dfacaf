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

package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/fault"
	"github.com/kadirpekel/mnemo/pkg/llm"
	"github.com/kadirpekel/mnemo/pkg/vector"
)

// stubEmbedder maps known texts to fixed vectors and mimics the manager's
// sticky disable on runtime failures.
type stubEmbedder struct {
	mu       sync.Mutex
	calls    int
	err      error
	enabled  bool
	reason   string
	vecs     map[string][]float32
	fallback []float32
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{
		enabled:  true,
		vecs:     map[string][]float32{},
		fallback: []float32{0, 0, 1},
	}
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if vec, ok := s.vecs[text]; ok {
		return vec, nil
	}
	return s.fallback, nil
}

func (s *stubEmbedder) HandleRuntimeFailure(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	s.reason = err.Error()
}

func (s *stubEmbedder) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *stubEmbedder) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *stubEmbedder) embedCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// scriptedProvider always replies with the same text.
type scriptedProvider struct {
	mu         sync.Mutex
	text       string
	err        error
	calls      int
	lastPrompt string
}

func (p *scriptedProvider) Generate(_ context.Context, messages []llm.Message, _ []llm.ToolDefinition, _ *llm.Options) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(messages) > 0 {
		p.lastPrompt = messages[len(messages)-1].Content
	}
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Text: p.text}, nil
}

func (p *scriptedProvider) GenerateStreaming(context.Context, []llm.Message, []llm.ToolDefinition, *llm.Options) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func (p *scriptedProvider) ModelName() string { return "scripted" }

func (p *scriptedProvider) Close() error { return nil }

func newTestStore(t *testing.T) *vector.MemoryStore {
	t.Helper()
	store := vector.NewMemoryStore("knowledge_test", 3)
	require.NoError(t, store.Connect(context.Background()))
	return store
}

// ruleConfig disables LLM decisions so the similarity rules decide.
func ruleConfig() config.MemoryConfig {
	return config.MemoryConfig{UseLLMDecisions: config.BoolPtr(false)}
}

func seedMemory(t *testing.T, store vector.Store, id, text string, vec []float32) {
	t.Helper()
	require.NoError(t, store.Insert(context.Background(), []vector.Record{{
		ID:      id,
		Vector:  vec,
		Payload: map[string]any{"text": text},
	}}))
}

func topPayload(t *testing.T, store vector.Store, vec []float32) map[string]any {
	t.Helper()
	results, err := store.Search(context.Background(), vec, 1, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	return results[0].Payload
}

func TestEngine_AddNewMemory(t *testing.T) {
	emb := newStubEmbedder()
	input := "Use npm install next and run npm run build"
	emb.vecs[input] = []float32{1, 0, 0}

	store := newTestStore(t)
	engine := NewEngine(ruleConfig(), emb, store, nil)

	result := engine.ProcessInteraction(context.Background(), Interaction{
		SessionID:     "sess-1",
		UserInput:     input,
		AssistantText: "Done.",
	})

	assert.Equal(t, ModeMemory, result.Mode)
	assert.False(t, result.Skipped)
	require.Len(t, result.Actions, 1)

	action := result.Actions[0]
	assert.Equal(t, EventAdd, action.Event)
	assert.Equal(t, input, action.Text)
	assert.Equal(t, "npm install next", action.CodePattern)
	assert.Contains(t, action.Tags, "npm")
	assert.Contains(t, action.Tags, "code-block")
	assert.Contains(t, action.Tags, "general-knowledge")
	assert.InDelta(t, 0.8, action.Confidence, 0.001)
	assert.Len(t, action.ID, 36)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	payload := topPayload(t, store, []float32{1, 0, 0})
	assert.Equal(t, input, payload["text"])
	assert.Equal(t, "npm install next", payload["code_pattern"])
	assert.Equal(t, "sess-1", payload["session_id"])
	assert.NotEmpty(t, payload["created_at"])

	assert.Equal(t, int64(1), engine.Stats().AddOperations)
}

func TestEngine_DuplicateBecomesNone(t *testing.T) {
	emb := newStubEmbedder()
	input := "The staging database runs on port 5433"
	emb.vecs[input] = []float32{1, 0, 0}

	store := newTestStore(t)
	engine := NewEngine(ruleConfig(), emb, store, nil)
	interaction := Interaction{SessionID: "sess-1", UserInput: input, AssistantText: "Noted."}

	first := engine.ProcessInteraction(context.Background(), interaction)
	require.Len(t, first.Actions, 1)
	require.Equal(t, EventAdd, first.Actions[0].Event)

	second := engine.ProcessInteraction(context.Background(), interaction)
	require.Len(t, second.Actions, 1)
	assert.Equal(t, EventNone, second.Actions[0].Event)
	assert.Equal(t, first.Actions[0].ID, second.Actions[0].ID)
	assert.Contains(t, second.Actions[0].Reasoning, "duplicate of")

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(1), engine.Stats().NoneOperations)
}

func TestEngine_SimilarFactUpdates(t *testing.T) {
	emb := newStubEmbedder()
	oldText := "Alice prefers tabs over spaces for indentation"
	newText := "Alice switched to two-space indentation last week"
	emb.vecs[oldText] = []float32{1, 0, 0}
	emb.vecs[newText] = []float32{0.8, 0.6, 0}

	store := newTestStore(t)
	engine := NewEngine(ruleConfig(), emb, store, nil)

	first := engine.ProcessInteraction(context.Background(), Interaction{UserInput: oldText})
	require.Len(t, first.Actions, 1)

	second := engine.ProcessInteraction(context.Background(), Interaction{UserInput: newText})
	require.Len(t, second.Actions, 1)

	action := second.Actions[0]
	assert.Equal(t, EventUpdate, action.Event)
	assert.Equal(t, first.Actions[0].ID, action.ID)
	assert.Equal(t, oldText, action.OldMemory)
	assert.InDelta(t, 0.75, action.Confidence, 0.001)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	payload := topPayload(t, store, []float32{0.8, 0.6, 0})
	assert.Equal(t, newText, payload["text"])
	assert.Equal(t, oldText, payload["old_memory"])
	assert.NotEmpty(t, payload["updated_at"])
	assert.Equal(t, int64(1), engine.Stats().UpdateOperations)
}

func TestEngine_ConfidenceGateCoercesToNone(t *testing.T) {
	emb := newStubEmbedder()
	provider := &scriptedProvider{text: `{"operation": "ADD", "confidence": 0.4, "reasoning": "weak signal"}`}

	store := newTestStore(t)
	engine := NewEngine(config.MemoryConfig{}, emb, store, provider)

	result := engine.ProcessInteraction(context.Background(), Interaction{
		UserInput: "The retry backoff might need tuning at some point",
	})
	require.Len(t, result.Actions, 1)

	action := result.Actions[0]
	assert.Equal(t, EventNone, action.Event)
	assert.InDelta(t, 0.4, action.Confidence, 0.001)
	assert.Contains(t, action.Reasoning, "confidence 0.40 below threshold 0.60")

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, int64(1), engine.Stats().NoneOperations)
}

func TestEngine_LLMDecidesUpdate(t *testing.T) {
	emb := newStubEmbedder()
	newText := "The user moved to Globex as a staff engineer"
	emb.vecs[newText] = []float32{0.8, 0.6, 0}

	provider := &scriptedProvider{text: "Here is my decision:\n```json\n" +
		`{"operation": "UPDATE", "confidence": 0.85, "reasoning": "employer changed", "targetMemoryId": "mem-1"}` +
		"\n```"}

	store := newTestStore(t)
	seedMemory(t, store, "mem-1", "The user works at Acme", []float32{1, 0, 0})
	engine := NewEngine(config.MemoryConfig{}, emb, store, provider)

	result := engine.ProcessInteraction(context.Background(), Interaction{UserInput: newText})
	require.Len(t, result.Actions, 1)

	action := result.Actions[0]
	assert.Equal(t, EventUpdate, action.Event)
	assert.Equal(t, "mem-1", action.ID)
	assert.Equal(t, "The user works at Acme", action.OldMemory)
	assert.InDelta(t, 0.85, action.Confidence, 0.001)
	assert.Equal(t, "employer changed", action.Reasoning)

	assert.Equal(t, 1, provider.calls)
	assert.Contains(t, provider.lastPrompt, newText)
	assert.Contains(t, provider.lastPrompt, "mem-1")

	payload := topPayload(t, store, []float32{0.8, 0.6, 0})
	assert.Equal(t, newText, payload["text"])
}

func TestEngine_LLMFailureFallsBackToRules(t *testing.T) {
	cases := []struct {
		name string
		text string
		err  error
	}{
		{name: "call error", err: errors.New("rate limited")},
		{name: "no json", text: "I would simply add this."},
		{name: "invalid operation", text: `{"operation": "MERGE", "confidence": 0.9, "reasoning": "x"}`},
		{name: "invalid confidence", text: `{"operation": "ADD", "confidence": 1.7, "reasoning": "x"}`},
		{name: "zero confidence", text: `{"operation": "ADD", "confidence": 0, "reasoning": "x"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			emb := newStubEmbedder()
			provider := &scriptedProvider{text: tc.text, err: tc.err}

			store := newTestStore(t)
			engine := NewEngine(config.MemoryConfig{}, emb, store, provider)

			result := engine.ProcessInteraction(context.Background(), Interaction{
				UserInput: "The deploy pipeline promotes builds every Friday",
			})
			require.Len(t, result.Actions, 1)
			assert.Equal(t, EventAdd, result.Actions[0].Event)
			assert.InDelta(t, 0.8, result.Actions[0].Confidence, 0.001)
			assert.Equal(t, "no similar memories found", result.Actions[0].Reasoning)
		})
	}
}

func TestEngine_LLMUnknownTargetFallsBack(t *testing.T) {
	emb := newStubEmbedder()
	newText := "Alice switched to two-space indentation last week"
	emb.vecs[newText] = []float32{0.8, 0.6, 0}

	provider := &scriptedProvider{
		text: `{"operation": "UPDATE", "confidence": 0.9, "reasoning": "x", "targetMemoryId": "no-such-memory"}`,
	}

	store := newTestStore(t)
	seedMemory(t, store, "mem-1", "Alice prefers tabs", []float32{1, 0, 0})
	engine := NewEngine(config.MemoryConfig{}, emb, store, provider)

	result := engine.ProcessInteraction(context.Background(), Interaction{UserInput: newText})
	require.Len(t, result.Actions, 1)

	// The fallback rules still find the genuinely similar memory.
	action := result.Actions[0]
	assert.Equal(t, EventUpdate, action.Event)
	assert.Equal(t, "mem-1", action.ID)
	assert.InDelta(t, 0.75, action.Confidence, 0.001)
}

func TestEngine_DeleteDisabledCoercesToNone(t *testing.T) {
	emb := newStubEmbedder()
	input := "Forget the old staging URL, it was decommissioned"
	emb.vecs[input] = []float32{0.8, 0.6, 0}

	provider := &scriptedProvider{
		text: `{"operation": "DELETE", "confidence": 0.95, "reasoning": "obsolete", "targetMemoryId": "mem-1"}`,
	}

	cfg := config.MemoryConfig{EnableDeleteOperations: config.BoolPtr(false)}
	store := newTestStore(t)
	seedMemory(t, store, "mem-1", "Staging lives at staging.example.com", []float32{1, 0, 0})
	engine := NewEngine(cfg, emb, store, provider)

	result := engine.ProcessInteraction(context.Background(), Interaction{UserInput: input})
	require.Len(t, result.Actions, 1)
	assert.Equal(t, EventNone, result.Actions[0].Event)
	assert.Contains(t, result.Actions[0].Reasoning, "delete operations are disabled")

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEngine_DeleteApplied(t *testing.T) {
	emb := newStubEmbedder()
	input := "Forget the old staging URL, it was decommissioned"
	emb.vecs[input] = []float32{0.8, 0.6, 0}

	provider := &scriptedProvider{
		text: `{"operation": "DELETE", "confidence": 0.95, "reasoning": "obsolete", "targetMemoryId": "mem-1"}`,
	}

	store := newTestStore(t)
	seedMemory(t, store, "mem-1", "Staging lives at staging.example.com", []float32{1, 0, 0})
	engine := NewEngine(config.MemoryConfig{}, emb, store, provider)

	result := engine.ProcessInteraction(context.Background(), Interaction{UserInput: input})
	require.Len(t, result.Actions, 1)
	assert.Equal(t, EventDelete, result.Actions[0].Event)
	assert.Equal(t, "mem-1", result.Actions[0].ID)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, int64(1), engine.Stats().DeleteOperations)
}

func TestEngine_ChatOnlyWhenEmbeddingsDisabled(t *testing.T) {
	emb := newStubEmbedder()
	emb.enabled = false
	emb.reason = "embedding quota exhausted"

	engine := NewEngine(ruleConfig(), emb, newTestStore(t), nil)

	result := engine.ProcessInteraction(context.Background(), Interaction{
		UserInput: "The staging database runs on port 5433",
	})

	assert.Equal(t, ModeChatOnly, result.Mode)
	assert.True(t, result.Skipped)
	assert.Empty(t, result.Actions)
	assert.Equal(t, 0, emb.embedCalls())
	assert.Equal(t, int64(1), engine.Stats().Skipped)
}

func TestEngine_EmbedFailureDegradesMidRun(t *testing.T) {
	emb := newStubEmbedder()
	emb.err = errors.New("embedding backend gone")

	engine := NewEngine(ruleConfig(), emb, newTestStore(t), nil)

	result := engine.ProcessInteraction(context.Background(), Interaction{
		UserInput: "The staging database runs on port 5433\n\nDeploys happen from the release branch",
	})

	assert.Equal(t, ModeChatOnly, result.Mode)
	assert.True(t, result.Skipped)
	// The first failure disables embeddings; the second fact is never embedded.
	assert.Equal(t, 1, emb.embedCalls())
	assert.False(t, emb.Enabled())
	assert.Equal(t, "embedding backend gone", emb.Reason())
}

// faultyStore fails inserts while delegating everything else.
type faultyStore struct {
	vector.Store
	insertErr error
}

func (s *faultyStore) Insert(ctx context.Context, records []vector.Record) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.Store.Insert(ctx, records)
}

func TestEngine_PersistFailureIsolatedPerFact(t *testing.T) {
	emb := newStubEmbedder()
	store := &faultyStore{Store: newTestStore(t), insertErr: errors.New("collection locked")}
	engine := NewEngine(ruleConfig(), emb, store, nil)

	result := engine.ProcessInteraction(context.Background(), Interaction{
		UserInput: "The staging database runs on port 5433\n\nDeploys happen from the release branch",
	})

	assert.Equal(t, ModeMemory, result.Mode)
	assert.False(t, result.Skipped)
	assert.Empty(t, result.Actions)
	// Both facts went through the pipeline despite the first failure.
	assert.Equal(t, 2, emb.embedCalls())
	assert.Equal(t, int64(2), engine.Stats().Failures)
}

func TestEngine_FilterSkipsInsignificantFacts(t *testing.T) {
	emb := newStubEmbedder()
	engine := NewEngine(ruleConfig(), emb, newTestStore(t), nil)

	result := engine.ProcessInteraction(context.Background(), Interaction{
		UserInput: "Thanks!\n\nok\n\nThe deploy script lives in scripts/deploy.sh",
	})

	require.Len(t, result.Actions, 1)
	assert.Equal(t, EventAdd, result.Actions[0].Event)
	assert.Equal(t, "The deploy script lives in scripts/deploy.sh", result.Actions[0].Text)
	assert.Equal(t, 1, emb.embedCalls())
	assert.Equal(t, int64(2), engine.Stats().Skipped)
}

func TestEngine_ContextCancellationStopsRun(t *testing.T) {
	emb := newStubEmbedder()
	engine := NewEngine(ruleConfig(), emb, newTestStore(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := engine.ProcessInteraction(ctx, Interaction{
		UserInput: "The staging database runs on port 5433\n\nDeploys happen from the release branch",
	})

	assert.Empty(t, result.Actions)
	assert.Equal(t, 0, emb.embedCalls())
}

func TestEngine_SearchMemories(t *testing.T) {
	emb := newStubEmbedder()
	emb.vecs["database port"] = []float32{1, 0, 0}

	store := newTestStore(t)
	seedMemory(t, store, "mem-1", "The staging database runs on port 5433", []float32{1, 0, 0})
	seedMemory(t, store, "mem-2", "Deploys happen from the release branch", []float32{0.8, 0.6, 0})
	require.NoError(t, store.Insert(context.Background(), []vector.Record{{
		ID:      "mem-3",
		Vector:  []float32{0.9, 0.1, 0},
		Payload: map[string]any{"event": "ADD"},
	}}))

	engine := NewEngine(ruleConfig(), emb, store, nil)

	hits, err := engine.SearchMemories(context.Background(), "database port", 0)
	require.NoError(t, err)

	// mem-3 has no text payload and is dropped from the hits.
	require.Len(t, hits, 2)
	assert.Equal(t, "mem-1", hits[0].ID)
	assert.Equal(t, "The staging database runs on port 5433", hits[0].Content)
	assert.Equal(t, "mem-2", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	hits, err = engine.SearchMemories(context.Background(), "database port", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestEngine_SearchMemoriesEmbedError(t *testing.T) {
	emb := newStubEmbedder()
	emb.err = errors.New("embedding backend gone")

	engine := NewEngine(ruleConfig(), emb, newTestStore(t), nil)

	_, err := engine.SearchMemories(context.Background(), "anything", 3)
	assert.Error(t, err)
}

func TestEngine_ExtractAndOperate(t *testing.T) {
	emb := newStubEmbedder()
	emb.vecs["The staging database runs on port 5433"] = []float32{1, 0, 0}
	emb.vecs["Deploys happen from the release branch"] = []float32{0, 1, 0}

	engine := NewEngine(ruleConfig(), emb, newTestStore(t), nil)

	ops, err := engine.ExtractAndOperate(context.Background(),
		"The staging database runs on port 5433\n\nDeploys happen from the release branch", "sess-9")
	require.NoError(t, err)
	assert.Equal(t, 2, ops.Added)
	assert.Zero(t, ops.Updated)
	assert.Zero(t, ops.Deleted)
}

func TestEngine_ExtractAndOperateWhileDisabled(t *testing.T) {
	emb := newStubEmbedder()
	emb.enabled = false
	emb.reason = "embedding quota exhausted"

	engine := NewEngine(ruleConfig(), emb, newTestStore(t), nil)

	ops, err := engine.ExtractAndOperate(context.Background(), "The staging database runs on port 5433", "")
	require.Error(t, err)
	assert.Equal(t, fault.Provider, fault.KindOf(err))
	assert.Contains(t, err.Error(), "embedding quota exhausted")
	assert.Zero(t, ops.Added)
}

func TestEngine_DisabledConfigIsChatOnly(t *testing.T) {
	emb := newStubEmbedder()
	cfg := ruleConfig()
	cfg.Enabled = config.BoolPtr(false)

	engine := NewEngine(cfg, emb, newTestStore(t), nil)

	result := engine.ProcessInteraction(context.Background(), Interaction{
		UserInput: "The staging database runs on port 5433",
	})

	assert.Equal(t, ModeChatOnly, result.Mode)
	assert.True(t, result.Skipped)
	assert.Equal(t, 0, emb.embedCalls())
}
