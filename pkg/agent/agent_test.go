package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/conversation"
	"github.com/kadirpekel/mnemo/pkg/fault"
	"github.com/kadirpekel/mnemo/pkg/kv"
	"github.com/kadirpekel/mnemo/pkg/llm"
	"github.com/kadirpekel/mnemo/pkg/memory"
	"github.com/kadirpekel/mnemo/pkg/prompt"
	"github.com/kadirpekel/mnemo/pkg/ratelimit"
	"github.com/kadirpekel/mnemo/pkg/reflection"
	"github.com/kadirpekel/mnemo/pkg/session"
	"github.com/kadirpekel/mnemo/pkg/tools"
)

// scriptedProvider replies from a fixed queue, falling back to a plain
// answer when the queue is empty.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	err       error
	calls     int
}

func (p *scriptedProvider) Generate(_ context.Context, _ []llm.Message, _ []llm.ToolDefinition, _ *llm.Options) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &llm.Response{Text: "done"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) GenerateStreaming(context.Context, []llm.Message, []llm.ToolDefinition, *llm.Options) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func (p *scriptedProvider) ModelName() string { return "scripted" }

func (p *scriptedProvider) Close() error { return nil }

// stubExecutor answers every tool call with a fixed result.
type stubExecutor struct {
	mu       sync.Mutex
	result   tools.Result
	err      error
	executed []string
}

func (s *stubExecutor) ToolsForProvider(string) []llm.ToolDefinition {
	return []llm.ToolDefinition{{Name: "memory_search", Description: "Search long-term memory"}}
}

func (s *stubExecutor) Execute(_ context.Context, name string, _ map[string]any) (tools.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executed = append(s.executed, name)
	if s.err != nil {
		return tools.Result{}, s.err
	}
	return s.result, nil
}

// stubMemorizer records retrieval queries and processed interactions.
type stubMemorizer struct {
	mu           sync.Mutex
	hits         []tools.MemoryHit
	searchErr    error
	queries      []string
	interactions []memory.Interaction
}

func (s *stubMemorizer) SearchMemories(_ context.Context, query string, _ int) ([]tools.MemoryHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries = append(s.queries, query)
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.hits, nil
}

func (s *stubMemorizer) ProcessInteraction(_ context.Context, interaction memory.Interaction) memory.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interactions = append(s.interactions, interaction)
	return memory.Result{}
}

// stubReflector records the exchanges handed to reflection.
type stubReflector struct {
	mu       sync.Mutex
	sessions []string
	inputs   []string
	answers  []string
}

func (s *stubReflector) Process(_ context.Context, userInput, assistantText, sessionID string) (reflection.Trace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inputs = append(s.inputs, userInput)
	s.answers = append(s.answers, assistantText)
	s.sessions = append(s.sessions, sessionID)
	return reflection.Trace{}, false
}

// recordingLimiter captures Record calls and allows everything.
type recordingLimiter struct {
	mu       sync.Mutex
	records  int
	scope    ratelimit.Scope
	id       string
	tokens   int64
	requests int64
}

func (l *recordingLimiter) Check(context.Context, ratelimit.Scope, string) (*ratelimit.CheckResult, error) {
	return &ratelimit.CheckResult{Allowed: true}, nil
}

func (l *recordingLimiter) Record(_ context.Context, scope ratelimit.Scope, identifier string, tokenCount, requestCount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records++
	l.scope = scope
	l.id = identifier
	l.tokens += tokenCount
	l.requests += requestCount
	return nil
}

func (l *recordingLimiter) CheckAndRecord(ctx context.Context, scope ratelimit.Scope, identifier string, tokenCount, requestCount int64) (*ratelimit.CheckResult, error) {
	_ = l.Record(ctx, scope, identifier, tokenCount, requestCount)
	return &ratelimit.CheckResult{Allowed: true}, nil
}

func (l *recordingLimiter) GetUsage(context.Context, ratelimit.Scope, string) ([]ratelimit.Usage, error) {
	return nil, nil
}

func (l *recordingLimiter) Reset(context.Context, ratelimit.Scope, string) error { return nil }

func (l *recordingLimiter) ResetExpired(context.Context, time.Time) error { return nil }

// recordingPrompts records the memories each system prompt generation saw.
type recordingPrompts struct {
	mu       sync.Mutex
	memories [][]string
}

func (p *recordingPrompts) Generate(_ context.Context, pctx *prompt.Context) (*prompt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.memories = append(p.memories, append([]string(nil), pctx.Memories...))
	return &prompt.Result{Content: "You are a helpful assistant."}, nil
}

type harness struct {
	agent     *Agent
	provider  *scriptedProvider
	executor  *stubExecutor
	memorizer *stubMemorizer
	reflector *stubReflector
	limiter   *recordingLimiter
	prompts   *recordingPrompts
	sessions  *session.Manager
	pool      *memory.Pool
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := kv.NewMemoryStore()
	require.NoError(t, store.Connect(context.Background()))

	prompts := &recordingPrompts{}
	factory := func(id string) *conversation.Manager {
		return conversation.New(id, prompts, nil, config.ConversationConfig{MaxContextTokens: 100000})
	}
	sessions := session.NewManager(store, factory, config.SessionConfig{})
	t.Cleanup(func() { _ = sessions.Close() })

	h := &harness{
		provider:  &scriptedProvider{},
		executor:  &stubExecutor{result: tools.Result{Success: true, Content: "ok"}},
		memorizer: &stubMemorizer{},
		reflector: &stubReflector{},
		limiter:   &recordingLimiter{},
		prompts:   prompts,
		sessions:  sessions,
		pool:      memory.NewPool(1, 8),
	}
	t.Cleanup(h.pool.Close)

	cfg := config.AgentConfig{
		Name:      "mnemo",
		Reasoning: config.ReasoningConfig{RetryBackoff: time.Millisecond},
	}
	agent, err := New(cfg, Deps{
		Provider:     h.provider,
		ProviderKind: "openai",
		Sessions:     sessions,
		Tools:        h.executor,
		Memory:       h.memorizer,
		Reflection:   h.reflector,
		Pool:         h.pool,
		Limiter:      h.limiter,
	})
	require.NoError(t, err)
	h.agent = agent
	return h
}

// drain waits for scheduled background work to finish.
func (h *harness) drain() { h.pool.Close() }

func TestNew_RequiresCoreDeps(t *testing.T) {
	provider := &scriptedProvider{}
	store := kv.NewMemoryStore()
	require.NoError(t, store.Connect(context.Background()))
	sessions := session.NewManager(store, func(id string) *conversation.Manager {
		return conversation.New(id, nil, nil, config.ConversationConfig{})
	}, config.SessionConfig{})
	t.Cleanup(func() { _ = sessions.Close() })
	executor := &stubExecutor{}

	cases := []struct {
		name string
		deps Deps
	}{
		{"missing provider", Deps{Sessions: sessions, Tools: executor}},
		{"missing sessions", Deps{Provider: provider, Tools: executor}},
		{"missing tools", Deps{Provider: provider, Sessions: sessions}},
		{"memory without pool", Deps{Provider: provider, Sessions: sessions, Tools: executor, Memory: &stubMemorizer{}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(config.AgentConfig{}, tc.deps)
			require.Error(t, err)
			assert.Equal(t, fault.Validation, fault.KindOf(err))
		})
	}

	_, err := New(config.AgentConfig{}, Deps{Provider: provider, Sessions: sessions, Tools: executor})
	assert.NoError(t, err)
}

func TestRun_PlainTurn(t *testing.T) {
	h := newHarness(t)
	h.provider.responses = []*llm.Response{{
		Text:  "Hello back.",
		Usage: llm.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
	}}

	ctx := context.Background()
	res, err := h.agent.Run(ctx, "sess-agent-1", "Hello there, agent", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "sess-agent-1", res.SessionID)
	assert.Equal(t, "Hello back.", res.Text)
	assert.Equal(t, 1, res.Iterations)
	assert.Zero(t, res.ToolCalls)
	assert.Equal(t, 16, res.Usage.TotalTokens)
	assert.Greater(t, res.Duration, time.Duration(0))

	assert.Equal(t, "sess-agent-1", h.sessions.Current())
	history, _, err := h.sessions.History(ctx, "sess-agent-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	assert.Equal(t, 1, h.limiter.records)
	assert.Equal(t, ratelimit.ScopeSession, h.limiter.scope)
	assert.Equal(t, "sess-agent-1", h.limiter.id)
	assert.Equal(t, int64(16), h.limiter.tokens)
	assert.Zero(t, h.limiter.requests, "requests are counted by the middleware, not the agent")

	h.drain()
	require.Len(t, h.memorizer.interactions, 1)
	interaction := h.memorizer.interactions[0]
	assert.Equal(t, "sess-agent-1", interaction.SessionID)
	assert.Equal(t, "Hello there, agent", interaction.UserInput)
	assert.Equal(t, "Hello back.", interaction.AssistantText)
	assert.Empty(t, interaction.Tools)

	assert.Equal(t, []string{"Hello there, agent"}, h.reflector.inputs)
	assert.Equal(t, []string{"Hello back."}, h.reflector.answers)
	assert.Equal(t, []string{"sess-agent-1"}, h.reflector.sessions)

	stats := h.agent.Stats()
	assert.Equal(t, int64(1), stats.Turns)
	assert.Zero(t, stats.Failures)
}

func TestRun_ToolTurn(t *testing.T) {
	h := newHarness(t)
	h.provider.responses = []*llm.Response{
		{
			ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "memory_search", Args: map[string]any{"query": "staging port"}}},
			Usage:     llm.Usage{TotalTokens: 9},
		},
		{
			Text:  "The staging port is 5433.",
			Usage: llm.Usage{TotalTokens: 7},
		},
	}
	h.executor.result = tools.Result{Success: true, Content: "Found 1 relevant memories:\n1. [0.92] staging uses port 5433"}

	res, err := h.agent.Run(context.Background(), "sess-tools", "What port does staging use?", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "The staging port is 5433.", res.Text)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, 16, res.Usage.TotalTokens)
	assert.Equal(t, []string{"memory_search"}, h.executor.executed)
	assert.Equal(t, int64(16), h.limiter.tokens)

	h.drain()
	require.Len(t, h.memorizer.interactions, 1)
	uses := h.memorizer.interactions[0].Tools
	require.Len(t, uses, 1)
	assert.Equal(t, "memory_search", uses[0].Name)
	assert.Contains(t, uses[0].Result, "staging uses port 5433")
}

func TestRun_MemoriesPrimedIntoPrompt(t *testing.T) {
	h := newHarness(t)
	h.memorizer.hits = []tools.MemoryHit{
		{ID: "m1", Content: "The user prefers tabs", Score: 0.92},
		{ID: "m2", Content: "Staging port is 5433", Score: 0.81},
	}
	h.provider.responses = []*llm.Response{{Text: "Tabs, as always."}}

	_, err := h.agent.Run(context.Background(), "sess-prime", "What indentation do I prefer?", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"What indentation do I prefer?"}, h.memorizer.queries)
	require.NotEmpty(t, h.prompts.memories)
	assert.Equal(t, []string{"The user prefers tabs", "Staging port is 5433"}, h.prompts.memories[0])
}

func TestRun_MemoryRetrievalFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.memorizer.searchErr = errors.New("vector store offline")
	h.provider.responses = []*llm.Response{{Text: "Answering without memories."}}

	res, err := h.agent.Run(context.Background(), "sess-degraded", "What indentation do I prefer?", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "Answering without memories.", res.Text)
	require.NotEmpty(t, h.prompts.memories)
	assert.Empty(t, h.prompts.memories[0])
}

func TestRun_ValidationFailures(t *testing.T) {
	cases := []struct {
		name  string
		input string
		image *llm.Image
		opts  *RunOptions
	}{
		{"empty input", "", nil, nil},
		{"whitespace input", "   \n\t", nil, nil},
		{"image with both sources", "Look at this", &llm.Image{Bytes: []byte{1}, URI: "https://example.com/x.png", MimeType: "image/png"}, nil},
		{"image with no source", "Look at this", &llm.Image{}, nil},
		{"image bytes without mime type", "Look at this", &llm.Image{Bytes: []byte{1}}, nil},
		{"streaming without sink", "Hello", nil, &RunOptions{Stream: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)

			_, err := h.agent.Run(context.Background(), "sess-invalid", tc.input, tc.image, tc.opts)
			require.Error(t, err)
			assert.Equal(t, fault.Validation, fault.KindOf(err))
			assert.Zero(t, h.provider.calls)
		})
	}
}

func TestRun_AcceptsWellFormedImage(t *testing.T) {
	h := newHarness(t)
	h.provider.responses = []*llm.Response{{Text: "A diagram of the deploy pipeline."}}

	image := &llm.Image{Bytes: []byte{0x89, 0x50}, MimeType: "image/png"}
	res, err := h.agent.Run(context.Background(), "sess-image", "What is in this image?", image, nil)
	require.NoError(t, err)
	assert.Equal(t, "A diagram of the deploy pipeline.", res.Text)
}

func TestRun_ModelFailureCounted(t *testing.T) {
	h := newHarness(t)
	h.provider.err = errors.New("model offline")

	_, err := h.agent.Run(context.Background(), "sess-broken", "Hello there", nil, nil)
	require.Error(t, err)

	stats := h.agent.Stats()
	assert.Zero(t, stats.Turns)
	assert.Equal(t, int64(1), stats.Failures)

	h.drain()
	assert.Empty(t, h.memorizer.interactions, "failed turns are not memorized")
	assert.Empty(t, h.reflector.inputs)
	assert.Zero(t, h.limiter.records)
}

func TestRun_SanitizesSessionID(t *testing.T) {
	h := newHarness(t)
	h.provider.responses = []*llm.Response{{Text: "Noted."}}

	res, err := h.agent.Run(context.Background(), "My Agent Session!", "Remember this", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "My-Agent-Session", res.SessionID)
	assert.Equal(t, "My-Agent-Session", h.sessions.Current())
}

func TestRun_SecondTurnSeesFirst(t *testing.T) {
	h := newHarness(t)
	h.provider.responses = []*llm.Response{{Text: "First answer."}, {Text: "Second answer."}}

	ctx := context.Background()
	_, err := h.agent.Run(ctx, "sess-multi", "First question", nil, nil)
	require.NoError(t, err)
	_, err = h.agent.Run(ctx, "sess-multi", "Second question", nil, nil)
	require.NoError(t, err)

	history, _, err := h.sessions.History(ctx, "sess-multi")
	require.NoError(t, err)
	assert.Len(t, history, 4)

	h.drain()
	assert.Len(t, h.memorizer.interactions, 2)
}
