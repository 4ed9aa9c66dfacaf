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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mnemo/pkg/agent"
	"github.com/kadirpekel/mnemo/pkg/auth"
	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/conversation"
	"github.com/kadirpekel/mnemo/pkg/kv"
	"github.com/kadirpekel/mnemo/pkg/llm"
	"github.com/kadirpekel/mnemo/pkg/prompt"
	"github.com/kadirpekel/mnemo/pkg/ratelimit"
	"github.com/kadirpekel/mnemo/pkg/session"
	"github.com/kadirpekel/mnemo/pkg/tools"
)

// scriptedProvider returns queued responses, or a default text answer when
// the queue is empty.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	err       error
}

func (p *scriptedProvider) Generate(_ context.Context, _ []llm.Message, _ []llm.ToolDefinition, _ *llm.Options) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
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

func (p *scriptedProvider) GenerateStreaming(_ context.Context, _ []llm.Message, _ []llm.ToolDefinition, _ *llm.Options) (<-chan llm.StreamChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}

	ch := make(chan llm.StreamChunk, 4)
	go func() {
		defer close(ch)
		ch <- llm.StreamChunk{Type: llm.ChunkText, Text: "Hello "}
		ch <- llm.StreamChunk{Type: llm.ChunkText, Text: "world"}
		ch <- llm.StreamChunk{Type: llm.ChunkDone, Tokens: 6}
	}()
	return ch, nil
}

func (p *scriptedProvider) ModelName() string { return "scripted" }
func (p *scriptedProvider) Close() error      { return nil }

// stubExecutor advertises no tools.
type stubExecutor struct{}

func (stubExecutor) ToolsForProvider(string) []llm.ToolDefinition { return nil }

func (stubExecutor) Execute(context.Context, string, map[string]any) (tools.Result, error) {
	return tools.Result{Success: true, Content: "ok"}, nil
}

// staticPrompts returns a fixed system prompt.
type staticPrompts struct{}

func (staticPrompts) Generate(context.Context, *prompt.Context) (*prompt.Result, error) {
	return &prompt.Result{Content: "You are a helpful assistant."}, nil
}

// stubStats feeds the stats endpoint.
type stubStats struct {
	runtime      map[string]any
	optimization map[string]any
}

func (s *stubStats) RuntimeStats() map[string]any       { return s.runtime }
func (s *stubStats) OptimizationStatus() map[string]any { return s.optimization }

// stubHealth feeds the health endpoint.
type stubHealth struct {
	components map[string]any
	healthy    bool
}

func (s *stubHealth) Health(context.Context) (map[string]any, bool) {
	return s.components, s.healthy
}

// stubValidator accepts exactly one token.
type stubValidator struct {
	token string
}

func (v *stubValidator) ValidateToken(_ context.Context, token string) (*auth.Claims, error) {
	if token == v.token {
		return &auth.Claims{Subject: "tester"}, nil
	}
	return nil, auth.ErrInvalidToken
}

// denyLimiter rejects every request.
type denyLimiter struct{}

func (denyLimiter) Check(context.Context, ratelimit.Scope, string) (*ratelimit.CheckResult, error) {
	return &ratelimit.CheckResult{Allowed: false, Reason: "request limit exceeded"}, nil
}

func (denyLimiter) Record(context.Context, ratelimit.Scope, string, int64, int64) error {
	return nil
}

func (denyLimiter) CheckAndRecord(context.Context, ratelimit.Scope, string, int64, int64) (*ratelimit.CheckResult, error) {
	retry := 30 * time.Second
	return &ratelimit.CheckResult{Allowed: false, Reason: "request limit exceeded", RetryAfter: &retry}, nil
}

func (denyLimiter) GetUsage(context.Context, ratelimit.Scope, string) ([]ratelimit.Usage, error) {
	return nil, nil
}

func (denyLimiter) Reset(context.Context, ratelimit.Scope, string) error { return nil }

func (denyLimiter) ResetExpired(context.Context, time.Time) error { return nil }

// testEnv is a server over a real session manager and a scripted model.
type testEnv struct {
	handler  http.Handler
	sessions *session.Manager
	provider *scriptedProvider
}

func newTestEnv(t *testing.T, customize func(*Deps)) *testEnv {
	t.Helper()

	store := kv.NewMemoryStore()
	require.NoError(t, store.Connect(context.Background()))

	factory := func(id string) *conversation.Manager {
		return conversation.New(id, staticPrompts{}, nil, config.ConversationConfig{MaxContextTokens: 100000})
	}
	sessions := session.NewManager(store, factory, config.SessionConfig{})
	t.Cleanup(func() { _ = sessions.Close() })

	provider := &scriptedProvider{}
	ag, err := agent.New(config.AgentConfig{
		Name:      "mnemo",
		Reasoning: config.ReasoningConfig{RetryBackoff: time.Millisecond},
	}, agent.Deps{
		Provider:     provider,
		ProviderKind: "openai",
		Sessions:     sessions,
		Tools:        stubExecutor{},
	})
	require.NoError(t, err)

	deps := Deps{Sessions: sessions, Agent: ag}
	if customize != nil {
		customize(&deps)
	}

	srv, err := New(config.ServerConfig{}, deps)
	require.NoError(t, err)

	return &testEnv{handler: srv.Handler(), sessions: sessions, provider: provider}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), "body: %s", rec.Body.String())
	return payload
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) ErrorEnvelope {
	t.Helper()
	var envelope ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), "body: %s", rec.Body.String())
	return envelope
}

func TestNew_RequiresCoreDeps(t *testing.T) {
	_, err := New(config.ServerConfig{}, Deps{})
	require.Error(t, err)

	_, err = New(config.ServerConfig{Port: -1}, Deps{})
	require.Error(t, err)
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/sessions", map[string]any{"sessionId": "my-session"})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	payload := decodeJSON(t, rec)
	assert.Equal(t, true, payload["created"])
	sess := payload["session"].(map[string]any)
	assert.Equal(t, "my-session", sess["id"])
	assert.NotEmpty(t, sess["createdAt"])

	// Creation does not claim currency; only a conversation turn does.
	assert.Empty(t, env.sessions.Current())
}

func TestCreateSession_DuplicateIsBadRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.do(t, http.MethodPost, "/sessions", map[string]any{"sessionId": "twice"})
	require.Equal(t, http.StatusCreated, first.Code)

	second := env.do(t, http.MethodPost, "/sessions", map[string]any{"sessionId": "twice"})
	require.Equal(t, http.StatusBadRequest, second.Code)

	envelope := decodeEnvelope(t, second)
	assert.False(t, envelope.Success)
	assert.Equal(t, CodeBadRequest, envelope.Error.Code)
	assert.Contains(t, envelope.Error.Message, "already exists")
	assert.NotEmpty(t, envelope.Meta.Timestamp)
	assert.NotEmpty(t, envelope.Meta.RequestID)
}

func TestCreateSession_EmptyBodyGeneratesID(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/sessions", nil)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	payload := decodeJSON(t, rec)
	sess := payload["session"].(map[string]any)
	assert.NotEmpty(t, sess["id"])
}

func TestCreateSession_SanitizesRequestedID(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/sessions", map[string]any{"sessionId": "My Agent Session!"})

	require.Equal(t, http.StatusCreated, rec.Code)
	payload := decodeJSON(t, rec)
	sess := payload["session"].(map[string]any)
	assert.Equal(t, "My-Agent-Session", sess["id"])
}

func TestCurrentSession_NoneIs404(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/sessions/current", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, CodeSessionNotFound, envelope.Error.Code)
}

func TestCurrentSession_AfterRun(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/sessions/focus/run", map[string]any{"input": "hello"})

	rec := env.do(t, http.MethodGet, "/sessions/current", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	assert.Equal(t, "focus", payload["sessionId"])
	assert.Equal(t, true, payload["isCurrent"])
	meta := payload["metadata"].(map[string]any)
	assert.Equal(t, "focus", meta["id"])
}

func TestGetSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/sessions", map[string]any{"sessionId": "lookup"})

	rec := env.do(t, http.MethodGet, "/sessions/lookup", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	assert.Equal(t, "lookup", payload["sessionId"])
	assert.Equal(t, false, payload["isCurrent"])
	meta := payload["metadata"].(map[string]any)
	assert.EqualValues(t, 0, meta["messageCount"])
}

func TestGetSession_UnknownIs404(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/sessions/ghost", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, CodeSessionNotFound, envelope.Error.Code)
}

func TestListSessions_HidesEmptySessions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/sessions", map[string]any{"sessionId": "quiet"})

	rec := env.do(t, http.MethodGet, "/sessions", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	assert.EqualValues(t, 0, payload["count"])
	assert.Empty(t, payload["sessions"])
	assert.Equal(t, "", payload["currentSession"])
	assert.Contains(t, payload, "processingTime")
}

func TestLoadSession(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/sessions/fresh-one/load", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	payload := decodeJSON(t, rec)
	assert.Equal(t, "fresh-one", payload["sessionId"])
	assert.Equal(t, true, payload["loaded"])
	history, ok := payload["conversationHistory"].([]any)
	require.True(t, ok, "conversationHistory must be an array")
	assert.Empty(t, history)

	// A loaded-but-idle session stays deletable.
	assert.Empty(t, env.sessions.Current())
}

func TestDeleteSession_CreateLoadDeleteLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	created := env.do(t, http.MethodPost, "/sessions", map[string]any{"sessionId": "s1"})
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())

	// Addressable by id but hidden from the listing while empty.
	got := env.do(t, http.MethodGet, "/sessions/s1", nil)
	require.Equal(t, http.StatusOK, got.Code)
	list := decodeJSON(t, env.do(t, http.MethodGet, "/sessions", nil))
	assert.EqualValues(t, 0, list["count"])

	loaded := env.do(t, http.MethodPost, "/sessions/s1/load", nil)
	require.Equal(t, http.StatusOK, loaded.Code, loaded.Body.String())

	// Loading must not pin the session; deleting it right after works.
	rec := env.do(t, http.MethodDelete, "/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	payload := decodeJSON(t, rec)
	assert.Equal(t, "s1", payload["sessionId"])
	assert.Equal(t, true, payload["deleted"])
	assert.Equal(t, true, payload["successful"])

	after := env.do(t, http.MethodGet, "/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, after.Code)
}

func TestDeleteSession_CurrentIsRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/sessions/active/run", map[string]any{"input": "hold this"})

	rec := env.do(t, http.MethodDelete, "/sessions/active", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, CodeValidationError, envelope.Error.Code)
	assert.Contains(t, envelope.Error.Message, "current session")
}

func TestDeleteSession_UnknownIs404(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodDelete, "/sessions/never-was", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, CodeSessionNotFound, envelope.Error.Code)
}

func TestRun(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.responses = []*llm.Response{
		{Text: "All set.", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}

	rec := env.do(t, http.MethodPost, "/sessions/chat-1/run", map[string]any{"input": "Set it up"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	payload := decodeJSON(t, rec)
	assert.Equal(t, "chat-1", payload["sessionId"])
	assert.Equal(t, "All set.", payload["response"])
	assert.Contains(t, payload, "processingTime")

	// The turn persisted, so the session is now listable with history.
	list := decodeJSON(t, env.do(t, http.MethodGet, "/sessions", nil))
	assert.EqualValues(t, 1, list["count"])

	history := decodeJSON(t, env.do(t, http.MethodGet, "/sessions/chat-1/history", nil))
	assert.EqualValues(t, 2, history["count"])
	assert.Equal(t, string(session.SourceMemory), history["source"])
}

func TestRun_EmptyInputIsValidationError(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/sessions/chat-1/run", map[string]any{"input": "   "})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, CodeValidationError, envelope.Error.Code)
}

func TestRun_ModelFailureIsInternalError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.err = context.DeadlineExceeded

	rec := env.do(t, http.MethodPost, "/sessions/chat-1/run", map[string]any{"input": "hello"})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, CodeInternalError, envelope.Error.Code)
	assert.NotEmpty(t, envelope.Error.Message)
}

func TestRun_Streaming(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/sessions/chat-1/run", map[string]any{
		"input":  "stream it",
		"stream": true,
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: message")
	assert.Contains(t, body, `"text":"Hello "`)
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, `"response":"Hello world"`)
}

func TestHistory_SanitizesPathID(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/sessions/My%20Chat%20Log/history", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	payload := decodeJSON(t, rec)
	assert.Equal(t, "My-Chat-Log", payload["sessionId"])
	assert.EqualValues(t, 0, payload["count"])
	assert.Equal(t, string(session.SourceEmpty), payload["source"])
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, func(deps *Deps) {
		deps.Stats = &stubStats{
			runtime:      map[string]any{"memory": map[string]any{"addOperations": 3}},
			optimization: map[string]any{"embeddings": map[string]any{"enabled": true}},
		}
	})

	rec := env.do(t, http.MethodGet, "/sessions/stats", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	assert.Contains(t, payload, "sessionStats")
	runtimeStats := payload["runtimeStats"].(map[string]any)
	assert.Contains(t, runtimeStats, "memory")
	optimization := payload["optimizationStatus"].(map[string]any)
	assert.Contains(t, optimization, "embeddings")
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, func(deps *Deps) {
		deps.Health = &stubHealth{
			healthy: true,
			components: map[string]any{
				"vector": map[string]any{"backend": "qdrant", "connected": true, "fallback": false},
			},
		}
	})

	rec := env.do(t, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	assert.Equal(t, "ok", payload["status"])
	vector := payload["vector"].(map[string]any)
	assert.Equal(t, false, vector["fallback"])
}

func TestHealthz_DegradedIs503(t *testing.T) {
	env := newTestEnv(t, func(deps *Deps) {
		deps.Health = &stubHealth{
			healthy: false,
			components: map[string]any{
				"vector": map[string]any{"backend": "memory", "connected": true, "fallback": true},
			},
		}
	})

	rec := env.do(t, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	payload := decodeJSON(t, rec)
	assert.Equal(t, "degraded", payload["status"])
}

func TestAuth_MissingTokenIsUnauthorized(t *testing.T) {
	env := newTestEnv(t, func(deps *Deps) {
		deps.Auth = &stubValidator{token: "good-token"}
	})

	rec := env.do(t, http.MethodGet, "/sessions", nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, CodeUnauthorized, envelope.Error.Code)
}

func TestAuth_ValidTokenPasses(t *testing.T) {
	env := newTestEnv(t, func(deps *Deps) {
		deps.Auth = &stubValidator{token: "good-token"}
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAuth_HealthzIsExcluded(t *testing.T) {
	env := newTestEnv(t, func(deps *Deps) {
		deps.Auth = &stubValidator{token: "good-token"}
	})

	rec := env.do(t, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_RejectionUsesEnvelope(t *testing.T) {
	env := newTestEnv(t, func(deps *Deps) {
		deps.Limiter = denyLimiter{}
	})

	rec := env.do(t, http.MethodGet, "/sessions", nil)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, CodeRateLimitExceeded, envelope.Error.Code)
	assert.Equal(t, "request limit exceeded", envelope.Error.Message)
	assert.EqualValues(t, 30, envelope.Error.Details["retryAfterSeconds"])
}

func TestRateLimit_HealthzIsExcluded(t *testing.T) {
	env := newTestEnv(t, func(deps *Deps) {
		deps.Limiter = denyLimiter{}
	})

	rec := env.do(t, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}
