package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/fault"
	"github.com/kadirpekel/mnemo/pkg/llm"
	"github.com/kadirpekel/mnemo/pkg/prompt"
	"github.com/kadirpekel/mnemo/pkg/tokens"
)

// fixedPrompts returns a constant system prompt and records the context it
// was asked with.
type fixedPrompts struct {
	content string
	err     error
	lastCtx *prompt.Context
}

func (f *fixedPrompts) Generate(_ context.Context, pctx *prompt.Context) (*prompt.Result, error) {
	f.lastCtx = pctx
	if f.err != nil {
		return nil, f.err
	}
	return &prompt.Result{Content: f.content}, nil
}

func newManager(t *testing.T, prompts PromptGenerator, maxTokens int) *Manager {
	t.Helper()
	counter, err := tokens.NewCounter("gpt-4o")
	if err != nil {
		// No BPE data offline; the manager falls back to character
		// estimates, which these budgets are loose enough for.
		counter = nil
	}
	return New("sess-1", prompts, counter, config.ConversationConfig{MaxContextTokens: maxTokens})
}

func TestAddMessagesAndRawView(t *testing.T) {
	m := newManager(t, nil, 0)

	m.AddUserMessage("hello", nil)
	m.AddAssistantMessage("hi there", nil)

	raw := m.RawMessages()
	require.Len(t, raw, 2)
	assert.Equal(t, llm.RoleUser, raw[0].Role)
	assert.Equal(t, "hello", raw[0].Content)
	assert.Equal(t, llm.RoleAssistant, raw[1].Role)

	// The returned slice is a copy.
	raw[0].Content = "mutated"
	assert.Equal(t, "hello", m.RawMessages()[0].Content)
}

func TestAddToolResultRequiresPendingCall(t *testing.T) {
	m := newManager(t, nil, 0)

	err := m.AddToolResult("call_1", "search", "result")
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	m.AddUserMessage("find cats", nil)
	m.AddAssistantMessage("", []llm.ToolCall{{ID: "call_1", Name: "search", Args: map[string]any{"q": "cats"}}})

	require.NoError(t, m.AddToolResult("call_1", "search", "3 results"))

	// Answering the same call twice fails.
	err = m.AddToolResult("call_1", "search", "again")
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	err = m.AddToolResult("", "search", "x")
	require.Error(t, err)
}

func TestFormattedViewDropsUnansweredCalls(t *testing.T) {
	m := newManager(t, nil, 0)

	m.AddUserMessage("do two things", nil)
	m.AddAssistantMessage("on it", []llm.ToolCall{
		{ID: "call_a", Name: "first", Args: map[string]any{}},
		{ID: "call_b", Name: "second", Args: map[string]any{}},
	})
	require.NoError(t, m.AddToolResult("call_a", "first", "done"))

	formatted := m.AllFormattedMessages()
	require.Len(t, formatted, 3)

	assistant := formatted[1]
	require.Len(t, assistant.ToolCalls, 1, "unanswered call should be dropped from the view")
	assert.Equal(t, "call_a", assistant.ToolCalls[0].ID)

	// Raw storage keeps both calls.
	raw := m.RawMessages()
	assert.Len(t, raw[1].ToolCalls, 2)
}

func TestFormattedViewDropsEmptyAssistantWithNoAnsweredCalls(t *testing.T) {
	m := newManager(t, nil, 0)

	m.AddUserMessage("question", nil)
	m.AddAssistantMessage("", []llm.ToolCall{{ID: "call_x", Name: "lookup", Args: map[string]any{}}})

	formatted := m.AllFormattedMessages()
	require.Len(t, formatted, 1)
	assert.Equal(t, llm.RoleUser, formatted[0].Role)

	assert.Len(t, m.RawMessages(), 2)
}

func TestFormatTurnIncludesSystemPromptAndCommitsTurn(t *testing.T) {
	prompts := &fixedPrompts{content: "You are helpful."}
	m := newManager(t, prompts, 0)

	msgs, err := m.FormatTurn(context.Background(), llm.RoleUser, "first question", nil)
	require.NoError(t, err)

	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "You are helpful.", msgs[0].Content)
	assert.Equal(t, llm.RoleUser, msgs[1].Role)
	assert.Equal(t, "first question", msgs[1].Content)

	// The turn is committed to history.
	assert.Equal(t, 1, m.MessageCount())

	// Prompt context reflects the session.
	require.NotNil(t, prompts.lastCtx)
	assert.Equal(t, "sess-1", prompts.lastCtx.SessionID)
	assert.Equal(t, 0, prompts.lastCtx.MessageCount)
}

func TestFormatTurnRejectsToolRole(t *testing.T) {
	m := newManager(t, nil, 0)

	_, err := m.FormatTurn(context.Background(), llm.RoleTool, "nope", nil)
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestFormatTurnPropagatesPromptFailure(t *testing.T) {
	prompts := &fixedPrompts{err: errors.New("generator down")}
	m := newManager(t, prompts, 0)

	_, err := m.FormatTurn(context.Background(), llm.RoleUser, "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system prompt generation failed")

	// Nothing was committed.
	assert.Equal(t, 0, m.MessageCount())
}

func TestFormatTurnCompressesOldestExchanges(t *testing.T) {
	long := strings.Repeat("alpha beta gamma delta ", 40)

	// Budget fits roughly two long exchanges plus the new turn.
	m := newManager(t, nil, 500)

	m.AddUserMessage("oldest question "+long, nil)
	m.AddAssistantMessage("oldest answer "+long, nil)
	m.AddUserMessage("middle question "+long, nil)
	m.AddAssistantMessage("middle answer "+long, nil)
	m.AddUserMessage("recent question", nil)
	m.AddAssistantMessage("recent answer", nil)

	msgs, err := m.FormatTurn(context.Background(), llm.RoleUser, "new question", nil)
	require.NoError(t, err)

	joined := ""
	for _, msg := range msgs {
		joined += msg.Content + "\n"
	}

	assert.NotContains(t, joined, "oldest question")
	assert.NotContains(t, joined, "oldest answer")
	assert.Contains(t, joined, "recent question")
	assert.Contains(t, joined, "new question")

	// Raw history keeps everything plus the new turn.
	assert.Equal(t, 7, m.MessageCount())

	stats := m.Stats()
	assert.Equal(t, 1, stats.Compressions)
}

func TestCompressionNeverOrphansToolResults(t *testing.T) {
	long := strings.Repeat("lorem ipsum dolor sit amet ", 30)

	m := newManager(t, nil, 400)

	// Exchange 1: user + assistant-with-call + tool result.
	m.AddUserMessage("old: "+long, nil)
	m.AddAssistantMessage("", []llm.ToolCall{{ID: "c1", Name: "read_file", Args: map[string]any{"path": "a.txt"}}})
	require.NoError(t, m.AddToolResult("c1", "read_file", long))

	// Exchange 2: same shape, recent.
	m.AddUserMessage("new: short question", nil)
	m.AddAssistantMessage("", []llm.ToolCall{{ID: "c2", Name: "read_file", Args: map[string]any{"path": "b.txt"}}})
	require.NoError(t, m.AddToolResult("c2", "read_file", "two lines"))

	msgs, err := m.FormatTurn(context.Background(), llm.RoleUser, "follow-up", nil)
	require.NoError(t, err)

	// Every tool message in the output must be preceded by an assistant
	// message carrying its call id.
	calls := make(map[string]bool)
	for _, msg := range msgs {
		for _, call := range msg.ToolCalls {
			calls[call.ID] = true
		}
		if msg.Role == llm.RoleTool {
			assert.True(t, calls[msg.ToolCallID], "tool result %s appears without its assistant call", msg.ToolCallID)
		}
	}
}

func TestFormatContinuation(t *testing.T) {
	prompts := &fixedPrompts{content: "stay focused"}
	m := newManager(t, prompts, 0)

	m.AddUserMessage("question", nil)
	m.AddAssistantMessage("", []llm.ToolCall{{ID: "c1", Name: "search", Args: map[string]any{}}})
	require.NoError(t, m.AddToolResult("c1", "search", "found it"))

	msgs, err := m.FormatContinuation(context.Background())
	require.NoError(t, err)

	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, llm.RoleUser, msgs[1].Role)
	assert.Equal(t, llm.RoleAssistant, msgs[2].Role)
	assert.Equal(t, llm.RoleTool, msgs[3].Role)
}

func TestPromptContextCarriesMemoriesAndValues(t *testing.T) {
	prompts := &fixedPrompts{content: "sys"}
	m := newManager(t, prompts, 0)

	m.SetMemories([]string{"user prefers Go"})
	m.SetValue("tier", "pro")

	_, err := m.FormatTurn(context.Background(), llm.RoleUser, "hi", nil)
	require.NoError(t, err)

	require.NotNil(t, prompts.lastCtx)
	assert.Equal(t, []string{"user prefers Go"}, prompts.lastCtx.Memories)
	assert.Equal(t, "pro", prompts.lastCtx.Values["tier"])
}

func TestRestoreAndClear(t *testing.T) {
	m := newManager(t, nil, 0)

	m.Restore([]llm.Message{
		{Role: llm.RoleUser, Content: "restored"},
		{Role: llm.RoleAssistant, Content: "welcome back"},
	})
	assert.Equal(t, 2, m.MessageCount())
	assert.Equal(t, "restored", m.RawMessages()[0].Content)

	m.Clear()
	assert.Equal(t, 0, m.MessageCount())
}

func TestStats(t *testing.T) {
	m := newManager(t, nil, 1000)

	m.AddUserMessage("hello world", nil)
	m.AddAssistantMessage("hi", nil)

	stats := m.Stats()
	assert.Equal(t, 2, stats.MessageCount)
	assert.Greater(t, stats.TokenCount, 0)
	assert.Equal(t, 1000, stats.MaxTokens)
	assert.Greater(t, stats.Utilization, 0.0)
	assert.Equal(t, 0, stats.Compressions)
}

func TestNoCounterFallsBackToEstimate(t *testing.T) {
	m := New("sess-2", nil, nil, config.ConversationConfig{MaxContextTokens: 100})

	m.AddUserMessage(strings.Repeat("word ", 200), nil)
	m.AddAssistantMessage("ok", nil)

	msgs, err := m.FormatTurn(context.Background(), llm.RoleUser, "short", nil)
	require.NoError(t, err)

	// The oversized exchange is dropped; only the new turn goes out.
	require.Len(t, msgs, 1)
	assert.Equal(t, "short", msgs[0].Content)
}
