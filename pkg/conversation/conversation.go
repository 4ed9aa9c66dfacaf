// Package conversation maintains per-session message history: ordered
// storage, tool-call/tool-result linkage, and token-budgeted formatting of
// outgoing provider-neutral message lists.
package conversation

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/fault"
	"github.com/kadirpekel/mnemo/pkg/llm"
	"github.com/kadirpekel/mnemo/pkg/prompt"
	"github.com/kadirpekel/mnemo/pkg/tokens"
)

// PromptGenerator is the slice of the prompt manager the conversation layer
// depends on.
type PromptGenerator interface {
	Generate(ctx context.Context, pctx *prompt.Context) (*prompt.Result, error)
}

// Manager holds one session's ordered message history.
//
// Raw storage keeps everything that was committed; the formatted views drop
// assistant tool calls that never received a result so providers are never
// shown a dangling call.
type Manager struct {
	sessionID string
	prompts   PromptGenerator
	counter   *tokens.Counter
	maxTokens int

	mu           sync.RWMutex
	messages     []llm.Message
	memories     []string
	values       map[string]any
	compressions int
}

// Stats is a snapshot of a session's context usage.
type Stats struct {
	MessageCount int     `json:"message_count"`
	TokenCount   int     `json:"token_count"`
	MaxTokens    int     `json:"max_tokens"`
	Utilization  float64 `json:"utilization"`
	Compressions int     `json:"compressions"`
}

// New creates a conversation manager for one session. prompts may be nil, in
// which case formatted output carries no system message. counter may be nil,
// in which case token costs are estimated from character counts.
func New(sessionID string, prompts PromptGenerator, counter *tokens.Counter, cfg config.ConversationConfig) *Manager {
	cfg.SetDefaults()

	return &Manager{
		sessionID: sessionID,
		prompts:   prompts,
		counter:   counter,
		maxTokens: cfg.MaxContextTokens,
		values:    make(map[string]any),
	}
}

// SessionID returns the session this manager belongs to.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// AddUserMessage appends a user turn. image is optional.
func (m *Manager) AddUserMessage(text string, image *llm.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, llm.Message{
		Role:    llm.RoleUser,
		Content: text,
		Image:   image,
	})
}

// AddAssistantMessage appends an assistant turn, optionally carrying tool
// calls the model requested.
func (m *Manager) AddAssistantMessage(text string, toolCalls []llm.ToolCall) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   text,
		ToolCalls: toolCalls,
	})
}

// AddToolResult appends the result of a tool call. The id must reference a
// tool call from a prior assistant message that has not been answered yet.
func (m *Manager) AddToolResult(toolCallID, toolName, content string) error {
	if toolCallID == "" {
		return fault.New(fault.Validation, "conversation.add_tool_result", "tool call id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pendingLocked(toolCallID) {
		return fault.New(fault.Validation, "conversation.add_tool_result", "no pending tool call with id %s", toolCallID)
	}

	m.messages = append(m.messages, llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		ToolName:   toolName,
	})
	return nil
}

// pendingLocked reports whether an assistant message requested toolCallID
// and no tool message has answered it yet.
func (m *Manager) pendingLocked(toolCallID string) bool {
	requested := false
	for _, msg := range m.messages {
		switch msg.Role {
		case llm.RoleAssistant:
			for _, call := range msg.ToolCalls {
				if call.ID == toolCallID {
					requested = true
				}
			}
		case llm.RoleTool:
			if msg.ToolCallID == toolCallID {
				return false
			}
		}
	}
	return requested
}

// RawMessages returns a copy of the full history, including assistant tool
// calls that never got a result. This is the view memory extraction reads.
func (m *Manager) RawMessages() []llm.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]llm.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// AllFormattedMessages returns the provider-neutral view of the history:
// assistant tool calls without a matching result are dropped, and assistant
// messages left with no content and no calls disappear entirely.
func (m *Manager) AllFormattedMessages() []llm.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return outgoingView(m.messages)
}

// MessageCount returns the raw message count.
func (m *Manager) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// SetMemories replaces the retrieved memories exposed to prompt generation.
func (m *Manager) SetMemories(memories []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memories = memories
}

// SetValue sets a prompt context value, consumed by conditional generators.
func (m *Manager) SetValue(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// Restore replaces the history with messages loaded from persistence.
func (m *Manager) Restore(messages []llm.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = make([]llm.Message, len(messages))
	copy(m.messages, messages)
}

// Clear drops all history for the session.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// Stats returns the current context usage snapshot.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, msg := range m.messages {
		total += m.messageTokens(msg)
	}

	utilization := 0.0
	if m.maxTokens > 0 {
		utilization = float64(total) / float64(m.maxTokens) * 100.0
	}

	return Stats{
		MessageCount: len(m.messages),
		TokenCount:   total,
		MaxTokens:    m.maxTokens,
		Utilization:  utilization,
		Compressions: m.compressions,
	}
}

// messageTokens prices one message: role/content framing plus the tool call
// payloads assistant messages carry.
func (m *Manager) messageTokens(msg llm.Message) int {
	var total int
	if m.counter != nil {
		total = m.counter.CountMessage(string(msg.Role), msg.Content)
	} else {
		total = 3 + tokens.Estimate(string(msg.Role)) + tokens.Estimate(msg.Content)
	}

	for _, call := range msg.ToolCalls {
		payload := call.RawArgs
		if call.Args != nil {
			if raw, err := json.Marshal(call.Args); err == nil {
				payload = string(raw)
			}
		}
		if m.counter != nil {
			total += m.counter.Count(call.Name) + m.counter.Count(payload)
		} else {
			total += tokens.Estimate(call.Name) + tokens.Estimate(payload)
		}
	}

	return total
}

// outgoingView filters raw history into what providers may see: tool calls
// with no recorded result are removed, and an assistant message reduced to
// nothing is dropped. Tool results always keep their originating assistant
// message because an assistant message is only dropped when none of its
// calls were answered.
func outgoingView(messages []llm.Message) []llm.Message {
	answered := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role == llm.RoleTool && msg.ToolCallID != "" {
			answered[msg.ToolCallID] = true
		}
	}

	out := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != llm.RoleAssistant || len(msg.ToolCalls) == 0 {
			out = append(out, msg)
			continue
		}

		kept := make([]llm.ToolCall, 0, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			if answered[call.ID] {
				kept = append(kept, call)
			}
		}

		if len(kept) == 0 {
			if msg.Content == "" {
				continue
			}
			msg.ToolCalls = nil
		} else {
			msg.ToolCalls = kept
		}
		out = append(out, msg)
	}

	return out
}
