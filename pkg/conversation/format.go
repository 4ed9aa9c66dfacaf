package conversation

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/mnemo/pkg/fault"
	"github.com/kadirpekel/mnemo/pkg/llm"
	"github.com/kadirpekel/mnemo/pkg/prompt"
)

// FormatTurn runs the one-turn pipeline: generate the system prompt, compress
// history so the budget holds with the new turn included, commit the turn,
// and return the outgoing message list (system first, then history, then the
// turn).
func (m *Manager) FormatTurn(ctx context.Context, role llm.Role, content string, image *llm.Image) ([]llm.Message, error) {
	if role != llm.RoleUser && role != llm.RoleAssistant {
		return nil, fault.New(fault.Validation, "conversation.format_turn", "turn role must be user or assistant, got %s", role)
	}

	turn := llm.Message{Role: role, Content: content, Image: image}

	system, err := m.systemPrompt(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reserved := m.messageTokens(turn)
	if system != "" {
		reserved += m.messageTokens(llm.Message{Role: llm.RoleSystem, Content: system})
	}

	history := m.compressLocked(reserved)
	m.messages = append(m.messages, turn)

	return assemble(system, history, &turn), nil
}

// FormatContinuation rebuilds the outgoing list without adding a turn. The
// reasoning loop calls this between tool-result commits and the next model
// call.
func (m *Manager) FormatContinuation(ctx context.Context) ([]llm.Message, error) {
	system, err := m.systemPrompt(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reserved := 0
	if system != "" {
		reserved = m.messageTokens(llm.Message{Role: llm.RoleSystem, Content: system})
	}

	history := m.compressLocked(reserved)
	return assemble(system, history, nil), nil
}

// systemPrompt asks the prompt manager for the assembled system prompt.
// Prompt failures are not fatal here only when the manager swallows them;
// a hard failure propagates because sending a turn without its configured
// system prompt changes agent behavior silently.
func (m *Manager) systemPrompt(ctx context.Context) (string, error) {
	if m.prompts == nil {
		return "", nil
	}

	m.mu.RLock()
	memories := append([]string(nil), m.memories...)
	values := make(map[string]any, len(m.values))
	for k, v := range m.values {
		values[k] = v
	}
	pctx := &prompt.Context{
		SessionID:    m.sessionID,
		MessageCount: len(m.messages),
		Memories:     memories,
		Values:       values,
	}
	m.mu.RUnlock()

	result, err := m.prompts.Generate(ctx, pctx)
	if err != nil {
		return "", fault.Wrap(fault.KindOf(err), "conversation.format_turn", "system prompt generation failed", err)
	}
	return result.Content, nil
}

// compressLocked returns the outgoing history view trimmed to fit the token
// budget minus reserved. Dropping happens in whole exchanges (a user message
// plus every assistant/tool message that follows it), so a tool result is
// never separated from its originating assistant message.
func (m *Manager) compressLocked(reserved int) []llm.Message {
	view := outgoingView(m.messages)
	budget := m.maxTokens - reserved

	groups := m.groupExchanges(view)
	total := 0
	for _, g := range groups {
		total += g.tokens
	}

	dropped := 0
	for len(groups) > 0 && total > budget {
		total -= groups[0].tokens
		dropped += len(groups[0].messages)
		groups = groups[1:]
	}

	if dropped > 0 {
		m.compressions++
		slog.Debug("Compressed conversation history",
			"session_id", m.sessionID,
			"dropped_messages", dropped,
			"remaining_tokens", total,
			"budget", budget)
	}

	out := make([]llm.Message, 0, len(view)-dropped)
	for _, g := range groups {
		out = append(out, g.messages...)
	}
	return out
}

// exchange is the compression unit: one user turn and its assistant/tool
// tail.
type exchange struct {
	messages []llm.Message
	tokens   int
}

// groupExchanges splits messages into exchanges. A new exchange starts at
// every user message; anything before the first user message forms its own
// leading group.
func (m *Manager) groupExchanges(messages []llm.Message) []exchange {
	var groups []exchange
	for _, msg := range messages {
		if msg.Role == llm.RoleUser || len(groups) == 0 {
			groups = append(groups, exchange{})
		}
		g := &groups[len(groups)-1]
		g.messages = append(g.messages, msg)
		g.tokens += m.messageTokens(msg)
	}
	return groups
}

// assemble builds the final outgoing list.
func assemble(system string, history []llm.Message, turn *llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history)+2)
	if system != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	out = append(out, history...)
	if turn != nil {
		out = append(out, *turn)
	}
	return out
}
