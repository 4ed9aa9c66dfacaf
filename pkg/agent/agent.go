// Package agent orchestrates one conversational turn end to end: resolve
// the session, prime retrieved memories into the prompt, drive the
// reasoning loop, persist the turn, and hand the finished exchange to the
// background memory and reflection pipelines. Background work never delays
// or fails the foreground answer.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/conversation"
	"github.com/kadirpekel/mnemo/pkg/fault"
	"github.com/kadirpekel/mnemo/pkg/llm"
	"github.com/kadirpekel/mnemo/pkg/memory"
	"github.com/kadirpekel/mnemo/pkg/observability"
	"github.com/kadirpekel/mnemo/pkg/ratelimit"
	"github.com/kadirpekel/mnemo/pkg/reasoning"
	"github.com/kadirpekel/mnemo/pkg/reflection"
	"github.com/kadirpekel/mnemo/pkg/session"
	"github.com/kadirpekel/mnemo/pkg/tools"
)

// Memorizer is the slice of the memory engine the agent drives: foreground
// retrieval before the model call, background extraction after it.
type Memorizer interface {
	SearchMemories(ctx context.Context, query string, limit int) ([]tools.MemoryHit, error)
	ProcessInteraction(ctx context.Context, interaction memory.Interaction) memory.Result
}

var _ Memorizer = (*memory.Engine)(nil)

// Reflector is the slice of the reflection engine the agent schedules after
// each turn.
type Reflector interface {
	Process(ctx context.Context, userInput, assistantText, sessionID string) (reflection.Trace, bool)
}

var _ Reflector = (*reflection.Engine)(nil)

// Deps are the agent's collaborators. Provider, Sessions and Tools are
// required; a nil Memory, Reflection or Limiter skips the matching
// behavior.
type Deps struct {
	// Provider is the conversation model.
	Provider llm.Provider

	// ProviderKind selects the tool-definition dialect the executor
	// advertises ("openai", "anthropic", "gemini").
	ProviderKind string

	// Sessions resolves and persists conversation sessions.
	Sessions *session.Manager

	// Tools executes the model's tool calls.
	Tools reasoning.ToolExecutor

	// Memory is the long-term memory engine.
	Memory Memorizer

	// Reflection is the reasoning trace engine.
	Reflection Reflector

	// Pool runs the background work. Required when Memory or Reflection is
	// set.
	Pool *memory.Pool

	// Limiter is charged the turn's token usage. Request counting happens
	// in the HTTP middleware.
	Limiter ratelimit.RateLimiter
}

// RunOptions control one turn.
type RunOptions struct {
	// Stream turns on incremental text delivery through Sink.
	Stream bool

	// Sink receives streamed text. Required when Stream is set; it is
	// called from the turn's goroutine and must not block.
	Sink reasoning.TextSink
}

// RunResult is one finished turn.
type RunResult struct {
	// SessionID is the id the turn actually ran under. It differs from the
	// requested id when the session manager sanitized or generated one.
	SessionID string `json:"sessionId"`

	// Text is the assistant's answer.
	Text string `json:"response"`

	// Iterations is how many model calls the turn took.
	Iterations int `json:"iterations"`

	// ToolCalls is how many tool executions the turn made.
	ToolCalls int `json:"toolCalls"`

	// Usage sums token usage across the turn's model calls.
	Usage llm.Usage `json:"usage"`

	// Duration is the foreground wall time.
	Duration time.Duration `json:"-"`
}

// Stats is a point-in-time summary of agent activity.
type Stats struct {
	Turns    int64 `json:"turns"`
	Failures int64 `json:"failures"`
}

// Agent runs conversational turns.
type Agent struct {
	cfg  config.AgentConfig
	deps Deps

	turns    atomic.Int64
	failures atomic.Int64
}

// New builds an agent. The config is defaulted and validated here so a
// misconfigured agent fails at startup, not mid-conversation.
func New(cfg config.AgentConfig, deps Deps) (*Agent, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fault.Wrap(fault.Validation, "agent.new", "invalid agent config", err)
	}

	if deps.Provider == nil {
		return nil, fault.New(fault.Validation, "agent.new", "llm provider is required")
	}
	if deps.Sessions == nil {
		return nil, fault.New(fault.Validation, "agent.new", "session manager is required")
	}
	if deps.Tools == nil {
		return nil, fault.New(fault.Validation, "agent.new", "tool executor is required")
	}
	if (deps.Memory != nil || deps.Reflection != nil) && deps.Pool == nil {
		return nil, fault.New(fault.Validation, "agent.new", "background work requires a pool")
	}

	return &Agent{cfg: cfg, deps: deps}, nil
}

// Name returns the agent's display name.
func (a *Agent) Name() string {
	return a.cfg.Name
}

// Description returns the agent's configured description.
func (a *Agent) Description() string {
	return a.cfg.Description
}

// Run executes one turn against the given session. The session is loaded
// (or created) first, so the returned result carries the id that actually
// served the turn. Memory and reflection work is scheduled after the answer
// is ready and runs on its own deadline.
func (a *Agent) Run(ctx context.Context, sessionID, input string, image *llm.Image, opts *RunOptions) (*RunResult, error) {
	start := time.Now()

	if strings.TrimSpace(input) == "" {
		return nil, fault.New(fault.Validation, "agent.run", "input must not be empty")
	}
	if err := validateImage(image); err != nil {
		return nil, err
	}
	stream, sink, err := streamSettings(opts)
	if err != nil {
		return nil, err
	}

	sess, _, err := a.deps.Sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	a.deps.Sessions.SetCurrent(sess.ID())

	tracer := observability.GetTracer("mnemo.agent")
	ctx, span := tracer.Start(ctx, observability.SpanChatTurn)
	defer span.End()
	span.SetAttributes(attribute.String(observability.AttrSessionID, sess.ID()))

	conv := sess.Conversation()
	a.primeMemories(ctx, conv, input)

	engine := reasoning.NewEngine(a.deps.Provider, a.deps.ProviderKind, a.deps.Tools, conv, a.cfg.Reasoning)
	if sink != nil {
		engine.SetTextSink(sink)
	}

	result, err := engine.Run(ctx, input, image, stream)
	duration := time.Since(start)

	turnTokens := 0
	if result != nil {
		turnTokens = result.Usage.TotalTokens
	}
	observability.GetGlobalMetrics().RecordChatTurn(ctx, duration, turnTokens, err)

	if err != nil {
		a.failures.Add(1)
		return nil, err
	}
	a.turns.Add(1)

	if err := a.deps.Sessions.SaveTurn(ctx, sess); err != nil {
		// The answer exists; a lost snapshot write must not eat it.
		slog.Warn("Turn persistence failed", "session_id", sess.ID(), "error", err)
	}

	a.recordUsage(ctx, sess.ID(), result.Usage)
	a.scheduleBackground(sess.ID(), input, result)

	return &RunResult{
		SessionID:  sess.ID(),
		Text:       result.Text,
		Iterations: result.Iterations,
		ToolCalls:  len(result.ToolsUsed),
		Usage:      result.Usage,
		Duration:   duration,
	}, nil
}

// Stats returns a snapshot of the agent counters.
func (a *Agent) Stats() Stats {
	return Stats{
		Turns:    a.turns.Load(),
		Failures: a.failures.Load(),
	}
}

// primeMemories retrieves memories relevant to the input and exposes them
// to prompt generation. Retrieval failure degrades to a memory-less prompt;
// stale memories from the previous turn are cleared either way.
func (a *Agent) primeMemories(ctx context.Context, conv *conversation.Manager, input string) {
	if a.deps.Memory == nil {
		return
	}

	hits, err := a.deps.Memory.SearchMemories(ctx, input, 0)
	if err != nil {
		slog.Debug("Memory retrieval failed, continuing without memories",
			"session_id", conv.SessionID(), "error", err)
		conv.SetMemories(nil)
		return
	}

	texts := make([]string, len(hits))
	for i, hit := range hits {
		texts[i] = hit.Content
	}
	conv.SetMemories(texts)
}

// recordUsage charges the turn's tokens against the session's quota.
func (a *Agent) recordUsage(ctx context.Context, sessionID string, usage llm.Usage) {
	if a.deps.Limiter == nil || usage.TotalTokens == 0 {
		return
	}

	err := a.deps.Limiter.Record(ctx, ratelimit.ScopeSession, sessionID, int64(usage.TotalTokens), 0)
	if err != nil {
		slog.Debug("Token usage recording failed", "session_id", sessionID, "error", err)
	}
}

// scheduleBackground hands the finished exchange to the memory and
// reflection pipelines on the pool. The turn is already answered, so a full
// queue costs only the learning, never the response.
func (a *Agent) scheduleBackground(sessionID, input string, result *reasoning.RunResult) {
	if a.deps.Pool == nil || (a.deps.Memory == nil && a.deps.Reflection == nil) {
		return
	}

	interaction := memory.Interaction{
		SessionID:     sessionID,
		UserInput:     input,
		AssistantText: result.Text,
		Tools:         toolUses(result.ToolsUsed),
	}

	a.deps.Pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), memory.ProcessTimeout)
		defer cancel()

		if a.deps.Memory != nil {
			a.deps.Memory.ProcessInteraction(ctx, interaction)
		}
		if a.deps.Reflection != nil {
			a.deps.Reflection.Process(ctx, interaction.UserInput, interaction.AssistantText, sessionID)
		}
	})
}

func toolUses(used []reasoning.ToolUse) []memory.ToolUse {
	if len(used) == 0 {
		return nil
	}
	out := make([]memory.ToolUse, len(used))
	for i, u := range used {
		out[i] = memory.ToolUse{Name: u.Name, Args: u.Args, Result: u.Result}
	}
	return out
}

// validateImage checks the attachment shape: exactly one source, and inline
// bytes must declare their mime type.
func validateImage(image *llm.Image) error {
	if image == nil {
		return nil
	}

	hasBytes := len(image.Bytes) > 0
	hasURI := strings.TrimSpace(image.URI) != ""
	switch {
	case hasBytes && hasURI:
		return fault.New(fault.Validation, "agent.run", "image carries both bytes and uri")
	case !hasBytes && !hasURI:
		return fault.New(fault.Validation, "agent.run", "image carries neither bytes nor uri")
	case hasBytes && image.MimeType == "":
		return fault.New(fault.Validation, "agent.run", "inline image bytes need a mime type")
	}
	return nil
}

func streamSettings(opts *RunOptions) (stream bool, sink reasoning.TextSink, err error) {
	if opts == nil || !opts.Stream {
		return false, nil, nil
	}
	if opts.Sink == nil {
		return false, nil, fault.New(fault.Validation, "agent.run", "streaming requires a sink")
	}
	return true, opts.Sink, nil
}
