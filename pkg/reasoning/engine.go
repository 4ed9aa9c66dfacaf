// Package reasoning runs the bounded tool-call loop at the heart of every
// turn: format the conversation, call the model, execute whatever tools it
// asks for, commit the results, and call again until the model answers in
// plain text or the iteration cap trips.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/conversation"
	"github.com/kadirpekel/mnemo/pkg/llm"
	"github.com/kadirpekel/mnemo/pkg/observability"
	"github.com/kadirpekel/mnemo/pkg/tools"
)

// maxIterationsText is committed as the assistant's answer when the loop
// hits its iteration cap.
const maxIterationsText = "task completed but reached max iterations"

// substantialTextChars is the length at which assistant text alongside tool
// calls is taken as the real answer and the calls are dropped. Short
// preambles ("let me check that") stay below it; full answers with a
// hallucinated trailing call land above it.
const substantialTextChars = 100

// ToolExecutor is the slice of the tool manager the loop needs.
type ToolExecutor interface {
	ToolsForProvider(providerKind string) []llm.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]any) (tools.Result, error)
}

var _ ToolExecutor = (*tools.Manager)(nil)

// TextSink receives streamed assistant text as it is generated. Only used
// when Run is called with stream=true.
type TextSink func(text string)

// ToolUse records one executed tool call for the background memory pass.
type ToolUse struct {
	Name    string
	Args    map[string]any
	Result  string
	Success bool
}

// RunResult is the outcome of one turn.
type RunResult struct {
	// Text is the assistant's final answer.
	Text string

	// ToolsUsed lists every executed call in execution order, including
	// failed ones.
	ToolsUsed []ToolUse

	// Iterations is how many model calls the turn took.
	Iterations int

	// Usage sums token usage across all calls, retries included.
	Usage llm.Usage
}

// Engine drives the reasoning loop for one session.
type Engine struct {
	provider     llm.Provider
	providerKind string
	executor     ToolExecutor
	conv         *conversation.Manager
	cfg          config.ReasoningConfig
	sink         TextSink
}

// NewEngine wires a loop over one provider, tool executor and conversation.
// providerKind selects the tool definition shape (see
// tools.Manager.ToolsForProvider).
func NewEngine(provider llm.Provider, providerKind string, executor ToolExecutor, conv *conversation.Manager, cfg config.ReasoningConfig) *Engine {
	cfg.SetDefaults()
	return &Engine{
		provider:     provider,
		providerKind: providerKind,
		executor:     executor,
		conv:         conv,
		cfg:          cfg,
	}
}

// SetTextSink registers a callback for streamed text. The sink is called
// from the goroutine running Run; it must not block.
func (e *Engine) SetTextSink(sink TextSink) {
	e.sink = sink
}

// Run executes one turn: the user input (and optional image) is committed to
// the conversation, then the loop calls the model until it answers without
// tool calls or MaxIterations is reached.
//
// Tool failures never fail the turn; they are committed as tool-result
// payloads and the model decides what to do with them. Model errors are
// retried with backoff and propagate only after the retry budget is spent.
func (e *Engine) Run(ctx context.Context, input string, image *llm.Image, stream bool) (*RunResult, error) {
	messages, err := e.conv.FormatTurn(ctx, llm.RoleUser, input, image)
	if err != nil {
		return nil, err
	}

	result := &RunResult{}
	sessionID := e.conv.SessionID()

	for iteration := 1; iteration <= e.cfg.MaxIterations; iteration++ {
		result.Iterations = iteration

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		defs := e.executor.ToolsForProvider(e.providerKind)
		resp, err := e.callWithRetry(ctx, messages, defs, stream)
		if err != nil {
			return nil, err
		}

		result.Usage.PromptTokens += resp.Usage.PromptTokens
		result.Usage.CompletionTokens += resp.Usage.CompletionTokens
		result.Usage.TotalTokens += resp.Usage.TotalTokens

		if resp.Thinking != "" {
			slog.Debug("Model thinking",
				"session_id", sessionID,
				"iteration", iteration,
				"thinking", resp.Thinking)
		}

		calls := resp.ToolCalls
		if len(calls) > 0 && len(strings.TrimSpace(resp.Text)) >= substantialTextChars {
			slog.Debug("Dropping tool calls in favor of substantial text",
				"session_id", sessionID,
				"calls", len(calls),
				"text_len", len(resp.Text))
			calls = nil
		}

		if len(calls) == 0 {
			e.conv.AddAssistantMessage(resp.Text, nil)
			result.Text = resp.Text
			return result, nil
		}

		e.conv.AddAssistantMessage(resp.Text, calls)
		e.executeCalls(ctx, calls, result)

		messages, err = e.conv.FormatContinuation(ctx)
		if err != nil {
			return nil, err
		}
	}

	slog.Warn("Reasoning loop hit iteration cap",
		"session_id", sessionID,
		"max_iterations", e.cfg.MaxIterations)
	e.conv.AddAssistantMessage(maxIterationsText, nil)
	result.Text = maxIterationsText
	return result, nil
}

// executeCalls runs each requested call and commits its result. Broken
// arguments and execution failures become error payloads the model can read.
func (e *Engine) executeCalls(ctx context.Context, calls []llm.ToolCall, result *RunResult) {
	sessionID := e.conv.SessionID()

	for _, call := range calls {
		var content string
		var success bool

		switch {
		case !call.ArgsValid():
			content = errorPayload("failed to parse arguments")
			slog.Warn("Tool call arguments did not parse",
				"session_id", sessionID,
				"tool", call.Name,
				"raw_args", truncate(call.RawArgs, 200))
		default:
			toolResult, err := e.executor.Execute(ctx, call.Name, call.Args)
			if err != nil {
				content = errorPayload(err.Error())
			} else {
				content = toolResult.Content
				success = true
			}
		}

		if err := e.conv.AddToolResult(call.ID, call.Name, content); err != nil {
			slog.Warn("Failed to commit tool result",
				"session_id", sessionID,
				"tool", call.Name,
				"error", err)
		}

		result.ToolsUsed = append(result.ToolsUsed, ToolUse{
			Name:    call.Name,
			Args:    call.Args,
			Result:  content,
			Success: success,
		})
	}
}

// callWithRetry calls the model, retrying failures with linear backoff.
// Retry attempts withdraw tools (ToolChoice=none) so a flaky provider is not
// invited to repeat calls it may already have half-issued.
func (e *Engine) callWithRetry(ctx context.Context, messages []llm.Message, defs []llm.ToolDefinition, stream bool) (*llm.Response, error) {
	sessionID := e.conv.SessionID()

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * e.cfg.RetryBackoff
			slog.Warn("Retrying LLM call",
				"session_id", sessionID,
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		opts := &llm.Options{}
		if attempt > 0 {
			opts.ToolChoice = llm.ToolChoiceNone
		}

		resp, err := e.generateOnce(ctx, messages, defs, opts, stream)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("llm call failed after %d attempts: %w", e.cfg.MaxRetries+1, lastErr)
}

// generateOnce performs a single instrumented model call, accumulating the
// stream into a Response when streaming is on.
func (e *Engine) generateOnce(ctx context.Context, messages []llm.Message, defs []llm.ToolDefinition, opts *llm.Options, stream bool) (*llm.Response, error) {
	tracer := observability.GetTracer("mnemo.reasoning")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest)
	defer span.End()
	span.SetAttributes(
		attribute.String(observability.AttrLLMModel, e.provider.ModelName()),
		attribute.String(observability.AttrSessionID, e.conv.SessionID()),
	)

	start := time.Now()
	resp, err := e.generate(ctx, messages, defs, opts, stream)

	var in, out int
	if resp != nil {
		in, out = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		span.SetAttributes(
			attribute.Int(observability.AttrLLMTokensInput, in),
			attribute.Int(observability.AttrLLMTokensOutput, out),
		)
	}
	observability.GetGlobalMetrics().RecordLLMCall(ctx, e.provider.ModelName(), time.Since(start), in, out, err)

	return resp, err
}

func (e *Engine) generate(ctx context.Context, messages []llm.Message, defs []llm.ToolDefinition, opts *llm.Options, stream bool) (*llm.Response, error) {
	if !stream {
		return e.provider.Generate(ctx, messages, defs, opts)
	}

	ch, err := e.provider.GenerateStreaming(ctx, messages, defs, opts)
	if err != nil {
		return nil, err
	}

	resp := &llm.Response{}
	var text, thinking strings.Builder
	for chunk := range ch {
		switch chunk.Type {
		case llm.ChunkText:
			text.WriteString(chunk.Text)
			if e.sink != nil {
				e.sink(chunk.Text)
			}
		case llm.ChunkThinking:
			thinking.WriteString(chunk.Text)
		case llm.ChunkToolCall:
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
		case llm.ChunkDone:
			resp.Usage.TotalTokens += chunk.Tokens
		case llm.ChunkError:
			if chunk.Error != nil {
				return nil, chunk.Error
			}
			return nil, fmt.Errorf("stream failed without error detail")
		}
	}

	resp.Text = text.String()
	resp.Thinking = thinking.String()
	return resp, nil
}

// errorPayload renders an error as the JSON object tool results carry.
func errorPayload(msg string) string {
	payload, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"internal error"}`
	}
	return string(payload)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
