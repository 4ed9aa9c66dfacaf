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

// Package llm provides a provider-neutral chat completion layer. The
// conversation manager produces []Message, a Provider turns it into one
// Response (or a stream of chunks), and the reasoning loop never sees
// provider wire formats. OpenAI, Anthropic and Ollama are hand-rolled over
// pkg/httpclient; Gemini rides the official genai SDK.
package llm

import (
	"context"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Image is an image attachment on a user message. Exactly one of Bytes or
// URI is set.
type Image struct {
	Bytes    []byte `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is one turn in a conversation, in no provider's dialect.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Image is an optional attachment on user messages.
	Image *Image `json:"image,omitempty"`

	// ToolCalls carries the calls requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName identify which call a tool message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
//
// Providers that transmit arguments as a JSON string (OpenAI, Ollama
// streaming) parse them eagerly; when that payload is not a valid JSON
// object, Args is nil and RawArgs holds the original text so the caller can
// decide what to do with the broken call.
type ToolCall struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Args    map[string]any `json:"args,omitempty"`
	RawArgs string         `json:"raw_args,omitempty"`
}

// ArgsValid reports whether the call carries usable arguments.
func (tc ToolCall) ArgsValid() bool {
	return tc.Args != nil || tc.RawArgs == ""
}

// ToolDefinition describes a callable tool. Parameters is a JSON schema.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Tool choice values for Options.ToolChoice.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
)

// Options tunes a single generation call.
type Options struct {
	// ToolChoice is "auto" (default) or "none". With "none" the tool
	// definitions are still transmitted where the provider allows it, but
	// the model is instructed not to call them.
	ToolChoice string

	// JSONOutput asks the provider for a JSON object response using
	// whatever mechanism it has (response_format, format, prefill,
	// response MIME type). Callers must still tolerate prose around the
	// object.
	JSONOutput bool
}

// toolChoice normalizes the options into a concrete choice.
func (o *Options) toolChoice() string {
	if o == nil || o.ToolChoice == "" {
		return ToolChoiceAuto
	}
	return o.ToolChoice
}

func (o *Options) jsonOutput() bool {
	return o != nil && o.JSONOutput
}

// Usage is the token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the outcome of a non-streaming generation.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage

	// Thinking is the model's reasoning trace when the provider exposes one.
	Thinking string
}

// ChunkType discriminates streaming chunks.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkThinking ChunkType = "thinking"
	ChunkToolCall ChunkType = "tool_call"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
)

// StreamChunk is one event in a streaming generation. The stream ends with
// a done chunk (carrying total tokens) or an error chunk; the channel is
// closed afterwards.
type StreamChunk struct {
	Type     ChunkType
	Text     string
	ToolCall *ToolCall
	Tokens   int
	Error    error
}

// Provider generates chat completions for one configured model.
type Provider interface {
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition, opts *Options) (*Response, error)

	// GenerateStreaming returns immediately; chunks arrive on the channel
	// until a done or error chunk, then it closes.
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts *Options) (<-chan StreamChunk, error)

	ModelName() string

	Close() error
}

// splitSystem separates system messages from the rest, joining their text.
// Anthropic and Gemini take the system prompt out of band.
func splitSystem(messages []Message) (string, []Message) {
	var systemParts []string
	rest := make([]Message, 0, len(messages))

	for _, m := range messages {
		if m.Role == RoleSystem {
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}

	return strings.Join(systemParts, "\n\n"), rest
}
