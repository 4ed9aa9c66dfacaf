package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/httpclient"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider talks to the Anthropic messages API.
type AnthropicProvider struct {
	config     *config.LLMProviderConfig
	httpClient *httpclient.Client
}

var _ Provider = (*AnthropicProvider)(nil)

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  map[string]string  `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

// anthropicContentBlock covers text, tool_use, tool_result and image blocks.
// Input is a pointer so empty tool arguments still serialize as {} rather
// than being dropped by omitempty.
type anthropicContentBlock struct {
	Type      string                `json:"type"`
	Text      string                `json:"text,omitempty"`
	ID        string                `json:"id,omitempty"`
	Name      string                `json:"name,omitempty"`
	Input     *map[string]any       `json:"input,omitempty"`
	ToolUseID string                `json:"tool_use_id,omitempty"`
	Content   string                `json:"content,omitempty"`
	Source    *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
	Error      *anthropicError         `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Delta        *anthropicStreamDelta  `json:"delta,omitempty"`
	Message      *anthropicResponse     `json:"message,omitempty"`
	Usage        *anthropicUsage        `json:"usage,omitempty"`
	Error        *anthropicError        `json:"error,omitempty"`
}

type anthropicStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// NewAnthropic creates an Anthropic provider from config.
func NewAnthropic(cfg *config.LLMProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for anthropic")
	}

	return &AnthropicProvider{
		config:     cfg,
		httpClient: createHTTPClient(cfg, httpclient.ParseAnthropicHeaders),
	}, nil
}

func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition, opts *Options) (*Response, error) {
	start := time.Now()
	ctx, span := startLLMSpan(ctx, "anthropic", p.config.Model)
	defer span.End()

	request := p.buildRequest(messages, false, tools, opts)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		finishLLMSpan(ctx, span, p.config.Model, start, nil, err)
		return nil, err
	}

	if response.Error != nil {
		apiErr := fmt.Errorf("anthropic api error: %s", response.Error.Message)
		finishLLMSpan(ctx, span, p.config.Model, start, nil, apiErr)
		return nil, apiErr
	}

	var text strings.Builder
	var thinking strings.Builder
	var toolCalls []ToolCall

	for _, block := range response.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if block.Input != nil {
				args = *block.Input
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}

	responseText := text.String()
	if opts.jsonOutput() {
		// The "{" prefill is part of the assistant turn, so the API response
		// resumes mid-object; restore the opening brace.
		responseText = "{" + responseText
	}

	usage := Usage{
		PromptTokens:     response.Usage.InputTokens,
		CompletionTokens: response.Usage.OutputTokens,
		TotalTokens:      response.Usage.InputTokens + response.Usage.OutputTokens,
	}

	finishLLMSpan(ctx, span, p.config.Model, start, &usage, nil)
	return &Response{
		Text:      responseText,
		ToolCalls: toolCalls,
		Usage:     usage,
		Thinking:  thinking.String(),
	}, nil
}

func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts *Options) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, true, tools, opts)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if opts.jsonOutput() {
			outputCh <- StreamChunk{Type: ChunkText, Text: "{"}
		}

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Error: err}
		}
	}()

	return outputCh, nil
}

func (p *AnthropicProvider) ModelName() string {
	return p.config.Model
}

func (p *AnthropicProvider) Close() error {
	return nil
}

func (p *AnthropicProvider) buildRequest(messages []Message, stream bool, tools []ToolDefinition, opts *Options) anthropicRequest {
	system, rest := splitSystem(messages)

	msgs := make([]anthropicMessage, 0, len(rest))
	for _, m := range rest {
		switch m.Role {
		case RoleTool:
			msgs = append(msgs, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		case RoleAssistant:
			var blocks []anthropicContentBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: &args,
				})
			}
			if len(blocks) == 0 {
				blocks = []anthropicContentBlock{{Type: "text", Text: ""}}
			}
			msgs = append(msgs, anthropicMessage{Role: "assistant", Content: blocks})

		default:
			msgs = append(msgs, anthropicMessage{
				Role:    "user",
				Content: anthropicUserBlocks(m),
			})
		}
	}

	maxTokens := p.config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	request := anthropicRequest{
		Model:     p.config.Model,
		Messages:  msgs,
		System:    system,
		MaxTokens: maxTokens,
		Stream:    stream,
	}

	if p.config.Temperature != nil {
		t := *p.config.Temperature
		request.Temperature = &t
	}

	if len(tools) > 0 {
		request.Tools = make([]anthropicTool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
		if opts.toolChoice() == ToolChoiceNone {
			request.ToolChoice = map[string]string{"type": "none"}
		}
	}

	if opts.jsonOutput() {
		// Prefilling the assistant turn with "{" forces a JSON object.
		request.Messages = append(request.Messages, anthropicMessage{
			Role:    "assistant",
			Content: []anthropicContentBlock{{Type: "text", Text: "{"}},
		})
	}

	return request
}

func anthropicUserBlocks(m Message) []anthropicContentBlock {
	var blocks []anthropicContentBlock
	if m.Content != "" {
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
	}

	if m.Image != nil {
		switch {
		case m.Image.URI != "":
			blocks = append(blocks, anthropicContentBlock{
				Type:   "image",
				Source: &anthropicImageSource{Type: "url", URL: m.Image.URI},
			})
		case len(m.Image.Bytes) > 0 && len(m.Image.Bytes) <= maxImageBytes:
			blocks = append(blocks, anthropicContentBlock{
				Type: "image",
				Source: &anthropicImageSource{
					Type:      "base64",
					MediaType: imageMimeType(m.Image),
					Data:      base64.StdEncoding.EncodeToString(m.Image.Bytes),
				},
			})
		}
	}

	if len(blocks) == 0 {
		blocks = []anthropicContentBlock{{Type: "text", Text: ""}}
	}
	return blocks
}

func parseAnthropicError(body []byte) *anthropicError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error anthropicError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}

func (p *AnthropicProvider) newRequest(ctx context.Context, request anthropicRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Host+"/v1/messages", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func checkAnthropicResponse(resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if apiErr := parseAnthropicError(body); apiErr != nil {
			return fmt.Errorf("api request failed with status %d: %s (type: %s)",
				resp.StatusCode, apiErr.Message, apiErr.Type)
		}
		return fmt.Errorf("api request failed with status %d: %s", resp.StatusCode, string(body))
	}
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("request failed: no response received")
	}
	return nil
}

func (p *AnthropicProvider) makeRequest(ctx context.Context, request anthropicRequest) (*anthropicResponse, error) {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := checkAnthropicResponse(resp, err); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &response, nil
}

func (p *AnthropicProvider) makeStreamingRequest(ctx context.Context, request anthropicRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := checkAnthropicResponse(resp, err); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// tool_use argument JSON arrives in fragments keyed by block index.
	type toolBuffer struct {
		id   string
		name string
		args strings.Builder
	}
	toolBuffers := make(map[int]*toolBuffer)
	inputTokens := 0
	outputTokens := 0

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal(line[6:], &event); err != nil {
			continue
		}

		switch event.Type {
		case "error":
			if event.Error != nil {
				return fmt.Errorf("anthropic api error: %s", event.Error.Message)
			}
			return fmt.Errorf("anthropic api error")

		case "message_start":
			if event.Message != nil {
				inputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolBuffers[event.Index] = &toolBuffer{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				outputCh <- StreamChunk{Type: ChunkText, Text: event.Delta.Text}
			case "thinking_delta":
				outputCh <- StreamChunk{Type: ChunkThinking, Text: event.Delta.Thinking}
			case "input_json_delta":
				if buf, ok := toolBuffers[event.Index]; ok {
					buf.args.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			buf, ok := toolBuffers[event.Index]
			if !ok {
				continue
			}
			delete(toolBuffers, event.Index)

			call := ToolCall{ID: buf.id, Name: buf.name}
			raw := buf.args.String()
			if raw == "" {
				call.Args = map[string]any{}
			} else if err := json.Unmarshal([]byte(raw), &call.Args); err != nil {
				call.Args = nil
				call.RawArgs = raw
			}
			outputCh <- StreamChunk{Type: ChunkToolCall, ToolCall: &call}

		case "message_delta":
			if event.Usage != nil {
				outputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			outputCh <- StreamChunk{Type: ChunkDone, Tokens: inputTokens + outputTokens}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}

	outputCh <- StreamChunk{Type: ChunkDone, Tokens: inputTokens + outputTokens}
	return nil
}
