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
	"time"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/httpclient"
)

// OllamaProvider talks to a local Ollama server's chat API.
type OllamaProvider struct {
	config     *config.LLMProviderConfig
	httpClient *httpclient.Client
}

var _ Provider = (*OllamaProvider)(nil)

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Format   string          `json:"format,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunctionCall `json:"function"`
}

type ollamaFunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// NewOllama creates an Ollama provider from config. No API key is needed;
// the host defaults to the local daemon.
func NewOllama(cfg *config.LLMProviderConfig) (*OllamaProvider, error) {
	return &OllamaProvider{
		config:     cfg,
		httpClient: createHTTPClient(cfg, nil),
	}, nil
}

func (p *OllamaProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition, opts *Options) (*Response, error) {
	start := time.Now()
	ctx, span := startLLMSpan(ctx, "ollama", p.config.Model)
	defer span.End()

	request := p.buildRequest(messages, false, tools, opts)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		finishLLMSpan(ctx, span, p.config.Model, start, nil, err)
		return nil, err
	}

	if response.Error != "" {
		apiErr := fmt.Errorf("ollama api error: %s", response.Error)
		finishLLMSpan(ctx, span, p.config.Model, start, nil, apiErr)
		return nil, apiErr
	}

	usage := Usage{
		PromptTokens:     response.PromptEvalCount,
		CompletionTokens: response.EvalCount,
		TotalTokens:      response.PromptEvalCount + response.EvalCount,
	}

	finishLLMSpan(ctx, span, p.config.Model, start, &usage, nil)
	return &Response{
		Text:      response.Message.Content,
		ToolCalls: fromOllamaToolCalls(response.Message.ToolCalls),
		Usage:     usage,
	}, nil
}

func (p *OllamaProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts *Options) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, true, tools, opts)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Error: err}
		}
	}()

	return outputCh, nil
}

func (p *OllamaProvider) ModelName() string {
	return p.config.Model
}

func (p *OllamaProvider) Close() error {
	return nil
}

func (p *OllamaProvider) buildRequest(messages []Message, stream bool, tools []ToolDefinition, opts *Options) ollamaChatRequest {
	msgs := make([]ollamaMessage, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case RoleTool:
			msgs = append(msgs, ollamaMessage{
				Role:     "tool",
				Content:  m.Content,
				ToolName: m.ToolName,
			})

		case RoleAssistant:
			om := ollamaMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				om.ToolCalls = append(om.ToolCalls, ollamaToolCall{
					Function: ollamaFunctionCall{Name: tc.Name, Arguments: args},
				})
			}
			msgs = append(msgs, om)

		case RoleUser:
			om := ollamaMessage{Role: "user", Content: m.Content}
			// Ollama only accepts inline image bytes, not URLs.
			if m.Image != nil && len(m.Image.Bytes) > 0 && len(m.Image.Bytes) <= maxImageBytes {
				om.Images = []string{base64.StdEncoding.EncodeToString(m.Image.Bytes)}
			}
			msgs = append(msgs, om)

		default:
			msgs = append(msgs, ollamaMessage{Role: "system", Content: m.Content})
		}
	}

	request := ollamaChatRequest{
		Model:    p.config.Model,
		Messages: msgs,
		Stream:   stream,
	}

	// Ollama has no tool_choice knob; dropping the tool list is the only way
	// to keep the model from calling tools.
	if len(tools) > 0 && opts.toolChoice() != ToolChoiceNone {
		request.Tools = make([]ollamaTool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = ollamaTool{
				Type:     "function",
				Function: ollamaToolFunction(tool),
			}
		}
	}

	if opts.jsonOutput() {
		request.Format = "json"
	}

	options := &ollamaOptions{}
	hasOptions := false
	if p.config.Temperature != nil {
		t := *p.config.Temperature
		options.Temperature = &t
		hasOptions = true
	}
	if p.config.MaxTokens > 0 {
		options.NumPredict = p.config.MaxTokens
		hasOptions = true
	}
	if hasOptions {
		request.Options = options
	}

	return request
}

// fromOllamaToolCalls converts wire tool calls. Ollama sends arguments as
// parsed maps and has no call IDs, so synthetic ones are assigned.
func fromOllamaToolCalls(calls []ollamaToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}

	result := make([]ToolCall, len(calls))
	for i, tc := range calls {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		result[i] = ToolCall{
			ID:   fmt.Sprintf("call_%d", i),
			Name: tc.Function.Name,
			Args: args,
		}
	}
	return result
}

func (p *OllamaProvider) newRequest(ctx context.Context, request ollamaChatRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Host+"/api/chat", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func checkOllamaResponse(resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
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

func (p *OllamaProvider) makeRequest(ctx context.Context, request ollamaChatRequest) (*ollamaChatResponse, error) {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := checkOllamaResponse(resp, err); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response ollamaChatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &response, nil
}

// makeStreamingRequest reads the NDJSON stream: one chat response per line,
// the last one carrying done=true and the token counts.
func (p *OllamaProvider) makeStreamingRequest(ctx context.Context, request ollamaChatRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := checkOllamaResponse(resp, err); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	toolCallIndex := 0

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if chunk.Error != "" {
			return fmt.Errorf("ollama api error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			outputCh <- StreamChunk{Type: ChunkText, Text: chunk.Message.Content}
		}

		for _, tc := range chunk.Message.ToolCalls {
			args := tc.Function.Arguments
			if args == nil {
				args = map[string]any{}
			}
			call := ToolCall{
				ID:   fmt.Sprintf("call_%d", toolCallIndex),
				Name: tc.Function.Name,
				Args: args,
			}
			toolCallIndex++
			outputCh <- StreamChunk{Type: ChunkToolCall, ToolCall: &call}
		}

		if chunk.Done {
			outputCh <- StreamChunk{Type: ChunkDone, Tokens: chunk.PromptEvalCount + chunk.EvalCount}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}

	outputCh <- StreamChunk{Type: ChunkDone}
	return nil
}
