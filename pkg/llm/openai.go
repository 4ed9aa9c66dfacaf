package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/httpclient"
)

// createHTTPClient builds the retrying HTTP client the hand-rolled providers
// share. Status-aware retries (429 honoring provider reset hints, capped 5xx
// retries) live here; the reasoning loop layers its own retry on top.
func createHTTPClient(cfg *config.LLMProviderConfig, parser httpclient.RateLimitHeaderParser) *httpclient.Client {
	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}

	if parser != nil {
		opts = append(opts, httpclient.WithHeaderParser(parser))
	}

	insecure := cfg.InsecureSkipVerify != nil && *cfg.InsecureSkipVerify
	if insecure || cfg.CACertificate != "" {
		if insecure {
			slog.Warn("TLS certificate verification disabled for LLM provider", "type", cfg.Type)
		}
		opts = append(opts, httpclient.WithTLSConfig(&httpclient.TLSConfig{
			InsecureSkipVerify: insecure,
			CACertificate:      cfg.CACertificate,
		}))
	}

	return httpclient.New(opts...)
}

// OpenAIProvider talks to the OpenAI chat completions API.
type OpenAIProvider struct {
	config     *config.LLMProviderConfig
	httpClient *httpclient.Client
}

var _ Provider = (*OpenAIProvider)(nil)

type openaiRequest struct {
	Model               string                `json:"model"`
	Messages            []openaiMessage       `json:"messages"`
	MaxTokens           *int                  `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                  `json:"max_completion_tokens,omitempty"`
	Temperature         *float64              `json:"temperature,omitempty"`
	Stream              bool                  `json:"stream"`
	StreamOptions       *openaiStreamOptions  `json:"stream_options,omitempty"`
	Tools               []openaiTool          `json:"tools,omitempty"`
	ToolChoice          string                `json:"tool_choice,omitempty"`
	ResponseFormat      *openaiResponseFormat `json:"response_format,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"` // string or []openaiContentPart
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiResponseFormat struct {
	Type string `json:"type"`
}

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiStreamResponse struct {
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
	Error   *openaiError         `json:"error,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openaiDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
	Reasoning string           `json:"reasoning,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewOpenAI creates an OpenAI provider from config.
func NewOpenAI(cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for openai")
	}

	return &OpenAIProvider{
		config:     cfg,
		httpClient: createHTTPClient(cfg, httpclient.ParseOpenAIHeaders),
	}, nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition, opts *Options) (*Response, error) {
	start := time.Now()
	ctx, span := startLLMSpan(ctx, "openai", p.config.Model)
	defer span.End()

	request := p.buildRequest(messages, false, tools, opts)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		finishLLMSpan(ctx, span, p.config.Model, start, nil, err)
		return nil, err
	}

	if response.Error != nil {
		apiErr := fmt.Errorf("openai api error: %s", response.Error.Message)
		finishLLMSpan(ctx, span, p.config.Model, start, nil, apiErr)
		return nil, apiErr
	}

	if len(response.Choices) == 0 {
		noChoiceErr := fmt.Errorf("no response choices returned")
		finishLLMSpan(ctx, span, p.config.Model, start, nil, noChoiceErr)
		return nil, noChoiceErr
	}

	choice := response.Choices[0]
	usage := Usage{
		PromptTokens:     response.Usage.PromptTokens,
		CompletionTokens: response.Usage.CompletionTokens,
		TotalTokens:      response.Usage.TotalTokens,
	}

	text := ""
	if str, ok := choice.Message.Content.(string); ok {
		text = str
	}

	result := &Response{
		Text:      text,
		ToolCalls: fromOpenAIToolCalls(choice.Message.ToolCalls),
		Usage:     usage,
	}

	finishLLMSpan(ctx, span, p.config.Model, start, &usage, nil)
	return result, nil
}

func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts *Options) (<-chan StreamChunk, error) {
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

func (p *OpenAIProvider) ModelName() string {
	return p.config.Model
}

func (p *OpenAIProvider) Close() error {
	return nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, stream bool, tools []ToolDefinition, opts *Options) openaiRequest {
	msgs := make([]openaiMessage, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case RoleTool:
			msgs = append(msgs, openaiMessage{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		case RoleAssistant:
			om := openaiMessage{Role: "assistant", Content: m.Content}
			if len(m.ToolCalls) > 0 {
				om.ToolCalls = toOpenAIToolCalls(m.ToolCalls)
			}
			msgs = append(msgs, om)

		case RoleUser:
			if m.Image != nil {
				if parts := openaiUserParts(m); parts != nil {
					msgs = append(msgs, openaiMessage{Role: "user", Content: parts})
					continue
				}
			}
			msgs = append(msgs, openaiMessage{Role: "user", Content: m.Content})

		default:
			msgs = append(msgs, openaiMessage{Role: "system", Content: m.Content})
		}
	}

	request := openaiRequest{
		Model:    p.config.Model,
		Messages: msgs,
		Stream:   stream,
	}

	// Reasoning models (o-series, gpt-5) accept only the default temperature
	// and want max_completion_tokens instead of max_tokens.
	reasoning := isOpenAIReasoningModel(p.config.Model)
	if !reasoning && p.config.Temperature != nil {
		t := *p.config.Temperature
		request.Temperature = &t
	}
	if p.config.MaxTokens > 0 {
		max := p.config.MaxTokens
		if reasoning {
			request.MaxCompletionTokens = &max
		} else {
			request.MaxTokens = &max
		}
	}

	if len(tools) > 0 {
		request.Tools = toOpenAITools(tools)
		request.ToolChoice = opts.toolChoice()
	}

	if opts.jsonOutput() {
		request.ResponseFormat = &openaiResponseFormat{Type: "json_object"}
	}

	if stream {
		request.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}

	return request
}

// openaiUserParts builds the multi-part content for a user message with an
// image attachment. Returns nil when the attachment cannot be represented.
func openaiUserParts(m Message) []openaiContentPart {
	var parts []openaiContentPart
	if m.Content != "" {
		parts = append(parts, openaiContentPart{Type: "text", Text: m.Content})
	}

	url := ""
	switch {
	case m.Image.URI != "":
		url = m.Image.URI
	case len(m.Image.Bytes) > 0 && len(m.Image.Bytes) <= maxImageBytes:
		mimeType := imageMimeType(m.Image)
		if strings.HasPrefix(mimeType, "image/") {
			url = fmt.Sprintf("data:%s;base64,%s", mimeType,
				base64.StdEncoding.EncodeToString(m.Image.Bytes))
		}
	}
	if url == "" {
		return nil
	}

	return append(parts, openaiContentPart{
		Type:     "image_url",
		ImageURL: &openaiImageURL{URL: url},
	})
}

func isOpenAIReasoningModel(model string) bool {
	lower := strings.ToLower(model)
	if lower == "o1" || lower == "o3" || lower == "o4" || lower == "gpt-5" {
		return true
	}
	for _, prefix := range []string{"o1-", "o3-", "o4-", "gpt-5-"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func toOpenAITools(tools []ToolDefinition) []openaiTool {
	result := make([]openaiTool, len(tools))
	for i, tool := range tools {
		result[i] = openaiTool{
			Type:     "function",
			Function: openaiToolFunction(tool),
		}
	}
	return result
}

func toOpenAIToolCalls(calls []ToolCall) []openaiToolCall {
	result := make([]openaiToolCall, len(calls))
	for i, tc := range calls {
		argsJSON, _ := json.Marshal(tc.Args)
		result[i] = openaiToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: openaiFunctionCall{
				Name:      tc.Name,
				Arguments: string(argsJSON),
			},
		}
	}
	return result
}

// fromOpenAIToolCalls converts wire tool calls, keeping the raw payload for
// arguments that do not parse so the caller can surface the failure.
func fromOpenAIToolCalls(calls []openaiToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}

	result := make([]ToolCall, len(calls))
	for i, tc := range calls {
		out := ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments == "" {
			out.Args = map[string]any{}
		} else {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				out.RawArgs = tc.Function.Arguments
			} else {
				out.Args = args
			}
		}
		result[i] = out
	}
	return result
}

// parseOpenAIError extracts structured error detail from an error body.
func parseOpenAIError(body []byte) *openaiError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error openaiError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}

func (p *OpenAIProvider) newRequest(ctx context.Context, request openaiRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Host+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	return req, nil
}

// checkResponse maps transport errors and non-200 statuses to errors with as
// much API detail as the body offers. The client can return both a response
// and an error; the response wins because its body says what went wrong.
func checkOpenAIResponse(resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if apiErr := parseOpenAIError(body); apiErr != nil {
			return fmt.Errorf("api request failed with status %d: %s (type: %s, code: %s)",
				resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code)
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

func (p *OpenAIProvider) makeRequest(ctx context.Context, request openaiRequest) (*openaiResponse, error) {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := checkOpenAIResponse(resp, err); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response openaiResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &response, nil
}

func (p *OpenAIProvider) makeStreamingRequest(ctx context.Context, request openaiRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := checkOpenAIResponse(resp, err); err != nil {
		return err
	}

	reader := bufio.NewReader(resp.Body)

	// Tool call deltas arrive as fragments: a delta with an ID opens a new
	// call, ID-less deltas append argument text to the last one.
	toolCallsMap := make(map[int]*openaiToolCall)
	totalTokens := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openaiStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}

		if streamResp.Error != nil {
			return fmt.Errorf("openai api error: %s", streamResp.Error.Message)
		}

		if streamResp.Usage != nil {
			totalTokens = streamResp.Usage.TotalTokens
		}

		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]

		if choice.Delta.Reasoning != "" {
			outputCh <- StreamChunk{Type: ChunkThinking, Text: choice.Delta.Reasoning}
		}

		if choice.Delta.Content != "" {
			outputCh <- StreamChunk{Type: ChunkText, Text: choice.Delta.Content}
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				toolCallsMap[len(toolCallsMap)] = &openaiToolCall{
					ID:       deltaCall.ID,
					Type:     deltaCall.Type,
					Function: deltaCall.Function,
				}
			} else if len(toolCallsMap) > 0 {
				last := toolCallsMap[len(toolCallsMap)-1]
				last.Function.Arguments += deltaCall.Function.Arguments
			}
		}

		if choice.FinishReason == "stop" || choice.FinishReason == "tool_calls" {
			accumulated := make([]openaiToolCall, 0, len(toolCallsMap))
			for i := 0; i < len(toolCallsMap); i++ {
				if tc, exists := toolCallsMap[i]; exists {
					accumulated = append(accumulated, *tc)
				}
			}
			for _, tc := range fromOpenAIToolCalls(accumulated) {
				call := tc
				outputCh <- StreamChunk{Type: ChunkToolCall, ToolCall: &call}
			}
			// Usage may still arrive in a trailing chunk; keep reading.
			toolCallsMap = make(map[int]*openaiToolCall)
		}
	}

	outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return nil
}
