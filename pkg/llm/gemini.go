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

package llm

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/kadirpekel/mnemo/pkg/config"
)

// GeminiProvider talks to Google Gemini via the official genai SDK.
type GeminiProvider struct {
	config *config.LLMProviderConfig
	client *genai.Client
}

var _ Provider = (*GeminiProvider)(nil)

// NewGemini creates a Gemini provider from config.
func NewGemini(cfg *config.LLMProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for gemini")
	}

	// Constructors shouldn't require a context; the client only uses it for
	// credential discovery.
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiProvider{config: cfg, client: client}, nil
}

func (p *GeminiProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition, opts *Options) (*Response, error) {
	start := time.Now()
	ctx, span := startLLMSpan(ctx, "gemini", p.config.Model)
	defer span.End()

	contents, system := buildGeminiContents(messages)
	genConfig := p.buildConfig(system, tools, opts)

	genResp, err := p.client.Models.GenerateContent(ctx, p.config.Model, contents, genConfig)
	if err != nil {
		wrapped := fmt.Errorf("gemini generation failed: %w", err)
		finishLLMSpan(ctx, span, p.config.Model, start, nil, wrapped)
		return nil, wrapped
	}

	response, err := parseGeminiResponse(genResp)
	if err != nil {
		finishLLMSpan(ctx, span, p.config.Model, start, nil, err)
		return nil, err
	}

	finishLLMSpan(ctx, span, p.config.Model, start, &response.Usage, nil)
	return response, nil
}

func (p *GeminiProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts *Options) (<-chan StreamChunk, error) {
	contents, system := buildGeminiContents(messages)
	genConfig := p.buildConfig(system, tools, opts)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		// Gemini can resend a function call across chunks with an empty ID;
		// dedupe on a stable content hash.
		emitted := make(map[string]bool)
		totalTokens := 0

		for genResp, err := range p.client.Models.GenerateContentStream(ctx, p.config.Model, contents, genConfig) {
			if err != nil {
				outputCh <- StreamChunk{Type: ChunkError, Error: fmt.Errorf("gemini streaming error: %w", err)}
				return
			}

			if genResp.UsageMetadata != nil {
				totalTokens = int(genResp.UsageMetadata.TotalTokenCount)
			}

			if len(genResp.Candidates) == 0 || genResp.Candidates[0].Content == nil {
				continue
			}

			for _, part := range genResp.Candidates[0].Content.Parts {
				if part.Text != "" {
					chunkType := ChunkText
					if part.Thought {
						chunkType = ChunkThinking
					}
					outputCh <- StreamChunk{Type: chunkType, Text: part.Text}
				}

				if part.FunctionCall != nil {
					call := fromGeminiFunctionCall(part.FunctionCall)
					if emitted[call.ID] {
						continue
					}
					emitted[call.ID] = true
					outputCh <- StreamChunk{Type: ChunkToolCall, ToolCall: &call}
				}
			}
		}

		outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	}()

	return outputCh, nil
}

func (p *GeminiProvider) ModelName() string {
	return p.config.Model
}

func (p *GeminiProvider) Close() error {
	return nil
}

// buildGeminiContents converts neutral messages into genai contents plus a
// system instruction.
func buildGeminiContents(messages []Message) ([]*genai.Content, *genai.Content) {
	system, rest := splitSystem(messages)

	var systemInstruction *genai.Content
	if system != "" {
		systemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
			Role:  "user",
		}
	}

	var contents []*genai.Content
	for _, m := range rest {
		var parts []*genai.Part
		role := "user"

		switch m.Role {
		case RoleTool:
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.ToolName,
					Response: map[string]any{"result": m.Content},
				},
			})

		case RoleAssistant:
			role = "model"
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: tc.Args,
					},
				})
			}

		default:
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			if m.Image != nil {
				switch {
				case m.Image.URI != "":
					parts = append(parts, &genai.Part{
						FileData: &genai.FileData{
							MIMEType: imageMimeType(m.Image),
							FileURI:  m.Image.URI,
						},
					})
				case len(m.Image.Bytes) > 0 && len(m.Image.Bytes) <= maxImageBytes:
					parts = append(parts, &genai.Part{
						InlineData: &genai.Blob{
							MIMEType: imageMimeType(m.Image),
							Data:     m.Image.Bytes,
						},
					})
				}
			}
		}

		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Parts: parts, Role: role})
	}

	return contents, systemInstruction
}

func (p *GeminiProvider) buildConfig(system *genai.Content, tools []ToolDefinition, opts *Options) *genai.GenerateContentConfig {
	genConfig := &genai.GenerateContentConfig{
		SystemInstruction: system,
	}

	if p.config.Temperature != nil {
		genConfig.Temperature = genai.Ptr(float32(*p.config.Temperature))
	}
	if p.config.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(p.config.MaxTokens)
	}

	if len(tools) > 0 {
		genConfig.Tools = make([]*genai.Tool, len(tools))
		for i, tool := range tools {
			genConfig.Tools[i] = &genai.Tool{
				FunctionDeclarations: []*genai.FunctionDeclaration{{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  toGenaiSchema(tool.Parameters),
				}},
			}
		}
		if opts.toolChoice() == ToolChoiceNone {
			genConfig.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{
					Mode: genai.FunctionCallingConfigModeNone,
				},
			}
		}
	}

	if opts.jsonOutput() {
		genConfig.ResponseMIMEType = "application/json"
	}

	return genConfig
}

// toGenaiSchema converts a JSON schema map to the genai schema type. The SDK
// wants uppercase type enums where JSON schema uses lowercase.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}

// fromGeminiFunctionCall converts a genai function call, synthesizing a
// stable ID when the API omits one so retries and dedupe stay consistent.
func fromGeminiFunctionCall(fc *genai.FunctionCall) ToolCall {
	args := fc.Args
	if args == nil {
		args = map[string]any{}
	}

	id := fc.ID
	if id == "" {
		payload, _ := json.Marshal(map[string]any{"name": fc.Name, "args": args})
		hash := sha256.Sum256(payload)
		id = fmt.Sprintf("call_%x", hash[:8])
	}

	return ToolCall{ID: id, Name: fc.Name, Args: args}
}

func parseGeminiResponse(genResp *genai.GenerateContentResponse) (*Response, error) {
	if len(genResp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from gemini")
	}

	response := &Response{}

	if genResp.UsageMetadata != nil {
		response.Usage = Usage{
			PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
		}
	}

	candidate := genResp.Candidates[0]
	if candidate.Content == nil {
		return response, nil
	}

	var text strings.Builder
	var thinking strings.Builder

	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			if part.Thought {
				thinking.WriteString(part.Text)
			} else {
				text.WriteString(part.Text)
			}
		}
		if part.FunctionCall != nil {
			response.ToolCalls = append(response.ToolCalls, fromGeminiFunctionCall(part.FunctionCall))
		}
	}

	response.Text = text.String()
	response.Thinking = thinking.String()
	return response, nil
}
