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

package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/httpclient"
)

const (
	mcpProtocolVersion = "2024-11-05"

	// mcpSSETimeout bounds reading one SSE response; long-running tools can
	// take minutes.
	mcpSSETimeout = 5 * time.Minute

	// jsonRPCMethodNotFound is the JSON-RPC code servers return for
	// capabilities they don't implement.
	jsonRPCMethodNotFound = -32601
)

// MCPSource exposes the tools of one external MCP server.
//
// Connection is lazy: nothing happens until Discover is called, and a failed
// connect can be retried by calling Discover again. stdio servers speak
// through the mcp-go client; HTTP servers get JSON-RPC over the retrying
// httpclient, with SSE responses handled transparently.
type MCPSource struct {
	name string
	cfg  *config.MCPServerConfig

	mu         sync.Mutex
	stdio      *client.Client
	httpClient *httpclient.Client
	connected  bool
	tools      []Tool

	sessionMu sync.RWMutex
	sessionID string

	requestID atomic.Int64
	filter    map[string]bool

	promptCount   int
	resourceCount int
}

// NewMCPSource creates a source for one configured MCP server. It does not
// connect.
func NewMCPSource(name string, cfg *config.MCPServerConfig) *MCPSource {
	var filter map[string]bool
	if len(cfg.Filter) > 0 {
		filter = make(map[string]bool, len(cfg.Filter))
		for _, toolName := range cfg.Filter {
			filter[toolName] = true
		}
	}

	return &MCPSource{
		name:   name,
		cfg:    cfg,
		filter: filter,
	}
}

// Name returns the configured server name.
func (s *MCPSource) Name() string { return s.name }

// Type returns the source type.
func (s *MCPSource) Type() string { return "mcp" }

// Tools returns the tools discovered so far. Empty until Discover succeeds.
func (s *MCPSource) Tools() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// Discover connects to the server if needed and lists its tools.
func (s *MCPSource) Discover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	if s.cfg.Transport == "stdio" || (s.cfg.Transport == "" && s.cfg.Command != "") {
		return s.connectStdio(ctx)
	}
	return s.connectHTTP(ctx)
}

// Close shuts down the connection. A closed source can be reconnected with
// Discover.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.stdio != nil {
		err = s.stdio.Close()
		s.stdio = nil
	}
	s.httpClient = nil
	s.connected = false
	s.tools = nil
	return err
}

// connectStdio starts the server subprocess and lists tools through mcp-go.
func (s *MCPSource) connectStdio(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, envSlice(s.cfg.Env), s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "mnemo",
		Version: "1.0.0",
	}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	var tools []Tool
	for _, mcpTool := range listResp.Tools {
		if s.filter != nil && !s.filter[mcpTool.Name] {
			continue
		}
		tools = append(tools, &remoteTool{
			source:      s,
			name:        mcpTool.Name,
			description: mcpTool.Description,
			schema:      schemaToMap(mcpTool.InputSchema),
		})
	}

	// Servers without prompt/resource support answer these with "method
	// not found"; that is an empty capability, not a failure.
	if promptsResp, err := mcpClient.ListPrompts(ctx, mcp.ListPromptsRequest{}); err == nil {
		s.promptCount = len(promptsResp.Prompts)
	} else {
		slog.Debug("MCP server has no prompts capability", "source", s.name, "error", err)
	}
	if resourcesResp, err := mcpClient.ListResources(ctx, mcp.ListResourcesRequest{}); err == nil {
		s.resourceCount = len(resourcesResp.Resources)
	} else {
		slog.Debug("MCP server has no resources capability", "source", s.name, "error", err)
	}

	s.stdio = mcpClient
	s.tools = tools
	s.connected = true

	slog.Info("Connected to MCP server",
		"source", s.name,
		"transport", "stdio",
		"command", s.cfg.Command,
		"tools", len(tools),
		"prompts", s.promptCount,
		"resources", s.resourceCount)

	return nil
}

// connectHTTP initializes the server over JSON-RPC and lists tools.
func (s *MCPSource) connectHTTP(ctx context.Context) error {
	if s.httpClient == nil {
		s.httpClient = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		)
	}

	initResp, err := s.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo": map[string]any{
			"name":    "mnemo",
			"version": "1.0.0",
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP init error: %s", initResp.Error.Message)
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP list error: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]any)
	if !ok {
		return fmt.Errorf("missing tools in tools/list response")
	}

	var tools []Tool
	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		name, _ := toolMap["name"].(string)
		if s.filter != nil && !s.filter[name] {
			continue
		}
		description, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]any)

		tools = append(tools, &remoteTool{
			source:      s,
			name:        name,
			description: description,
			schema:      schema,
		})
	}

	s.promptCount = s.countCapability(ctx, "prompts/list", "prompts")
	s.resourceCount = s.countCapability(ctx, "resources/list", "resources")

	s.tools = tools
	s.connected = true

	slog.Info("Connected to MCP server",
		"source", s.name,
		"transport", "http",
		"url", s.cfg.URL,
		"tools", len(tools),
		"prompts", s.promptCount,
		"resources", s.resourceCount)

	return nil
}

// countCapability probes an optional list method. Method-not-found means the
// server doesn't implement the capability; that counts as zero.
func (s *MCPSource) countCapability(ctx context.Context, method, field string) int {
	resp, err := s.rpc(ctx, method, nil)
	if err != nil {
		slog.Debug("MCP capability probe failed", "source", s.name, "method", method, "error", err)
		return 0
	}
	if resp.Error != nil {
		if resp.Error.Code != jsonRPCMethodNotFound && !strings.Contains(resp.Error.Message, "not implemented") {
			slog.Debug("MCP capability probe rejected", "source", s.name, "method", method, "error", resp.Error.Message)
		}
		return 0
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return 0
	}
	items, ok := resultMap[field].([]any)
	if !ok {
		return 0
	}
	return len(items)
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends one JSON-RPC request over HTTP and reads the response, which may
// arrive as plain JSON or as an SSE stream.
func (s *MCPSource) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      s.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	// Streamable-http servers hand out a session id on initialize and
	// expect it back on every subsequent call.
	s.sessionMu.RLock()
	sessionID := s.sessionID
	s.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		s.sessionMu.Lock()
		s.sessionID = newSessionID
		s.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s (response: %s)", httpResp.StatusCode, httpResp.Status, string(responseBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return s.readSSEResponse(httpResp)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC message from an SSE
// stream.
func (s *MCPSource) readSSEResponse(httpResp *http.Response) (*jsonRPCResponse, error) {
	type outcome struct {
		response *jsonRPCResponse
		err      error
	}
	resultChan := make(chan outcome, 1)

	go func() {
		defer httpResp.Body.Close()

		reader := bufio.NewReader(httpResp.Body)
		var currentData strings.Builder

		flush := func() *jsonRPCResponse {
			if currentData.Len() == 0 {
				return nil
			}
			var resp jsonRPCResponse
			if err := json.Unmarshal([]byte(currentData.String()), &resp); err == nil {
				return &resp
			}
			currentData.Reset()
			return nil
		}

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					slog.Debug("MCP SSE read error", "source", s.name, "error", err)
				}
				break
			}

			lineStr := strings.TrimSpace(string(line))
			if lineStr == "" {
				if resp := flush(); resp != nil {
					resultChan <- outcome{response: resp}
					return
				}
				continue
			}
			if strings.HasPrefix(lineStr, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
			}
		}

		if resp := flush(); resp != nil {
			resultChan <- outcome{response: resp}
			return
		}
		resultChan <- outcome{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, res.err
		}
		return res.response, nil
	case <-time.After(mcpSSETimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", mcpSSETimeout)
	}
}

// call executes one tool on the server through whichever transport is
// connected.
func (s *MCPSource) call(ctx context.Context, name string, args map[string]any) (string, error) {
	s.mu.Lock()
	if !s.connected {
		if err := func() error {
			if s.cfg.Transport == "stdio" || (s.cfg.Transport == "" && s.cfg.Command != "") {
				return s.connectStdio(ctx)
			}
			return s.connectHTTP(ctx)
		}(); err != nil {
			s.mu.Unlock()
			return "", err
		}
	}
	stdioClient := s.stdio
	s.mu.Unlock()

	if stdioClient != nil {
		return s.callStdio(ctx, stdioClient, name, args)
	}
	return s.callHTTP(ctx, name, args)
}

func (s *MCPSource) callStdio(ctx context.Context, mcpClient *client.Client, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	joined := strings.TrimSpace(strings.Join(texts, "\n"))

	if resp.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", fmt.Errorf("MCP error: %s", joined)
	}
	return joined, nil
}

func (s *MCPSource) callHTTP(ctx context.Context, name string, args map[string]any) (string, error) {
	resp, err := s.rpc(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("MCP error: %s", resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		raw, _ := json.Marshal(resp.Result)
		return string(raw), nil
	}

	var texts []string
	if contentArray, ok := resultMap["content"].([]any); ok {
		for _, item := range contentArray {
			contentItem, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := contentItem["text"].(string); ok {
				texts = append(texts, text)
			}
		}
	}
	joined := strings.TrimSpace(strings.Join(texts, "\n"))

	if isError, _ := resultMap["isError"].(bool); isError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", fmt.Errorf("MCP error: %s", joined)
	}
	return joined, nil
}

// remoteTool adapts one remote tool to the Tool interface.
type remoteTool struct {
	source      *MCPSource
	name        string
	description string
	schema      map[string]any
}

func (t *remoteTool) Info() Info {
	return Info{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.schema,
		Source:      t.source.name,
	}
}

func (t *remoteTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()

	content, err := t.source.call(ctx, t.name, args)
	if err != nil {
		return Result{
			Success:       false,
			Error:         err.Error(),
			ToolName:      t.name,
			ExecutionTime: time.Since(start),
			Metadata:      map[string]any{"source": t.source.name, "tool_type": "remote"},
		}, err
	}

	return Result{
		Success:       true,
		Content:       content,
		ToolName:      t.name,
		ExecutionTime: time.Since(start),
		Metadata:      map[string]any{"source": t.source.name, "tool_type": "remote"},
	}, nil
}

// schemaToMap converts the typed MCP schema into a plain JSON schema map.
func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

func envSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
