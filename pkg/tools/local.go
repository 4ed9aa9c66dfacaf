package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// LocalSource holds compiled-in tools. The built-in set binds the memory and
// reflection engines to the model through tool calls; both services are
// optional and their tools are only registered when the service is present.
type LocalSource struct {
	name  string
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewLocalSource creates the compiled-in tool source. memory and reasoning
// may be nil.
func NewLocalSource(memory MemoryService, reasoning ReasoningService) *LocalSource {
	s := &LocalSource{
		name:  "local",
		tools: make(map[string]Tool),
	}

	if memory != nil {
		s.register(&memorySearchTool{service: memory})
		s.register(&extractAndOperateTool{service: memory})
	}
	if reasoning != nil {
		s.register(&reasoningExtractTool{service: reasoning})
		s.register(&reasoningEvaluateTool{service: reasoning})
		s.register(&reasoningStoreTool{service: reasoning})
	}

	return s
}

func (s *LocalSource) register(tool Tool) {
	s.tools[tool.Info().Name] = tool
}

// Register adds a custom compiled-in tool.
func (s *LocalSource) Register(tool Tool) error {
	name := tool.Info().Name
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	s.tools[name] = tool
	return nil
}

// Name returns the source name.
func (s *LocalSource) Name() string { return s.name }

// Type returns the source type.
func (s *LocalSource) Type() string { return "local" }

// Discover is a no-op; local tools are known at construction.
func (s *LocalSource) Discover(ctx context.Context) error { return nil }

// Tools returns the registered tools sorted by name.
func (s *LocalSource) Tools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info().Name < out[j].Info().Name })
	return out
}

// Close is a no-op for local tools.
func (s *LocalSource) Close() error { return nil }

// stringArg reads a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return value, nil
}

// intArg reads an optional integer argument; JSON numbers arrive as float64.
func intArg(args map[string]any, key string, fallback int) int {
	raw, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

// stringSliceArg reads an optional list-of-strings argument.
func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func failure(name string, start time.Time, err error) (Result, error) {
	return Result{
		Success:       false,
		Error:         err.Error(),
		ToolName:      name,
		ExecutionTime: time.Since(start),
	}, err
}

// memorySearchTool searches stored memories for content relevant to a query.
type memorySearchTool struct {
	service MemoryService
}

func (t *memorySearchTool) Info() Info {
	return Info{
		Name:        "memory_search",
		Description: "Search long-term memory for information relevant to a query. Returns the most similar stored memories.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for in memory",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of memories to return",
					"default":     5,
				},
			},
			"required": []string{"query"},
		},
	}
}

func (t *memorySearchTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()

	query, err := stringArg(args, "query")
	if err != nil {
		return failure("memory_search", start, err)
	}
	limit := intArg(args, "limit", 5)

	hits, err := t.service.SearchMemories(ctx, query, limit)
	if err != nil {
		return failure("memory_search", start, fmt.Errorf("memory search failed: %w", err))
	}

	var sb strings.Builder
	if len(hits) == 0 {
		sb.WriteString("No relevant memories found.")
	} else {
		fmt.Fprintf(&sb, "Found %d relevant memories:\n", len(hits))
		for i, hit := range hits {
			fmt.Fprintf(&sb, "%d. [%.2f] %s\n", i+1, hit.Score, hit.Content)
		}
	}

	return Result{
		Success:       true,
		Content:       strings.TrimSpace(sb.String()),
		ToolName:      "memory_search",
		ExecutionTime: time.Since(start),
		Metadata:      map[string]any{"hits": len(hits)},
	}, nil
}

// extractAndOperateTool runs the memory extraction pipeline over given text.
type extractAndOperateTool struct {
	service MemoryService
}

func (t *extractAndOperateTool) Info() Info {
	return Info{
		Name:        "extract_and_operate_memory",
		Description: "Extract memorable facts from text and store, update or remove them in long-term memory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "Text to extract facts from",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session the text belongs to",
				},
			},
			"required": []string{"text"},
		},
	}
}

func (t *extractAndOperateTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()

	text, err := stringArg(args, "text")
	if err != nil {
		return failure("extract_and_operate_memory", start, err)
	}
	sessionID, _ := args["session_id"].(string)

	ops, err := t.service.ExtractAndOperate(ctx, text, sessionID)
	if err != nil {
		return failure("extract_and_operate_memory", start, fmt.Errorf("memory extraction failed: %w", err))
	}

	return Result{
		Success: true,
		Content: fmt.Sprintf("Memory updated: %d added, %d updated, %d deleted, %d skipped.",
			ops.Added, ops.Updated, ops.Deleted, ops.Skipped),
		ToolName:      "extract_and_operate_memory",
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"added":   ops.Added,
			"updated": ops.Updated,
			"deleted": ops.Deleted,
			"skipped": ops.Skipped,
		},
	}, nil
}

// reasoningExtractTool extracts reasoning steps from an exchange.
type reasoningExtractTool struct {
	service ReasoningService
}

func (t *reasoningExtractTool) Info() Info {
	return Info{
		Name:        "reasoning_extract",
		Description: "Extract the reasoning steps present in a user request and the assistant's answer.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_input": map[string]any{
					"type":        "string",
					"description": "The user's request",
				},
				"assistant_response": map[string]any{
					"type":        "string",
					"description": "The assistant's answer",
				},
			},
			"required": []string{"user_input"},
		},
	}
}

func (t *reasoningExtractTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()

	userInput, err := stringArg(args, "user_input")
	if err != nil {
		return failure("reasoning_extract", start, err)
	}
	assistantText, _ := args["assistant_response"].(string)

	steps, err := t.service.ExtractSteps(ctx, userInput, assistantText)
	if err != nil {
		return failure("reasoning_extract", start, fmt.Errorf("reasoning extraction failed: %w", err))
	}

	var sb strings.Builder
	if len(steps) == 0 {
		sb.WriteString("No reasoning steps detected.")
	} else {
		fmt.Fprintf(&sb, "Extracted %d reasoning steps:\n", len(steps))
		for _, step := range steps {
			fmt.Fprintf(&sb, "%d. %s\n", step.Index+1, step.Description)
		}
	}

	return Result{
		Success:       true,
		Content:       strings.TrimSpace(sb.String()),
		ToolName:      "reasoning_extract",
		ExecutionTime: time.Since(start),
		Metadata:      map[string]any{"steps": len(steps)},
	}, nil
}

// reasoningEvaluateTool scores a reasoning trace.
type reasoningEvaluateTool struct {
	service ReasoningService
}

func (t *reasoningEvaluateTool) Info() Info {
	return Info{
		Name:        "reasoning_evaluate",
		Description: "Evaluate the quality of a reasoning trace and decide whether it is worth storing.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"steps": map[string]any{
					"type":        "array",
					"description": "The reasoning steps to evaluate, in order",
					"items":       map[string]any{"type": "string"},
				},
			},
			"required": []string{"steps"},
		},
	}
}

func (t *reasoningEvaluateTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()

	raw := stringSliceArg(args, "steps")
	if len(raw) == 0 {
		return failure("reasoning_evaluate", start, fmt.Errorf("argument %q must be a non-empty array of strings", "steps"))
	}

	steps := make([]ReasoningStep, len(raw))
	for i, desc := range raw {
		steps[i] = ReasoningStep{Index: i, Description: desc, Explicit: true}
	}

	eval, err := t.service.Evaluate(ctx, steps)
	if err != nil {
		return failure("reasoning_evaluate", start, fmt.Errorf("reasoning evaluation failed: %w", err))
	}

	return Result{
		Success: true,
		Content: fmt.Sprintf("Quality score %.2f, store: %t. %s",
			eval.QualityScore, eval.ShouldStore, eval.Feedback),
		ToolName:      "reasoning_evaluate",
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"quality_score": eval.QualityScore,
			"should_store":  eval.ShouldStore,
		},
	}, nil
}

// reasoningStoreTool persists a reasoning trace into memory.
type reasoningStoreTool struct {
	service ReasoningService
}

func (t *reasoningStoreTool) Info() Info {
	return Info{
		Name:        "reasoning_store",
		Description: "Store a reasoning trace in long-term memory so it can guide similar future tasks.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"steps": map[string]any{
					"type":        "array",
					"description": "The reasoning steps to store, in order",
					"items":       map[string]any{"type": "string"},
				},
				"quality_score": map[string]any{
					"type":        "number",
					"description": "Evaluation score for the trace",
				},
				"feedback": map[string]any{
					"type":        "string",
					"description": "Evaluator feedback on the trace",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session the trace came from",
				},
			},
			"required": []string{"steps"},
		},
	}
}

func (t *reasoningStoreTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()

	raw := stringSliceArg(args, "steps")
	if len(raw) == 0 {
		return failure("reasoning_store", start, fmt.Errorf("argument %q must be a non-empty array of strings", "steps"))
	}

	steps := make([]ReasoningStep, len(raw))
	for i, desc := range raw {
		steps[i] = ReasoningStep{Index: i, Description: desc, Explicit: true}
	}

	score := 0.0
	if v, ok := args["quality_score"].(float64); ok {
		score = v
	}
	feedback, _ := args["feedback"].(string)
	sessionID, _ := args["session_id"].(string)

	eval := ReasoningEvaluation{QualityScore: score, ShouldStore: true, Feedback: feedback}

	id, err := t.service.Store(ctx, steps, eval, sessionID)
	if err != nil {
		return failure("reasoning_store", start, fmt.Errorf("reasoning store failed: %w", err))
	}

	return Result{
		Success:       true,
		Content:       fmt.Sprintf("Stored reasoning trace %s (%d steps).", id, len(steps)),
		ToolName:      "reasoning_store",
		ExecutionTime: time.Since(start),
		Metadata:      map[string]any{"memory_id": id},
	}, nil
}
