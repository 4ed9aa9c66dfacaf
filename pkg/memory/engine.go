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

// Package memory extracts knowledge from finished conversation turns and
// maintains it in a vector store. Each candidate fact is embedded, compared
// against similar memories, decided as ADD, UPDATE, DELETE or NONE (by the
// LLM when configured, by similarity rules otherwise) and applied. The
// engine runs in the background after a turn; its failures never reach the
// request path. When the embedding service is disabled the engine degrades
// to a chat-only result instead of erroring.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/fault"
	"github.com/kadirpekel/mnemo/pkg/llm"
	"github.com/kadirpekel/mnemo/pkg/observability"
	"github.com/kadirpekel/mnemo/pkg/tools"
	"github.com/kadirpekel/mnemo/pkg/vector"
)

// ProcessTimeout bounds one background memory run.
const ProcessTimeout = 60 * time.Second

// Result modes.
const (
	ModeMemory   = "memory"
	ModeChatOnly = "chat-only"
)

// Event is a memory decision outcome.
type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventNone   Event = "NONE"
)

// Fact is one candidate knowledge statement extracted from an interaction.
type Fact struct {
	Text        string
	CodePattern string
	Tags        []string
}

// Action is the decided operation for one fact.
type Action struct {
	ID          string   `json:"id,omitempty"`
	Text        string   `json:"text"`
	Event       Event    `json:"event"`
	Tags        []string `json:"tags,omitempty"`
	OldMemory   string   `json:"oldMemory,omitempty"`
	CodePattern string   `json:"codePattern,omitempty"`
	Confidence  float64  `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
}

// ToolUse is one tool invocation from the turn being remembered.
type ToolUse struct {
	Name   string
	Args   map[string]any
	Result string
}

// Interaction is one finished conversation turn.
type Interaction struct {
	SessionID     string
	UserInput     string
	AssistantText string
	Tools         []ToolUse
}

// Result summarizes one engine run.
type Result struct {
	Mode    string   `json:"mode"`
	Skipped bool     `json:"skipped"`
	Actions []Action `json:"actions,omitempty"`
}

// Stats is a point-in-time summary of engine activity.
type Stats struct {
	AddOperations    int64 `json:"addOperations"`
	UpdateOperations int64 `json:"updateOperations"`
	DeleteOperations int64 `json:"deleteOperations"`
	NoneOperations   int64 `json:"noneOperations"`
	Skipped          int64 `json:"skipped"`
	Failures         int64 `json:"failures"`
}

// Embedder is the slice of the embedding manager the engine depends on.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	HandleRuntimeFailure(err error)
	Enabled() bool
	Reason() string
}

// Engine is the memory pipeline. provider may be nil, in which case
// similarity rules decide every operation.
type Engine struct {
	cfg      config.MemoryConfig
	embedder Embedder
	store    vector.Store
	provider llm.Provider

	addOps    atomic.Int64
	updateOps atomic.Int64
	deleteOps atomic.Int64
	noneOps   atomic.Int64
	skipped   atomic.Int64
	failures  atomic.Int64
}

var _ tools.MemoryService = (*Engine)(nil)

// NewEngine builds a memory engine over the given embedder and vector store.
func NewEngine(cfg config.MemoryConfig, emb Embedder, store vector.Store, provider llm.Provider) *Engine {
	cfg.SetDefaults()
	return &Engine{
		cfg:      cfg,
		embedder: emb,
		store:    store,
		provider: provider,
	}
}

// ProcessInteraction runs the memory pipeline for one finished turn. It
// never returns an error: per-fact failures are counted and skipped, and a
// disabled embedding service degrades the whole run to chat-only.
func (e *Engine) ProcessInteraction(ctx context.Context, interaction Interaction) Result {
	tracer := observability.GetTracer("mnemo.memory")
	ctx, span := tracer.Start(ctx, observability.SpanMemoryExtract)
	defer span.End()
	span.SetAttributes(
		attribute.String(observability.AttrSessionID, interaction.SessionID),
		attribute.String(observability.AttrMemoryCollection, e.cfg.Collection),
	)

	facts := extractFacts(interaction.UserInput)
	result := e.processFacts(ctx, facts, Summarize(interaction), interaction.SessionID)

	span.SetAttributes(
		attribute.Int("memory.actions", len(result.Actions)),
		attribute.Bool("memory.skipped", result.Skipped),
	)
	return result
}

// ExtractAndOperate runs the pipeline over free-form text on behalf of the
// extract_and_operate_memory tool.
func (e *Engine) ExtractAndOperate(ctx context.Context, text, sessionID string) (tools.MemoryOperations, error) {
	result := e.processFacts(ctx, extractFacts(text), "", sessionID)

	var ops tools.MemoryOperations
	for _, action := range result.Actions {
		switch action.Event {
		case EventAdd:
			ops.Added++
		case EventUpdate:
			ops.Updated++
		case EventDelete:
			ops.Deleted++
		case EventNone:
			ops.Skipped++
		}
	}

	if result.Skipped {
		reason := e.embedder.Reason()
		if reason == "" {
			reason = "memory pipeline is disabled"
		}
		return ops, fault.New(fault.Provider, "memory.extract", "memory unavailable: %s", reason)
	}
	return ops, nil
}

// SearchMemories embeds the query and returns the closest stored memories
// on behalf of the memory_search tool.
func (e *Engine) SearchMemories(ctx context.Context, query string, limit int) ([]tools.MemoryHit, error) {
	tracer := observability.GetTracer("mnemo.memory")
	ctx, span := tracer.Start(ctx, observability.SpanMemorySearch)
	defer span.End()
	span.SetAttributes(attribute.String(observability.AttrMemoryCollection, e.cfg.Collection))

	if limit <= 0 {
		limit = e.cfg.MaxSimilarResults
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		observability.GetGlobalMetrics().RecordMemoryOperation(ctx, "search", err)
		return nil, err
	}

	results, err := e.store.Search(ctx, vec, limit, nil)
	observability.GetGlobalMetrics().RecordMemoryOperation(ctx, "search", err)
	if err != nil {
		return nil, fault.Wrap(fault.Backend, "memory.search", "similarity search failed", err)
	}

	hits := make([]tools.MemoryHit, 0, len(results))
	for _, result := range results {
		text := payloadText(result.Payload)
		if text == "" {
			continue
		}
		hits = append(hits, tools.MemoryHit{ID: result.ID, Content: text, Score: result.Score})
	}
	return hits, nil
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		AddOperations:    e.addOps.Load(),
		UpdateOperations: e.updateOps.Load(),
		DeleteOperations: e.deleteOps.Load(),
		NoneOperations:   e.noneOps.Load(),
		Skipped:          e.skipped.Load(),
		Failures:         e.failures.Load(),
	}
}

// processFacts drives the per-fact pipeline: filter, embed, search, decide,
// persist. Facts are isolated from each other; only a disabled embedding
// service aborts the run.
func (e *Engine) processFacts(ctx context.Context, facts []Fact, contextSummary, sessionID string) Result {
	result := Result{Mode: ModeMemory}

	if !e.cfg.IsEnabled() || !e.embedder.Enabled() {
		result.Mode = ModeChatOnly
		result.Skipped = true
		e.skipped.Add(1)
		return result
	}

	for _, fact := range facts {
		if ctx.Err() != nil {
			return result
		}
		if !significant(fact.Text) {
			e.skipped.Add(1)
			continue
		}

		action, vec, err := e.decideFact(ctx, fact, contextSummary)
		if err != nil {
			if !e.embedder.Enabled() {
				slog.Debug("Embeddings disabled mid-run, degrading to chat-only",
					"reason", e.embedder.Reason())
				result.Mode = ModeChatOnly
				result.Skipped = true
				e.skipped.Add(1)
				return result
			}
			e.failures.Add(1)
			slog.Debug("Memory fact processing failed", "error", err)
			continue
		}

		if err := e.apply(ctx, &action, vec, sessionID); err != nil {
			e.failures.Add(1)
			slog.Debug("Memory persistence failed", "event", action.Event, "error", err)
			continue
		}

		e.count(action.Event)
		result.Actions = append(result.Actions, action)
	}

	return result
}

// decideFact embeds one fact, consults similar memories and produces the
// gated action together with the fact's embedding.
func (e *Engine) decideFact(ctx context.Context, fact Fact, contextSummary string) (Action, []float32, error) {
	vec, err := e.embedder.Embed(ctx, fact.Text)
	if err != nil {
		e.embedder.HandleRuntimeFailure(err)
		return Action{}, nil, err
	}

	similar, err := e.store.Search(ctx, vec, e.cfg.MaxSimilarResults, &vector.SearchOptions{
		Threshold: float32(e.cfg.SimilarityThreshold),
	})
	if err != nil {
		return Action{}, nil, fault.Wrap(fault.Backend, "memory.decide", "similarity search failed", err)
	}

	action := e.decide(ctx, fact, similar, contextSummary)
	action.Text = fact.Text
	action.CodePattern = fact.CodePattern
	action.Tags = fact.Tags

	if action.Event == EventDelete && !e.cfg.DeleteOperationsEnabled() {
		action.Event = EventNone
		action.Reasoning += " (delete operations are disabled)"
	}

	if action.Confidence < e.cfg.ConfidenceThreshold && action.Event != EventNone {
		action.Reasoning = fmt.Sprintf("%s (confidence %.2f below threshold %.2f)",
			action.Reasoning, action.Confidence, e.cfg.ConfidenceThreshold)
		action.Event = EventNone
	}

	return action, vec, nil
}

// apply persists one decided action. NONE is a no-op.
func (e *Engine) apply(ctx context.Context, action *Action, vec []float32, sessionID string) error {
	var err error
	switch action.Event {
	case EventAdd:
		action.ID = uuid.NewString()
		err = e.store.Insert(ctx, []vector.Record{{
			ID:      action.ID,
			Vector:  vec,
			Payload: e.payload(action, sessionID),
		}})
	case EventUpdate:
		err = e.store.Update(ctx, action.ID, vec, e.payload(action, sessionID))
	case EventDelete:
		err = e.store.Delete(ctx, action.ID)
	case EventNone:
		// Nothing to persist.
	}

	observability.GetGlobalMetrics().RecordMemoryOperation(ctx, string(action.Event), err)
	if err != nil {
		return fault.Wrap(fault.Backend, "memory.apply", fmt.Sprintf("%s failed", action.Event), err)
	}
	return nil
}

// payload builds the stored record payload for an action.
func (e *Engine) payload(action *Action, sessionID string) map[string]any {
	p := map[string]any{
		"text":       action.Text,
		"event":      string(action.Event),
		"confidence": action.Confidence,
		"reasoning":  action.Reasoning,
	}
	switch action.Event {
	case EventUpdate:
		p["updated_at"] = time.Now().UTC().Format(time.RFC3339)
		if action.OldMemory != "" {
			p["old_memory"] = action.OldMemory
		}
	default:
		p["created_at"] = time.Now().UTC().Format(time.RFC3339)
	}
	if len(action.Tags) > 0 {
		p["tags"] = action.Tags
	}
	if action.CodePattern != "" {
		p["code_pattern"] = action.CodePattern
	}
	if sessionID != "" {
		p["session_id"] = sessionID
	}
	return p
}

func (e *Engine) count(event Event) {
	switch event {
	case EventAdd:
		e.addOps.Add(1)
	case EventUpdate:
		e.updateOps.Add(1)
	case EventDelete:
		e.deleteOps.Add(1)
	case EventNone:
		e.noneOps.Add(1)
	}
}

func payloadText(payload map[string]any) string {
	text, _ := payload["text"].(string)
	return text
}
