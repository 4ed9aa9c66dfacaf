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

// Package reflection turns good reasoning into reusable memory. After a
// turn it detects whether the user asked for reasoning, extracts the
// reasoning steps from the exchange, grades them with a cheap evaluation
// model (falling back to heuristics) and stores traces worth keeping in a
// dedicated vector collection. It runs behind the request path: failures
// are logged and swallowed, a disabled embedding service or a disabled
// engine makes the whole run a no-op.
package reflection

import (
	"context"
	"log/slog"
	"strings"
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

// Trace is an extracted, evaluated reasoning trace. ID is set only when the
// trace was stored.
type Trace struct {
	ID           string   `json:"id,omitempty"`
	Steps        []Step   `json:"steps"`
	QualityScore float64  `json:"qualityScore"`
	Issues       []string `json:"issues,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
	ShouldStore  bool     `json:"shouldStore"`
}

// Stats is a point-in-time summary of engine activity.
type Stats struct {
	Detected  int64 `json:"detected"`
	Evaluated int64 `json:"evaluated"`
	Stored    int64 `json:"stored"`
	Skipped   int64 `json:"skipped"`
	Failures  int64 `json:"failures"`
}

// Embedder is the slice of the embedding manager the engine depends on.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	HandleRuntimeFailure(err error)
	Enabled() bool
	Reason() string
}

// Engine is the reflection pipeline. provider is the evaluation model and
// may be nil, in which case the heuristics grade every trace.
type Engine struct {
	cfg      config.ReflectionConfig
	embedder Embedder
	store    vector.Store
	provider llm.Provider

	detected  atomic.Int64
	evaluated atomic.Int64
	stored    atomic.Int64
	skipped   atomic.Int64
	failures  atomic.Int64
}

var _ tools.ReasoningService = (*Engine)(nil)

// NewEngine builds a reflection engine over the given embedder and vector
// store.
func NewEngine(cfg config.ReflectionConfig, emb Embedder, store vector.Store, provider llm.Provider) *Engine {
	cfg.SetDefaults()
	return &Engine{
		cfg:      cfg,
		embedder: emb,
		store:    store,
		provider: provider,
	}
}

// Process runs the reflection pipeline for one finished turn. It reports
// whether a trace was produced; a trace that was graded but not worth
// storing still counts. Errors never escape.
func (e *Engine) Process(ctx context.Context, userInput, assistantText, sessionID string) (Trace, bool) {
	if !e.cfg.IsEnabled() {
		return Trace{}, false
	}
	if !e.embedder.Enabled() {
		e.skipped.Add(1)
		slog.Debug("Reflection skipped, embeddings are disabled", "reason", e.embedder.Reason())
		return Trace{}, false
	}

	confidence := DetectReasoning(userInput)
	if confidence < e.cfg.PatternConfidence {
		return Trace{}, false
	}
	e.detected.Add(1)

	tracer := observability.GetTracer("mnemo.reflection")
	ctx, span := tracer.Start(ctx, observability.SpanReflection)
	defer span.End()
	span.SetAttributes(
		attribute.String(observability.AttrSessionID, sessionID),
		attribute.Float64("reflection.confidence", confidence),
	)

	steps := extractSteps(userInput, assistantText)
	if len(steps) == 0 {
		return Trace{}, false
	}

	eval := e.evaluate(ctx, steps)
	e.evaluated.Add(1)

	trace := Trace{
		Steps:        steps,
		QualityScore: eval.QualityScore,
		Issues:       eval.Issues,
		Suggestions:  eval.Suggestions,
		ShouldStore:  eval.ShouldStore,
	}
	span.SetAttributes(
		attribute.Int("reflection.steps", len(steps)),
		attribute.Float64("reflection.quality", eval.QualityScore),
	)

	if eval.ShouldStore && eval.QualityScore >= e.cfg.StoreThreshold {
		id, err := e.persist(ctx, steps, eval, sessionID)
		if err != nil {
			e.failures.Add(1)
			slog.Debug("Reasoning trace store failed", "error", err)
			return trace, true
		}
		trace.ID = id
		e.stored.Add(1)
	}

	return trace, true
}

// ExtractSteps implements tools.ReasoningService over the step extractor.
func (e *Engine) ExtractSteps(ctx context.Context, userInput, assistantText string) ([]tools.ReasoningStep, error) {
	steps := extractSteps(userInput, assistantText)
	out := make([]tools.ReasoningStep, len(steps))
	for i, step := range steps {
		out[i] = tools.ReasoningStep{
			Index:       step.Index,
			Description: step.Text,
			Explicit:    step.Kind == StepExplicit,
		}
	}
	return out, nil
}

// Evaluate implements tools.ReasoningService; the feedback string joins the
// grader's issues and suggestions.
func (e *Engine) Evaluate(ctx context.Context, steps []tools.ReasoningStep) (tools.ReasoningEvaluation, error) {
	eval := e.evaluate(ctx, fromToolSteps(steps))
	e.evaluated.Add(1)

	parts := make([]string, 0, len(eval.Issues)+len(eval.Suggestions))
	parts = append(parts, eval.Issues...)
	parts = append(parts, eval.Suggestions...)
	feedback := strings.Join(parts, " ")
	if feedback == "" {
		feedback = "Trace progresses cleanly toward the answer."
	}

	return tools.ReasoningEvaluation{
		QualityScore: eval.QualityScore,
		ShouldStore:  eval.ShouldStore,
		Feedback:     feedback,
	}, nil
}

// Store implements tools.ReasoningService. Unlike the background pipeline
// it surfaces errors, so the model hears about a failed store.
func (e *Engine) Store(ctx context.Context, steps []tools.ReasoningStep, eval tools.ReasoningEvaluation, sessionID string) (string, error) {
	if len(steps) == 0 {
		return "", fault.New(fault.Validation, "reflection.store", "no steps to store")
	}
	if !e.embedder.Enabled() {
		reason := e.embedder.Reason()
		if reason == "" {
			reason = "embeddings are disabled"
		}
		return "", fault.New(fault.Provider, "reflection.store", "memory unavailable: %s", reason)
	}

	evaluation := Evaluation{QualityScore: eval.QualityScore, ShouldStore: eval.ShouldStore}
	id, err := e.persist(ctx, fromToolSteps(steps), evaluation, sessionID)
	if err != nil {
		return "", err
	}
	e.stored.Add(1)
	return id, nil
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Detected:  e.detected.Load(),
		Evaluated: e.evaluated.Load(),
		Stored:    e.stored.Load(),
		Skipped:   e.skipped.Load(),
		Failures:  e.failures.Load(),
	}
}

// persist embeds the rendered trace and inserts it into the reflection
// collection.
func (e *Engine) persist(ctx context.Context, steps []Step, eval Evaluation, sessionID string) (string, error) {
	text := formatSteps(steps)

	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		e.embedder.HandleRuntimeFailure(err)
		return "", err
	}

	id := uuid.NewString()
	payload := map[string]any{
		"text":          text,
		"quality_score": eval.QualityScore,
		"step_count":    len(steps),
		"created_at":    time.Now().UTC().Format(time.RFC3339),
	}
	if len(eval.Issues) > 0 {
		payload["issues"] = eval.Issues
	}
	if sessionID != "" {
		payload["session_id"] = sessionID
	}

	err = e.store.Insert(ctx, []vector.Record{{ID: id, Vector: vec, Payload: payload}})
	observability.GetGlobalMetrics().RecordMemoryOperation(ctx, "reflection_store", err)
	if err != nil {
		return "", fault.Wrap(fault.Backend, "reflection.store", "trace insert failed", err)
	}
	return id, nil
}

func fromToolSteps(steps []tools.ReasoningStep) []Step {
	out := make([]Step, len(steps))
	for i, step := range steps {
		kind := StepImplicit
		if step.Explicit {
			kind = StepExplicit
		}
		out[i] = Step{Index: step.Index, Kind: kind, Text: step.Description}
	}
	return out
}
