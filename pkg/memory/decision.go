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

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/mnemo/pkg/llm"
	"github.com/kadirpekel/mnemo/pkg/vector"
)

const (
	// duplicateScore marks a similar memory as the same memory.
	duplicateScore = 0.9

	// similarInPrompt caps how many similar memories the decision prompt
	// sees.
	similarInPrompt = 3

	// promptTextLimit truncates memory texts inside the decision prompt.
	promptTextLimit = 120
)

// decisionPrompt asks the model to pick one memory operation. The reply
// must be a single JSON object.
const decisionPrompt = `You maintain the long-term memory store of an assistant.

New fact:
%s

Similar existing memories:
%s

Interaction context:
%s

Choose how to apply the new fact to the store:
- ADD: the fact is new information worth keeping.
- UPDATE: the fact refines or corrects one existing memory; set targetMemoryId.
- DELETE: the fact invalidates one existing memory; set targetMemoryId.
- NONE: the store already covers it, or it is not worth keeping.

Respond with only a JSON object shaped like:
{"operation": "ADD", "confidence": 0.8, "reasoning": "why", "targetMemoryId": ""}`

// llmDecision is the JSON shape the decision prompt requests.
type llmDecision struct {
	Operation      string  `json:"operation"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	TargetMemoryID string  `json:"targetMemoryId"`
}

// decide picks the operation for a fact. The LLM decides when configured
// and available; any call, parse or validation failure falls back to the
// similarity rules.
func (e *Engine) decide(ctx context.Context, fact Fact, similar []vector.SearchResult, contextSummary string) Action {
	if e.cfg.LLMDecisionsEnabled() && e.provider != nil {
		if action, ok := e.llmDecide(ctx, fact, similar, contextSummary); ok {
			return action
		}
	}
	return e.similarityDecide(similar)
}

func (e *Engine) llmDecide(ctx context.Context, fact Fact, similar []vector.SearchResult, contextSummary string) (Action, bool) {
	if contextSummary == "" {
		contextSummary = "(none)"
	}
	prompt := fmt.Sprintf(decisionPrompt, fact.Text, formatSimilar(similar), contextSummary)

	resp, err := e.provider.Generate(ctx,
		[]llm.Message{{Role: llm.RoleUser, Content: prompt}},
		nil,
		&llm.Options{JSONOutput: true},
	)
	if err != nil {
		slog.Debug("Memory decision call failed, using similarity rules", "error", err)
		return Action{}, false
	}

	raw, ok := extractJSONObject(resp.Text)
	if !ok {
		slog.Debug("Memory decision reply carried no JSON, using similarity rules")
		return Action{}, false
	}

	var decision llmDecision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		slog.Debug("Memory decision JSON parse failed, using similarity rules", "error", err)
		return Action{}, false
	}

	event := Event(strings.ToUpper(strings.TrimSpace(decision.Operation)))
	switch event {
	case EventAdd, EventUpdate, EventDelete, EventNone:
	default:
		slog.Debug("Memory decision has invalid operation, using similarity rules",
			"operation", decision.Operation)
		return Action{}, false
	}

	if decision.Confidence <= 0 || decision.Confidence > 1 {
		slog.Debug("Memory decision has invalid confidence, using similarity rules",
			"confidence", decision.Confidence)
		return Action{}, false
	}

	action := Action{
		Event:      event,
		Confidence: decision.Confidence,
		Reasoning:  strings.TrimSpace(decision.Reasoning),
	}

	if event == EventUpdate || event == EventDelete {
		target := strings.TrimSpace(decision.TargetMemoryID)
		idx := indexOfSimilar(similar, target)
		if idx < 0 {
			slog.Debug("Memory decision targets an unknown memory, using similarity rules",
				"target", target)
			return Action{}, false
		}
		action.ID = target
		if event == EventUpdate {
			action.OldMemory = payloadText(similar[idx].Payload)
		}
	}

	return action, true
}

// similarityDecide applies the rule-based fallback over the top similar
// memory.
func (e *Engine) similarityDecide(similar []vector.SearchResult) Action {
	if len(similar) == 0 {
		return Action{Event: EventAdd, Confidence: 0.8, Reasoning: "no similar memories found"}
	}

	top := similar[0]
	switch {
	case top.Score > duplicateScore:
		return Action{
			Event:      EventNone,
			ID:         top.ID,
			Confidence: 0.9,
			Reasoning:  fmt.Sprintf("duplicate of %s (score %.2f)", top.ID, top.Score),
		}
	case float64(top.Score) > e.cfg.SimilarityThreshold:
		return Action{
			Event:      EventUpdate,
			ID:         top.ID,
			OldMemory:  payloadText(top.Payload),
			Confidence: 0.75,
			Reasoning:  fmt.Sprintf("refines %s (score %.2f)", top.ID, top.Score),
		}
	default:
		// Search already applies the threshold; only boundary scores
		// land here.
		return Action{
			Event:      EventAdd,
			Confidence: 0.7,
			Reasoning:  fmt.Sprintf("loosely related to %s (score %.2f)", top.ID, top.Score),
		}
	}
}

func formatSimilar(similar []vector.SearchResult) string {
	if len(similar) == 0 {
		return "(none)"
	}

	n := len(similar)
	if n > similarInPrompt {
		n = similarInPrompt
	}

	var b strings.Builder
	for i := 0; i < n; i++ {
		result := similar[i]
		fmt.Fprintf(&b, "%d. id=%s score=%.2f text=%s\n",
			i+1, result.ID, result.Score, truncate(payloadText(result.Payload), promptTextLimit))
	}
	return strings.TrimSpace(b.String())
}

func indexOfSimilar(similar []vector.SearchResult, id string) int {
	if id == "" {
		return -1
	}
	for i, result := range similar {
		if result.ID == id {
			return i
		}
	}
	return -1
}

// extractJSONObject returns the slice from the first "{" through the last
// "}"; models often wrap JSON in prose or code fences.
func extractJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
