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

package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/mnemo/pkg/llm"
)

// Evaluation is the quality verdict for a reasoning trace.
type Evaluation struct {
	QualityScore float64  `json:"qualityScore"`
	ShouldStore  bool     `json:"shouldStore"`
	Issues       []string `json:"issues,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

// evaluationPrompt asks the evaluation model for a strict JSON verdict.
const evaluationPrompt = `You grade reasoning traces for an assistant's long-term memory.

Reasoning steps:
%s

A good trace progresses toward the answer without wasted, repeated or
circular steps. Only good traces are worth storing as guidance for similar
future tasks.

Respond with only a JSON object shaped like:
{"qualityScore": 0.8, "shouldStore": true, "issues": [], "suggestions": []}`

// evaluate grades a trace: the evaluation model when configured, the
// heuristics on any call, parse or validation failure.
func (e *Engine) evaluate(ctx context.Context, steps []Step) Evaluation {
	if len(steps) == 0 {
		return Evaluation{Issues: []string{"no steps to evaluate"}}
	}
	if e.provider != nil {
		if eval, ok := e.llmEvaluate(ctx, steps); ok {
			return eval
		}
	}
	return e.heuristicEvaluate(steps)
}

func (e *Engine) llmEvaluate(ctx context.Context, steps []Step) (Evaluation, bool) {
	prompt := fmt.Sprintf(evaluationPrompt, formatSteps(steps))

	resp, err := e.provider.Generate(ctx,
		[]llm.Message{{Role: llm.RoleUser, Content: prompt}},
		nil,
		&llm.Options{JSONOutput: true},
	)
	if err != nil {
		slog.Debug("Trace evaluation call failed, using heuristics", "error", err)
		return Evaluation{}, false
	}

	raw, ok := extractJSONObject(resp.Text)
	if !ok {
		slog.Debug("Trace evaluation reply carried no JSON, using heuristics")
		return Evaluation{}, false
	}

	var eval Evaluation
	if err := json.Unmarshal([]byte(raw), &eval); err != nil {
		slog.Debug("Trace evaluation JSON parse failed, using heuristics", "error", err)
		return Evaluation{}, false
	}
	if eval.QualityScore <= 0 || eval.QualityScore > 1 {
		slog.Debug("Trace evaluation has invalid quality score, using heuristics",
			"quality_score", eval.QualityScore)
		return Evaluation{}, false
	}
	return eval, true
}

// heuristicEvaluate grades a trace without a model: a sane step count,
// mostly explicit steps, no repeats, no loops.
func (e *Engine) heuristicEvaluate(steps []Step) Evaluation {
	var issues, suggestions []string

	freq := map[string]int{}
	for _, step := range steps {
		freq[normalizeStep(step.Text)]++
	}
	wasted := 0
	looping := false
	for _, n := range freq {
		if n > 1 {
			wasted += n - 1
		}
		if n > 2 {
			looping = true
		}
	}

	explicit := 0
	for _, step := range steps {
		if step.Kind == StepExplicit {
			explicit++
		}
	}

	score := 0.3
	if len(steps) >= 2 {
		score += 0.2
	}
	if n := len(steps); n >= 3 && n <= 10 {
		score += 0.1
	}
	if explicit*2 >= len(steps) {
		score += 0.2
	}

	if wasted > 0 {
		score -= 0.2
		issues = append(issues, fmt.Sprintf("%d step(s) repeat earlier work", wasted))
		suggestions = append(suggestions, "Collapse repeated steps into a single step.")
	}
	if looping {
		score -= 0.3
		issues = append(issues, "the trace circles back to the same state instead of progressing")
		suggestions = append(suggestions, "After the first repeat, switch to a different approach.")
	}
	if len(steps) > 10 {
		score -= 0.1
		issues = append(issues, fmt.Sprintf("%d steps for one answer suggests wasted work", len(steps)))
		suggestions = append(suggestions, "Keep the chain to the essential steps.")
	}

	if score < 0 {
		score = 0
	}

	return Evaluation{
		QualityScore: score,
		ShouldStore:  score >= e.cfg.StoreThreshold,
		Issues:       issues,
		Suggestions:  suggestions,
	}
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
