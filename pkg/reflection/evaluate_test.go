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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mnemo/pkg/tools"
)

func explicitSteps(texts ...string) []Step {
	steps := make([]Step, len(texts))
	for i, text := range texts {
		steps[i] = Step{Index: i, Kind: StepExplicit, Text: text}
	}
	return steps
}

func toolSteps(texts ...string) []tools.ReasoningStep {
	out := make([]tools.ReasoningStep, len(texts))
	for i, text := range texts {
		out[i] = tools.ReasoningStep{Index: i, Description: text, Explicit: true}
	}
	return out
}

func TestHeuristicEvaluate(t *testing.T) {
	long := make([]Step, 12)
	for i := range long {
		long[i] = Step{Index: i, Kind: StepExplicit, Text: fmt.Sprintf("Check shard %d for missing writes", i)}
	}

	cases := []struct {
		name       string
		steps      []Step
		score      float64
		store      bool
		issues     int
		firstIssue string
	}{
		{
			name: "clean explicit trace",
			steps: explicitSteps(
				"Reproduce the failure locally",
				"Bisect the recent commits",
				"Fix the race in the fixture",
				"Rerun the suite to confirm",
			),
			score: 0.8,
			store: true,
		},
		{
			name: "one repeated step",
			steps: explicitSteps(
				"Retry the request",
				"Check the gateway logs",
				"Retry the request",
				"Inspect the upstream timeout",
			),
			score:      0.6,
			issues:     1,
			firstIssue: "repeat earlier work",
		},
		{
			name: "looping trace",
			steps: explicitSteps(
				"Retry the request",
				"Check the gateway logs",
				"Retry the request",
				"Inspect the upstream timeout",
				"Retry the request",
			),
			score:      0.3,
			issues:     2,
			firstIssue: "repeat earlier work",
		},
		{
			name: "mostly implicit steps",
			steps: []Step{
				{Index: 0, Kind: StepExplicit, Text: "Profile the handler under load"},
				{Index: 1, Kind: StepImplicit, Text: "The allocator dominates because buffers are not reused"},
				{Index: 2, Kind: StepImplicit, Text: "Pooling the buffers removes the hot path"},
			},
			score: 0.6,
		},
		{
			name:       "overlong trace",
			steps:      long,
			score:      0.6,
			issues:     1,
			firstIssue: "12 steps for one answer",
		},
	}

	engine := NewEngine(enabledConfig(), newStubEmbedder(), newTestStore(t), nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eval := engine.heuristicEvaluate(tc.steps)

			assert.InDelta(t, tc.score, eval.QualityScore, 0.001)
			assert.Equal(t, tc.store, eval.ShouldStore)
			require.Len(t, eval.Issues, tc.issues)
			assert.Len(t, eval.Suggestions, tc.issues)
			if tc.issues > 0 {
				assert.Contains(t, eval.Issues[0], tc.firstIssue)
			}
		})
	}
}

func TestEvaluate_NoSteps(t *testing.T) {
	engine := NewEngine(enabledConfig(), newStubEmbedder(), newTestStore(t), nil)

	eval := engine.evaluate(context.Background(), nil)
	assert.Zero(t, eval.QualityScore)
	assert.False(t, eval.ShouldStore)
	assert.Equal(t, []string{"no steps to evaluate"}, eval.Issues)
}

func TestEvaluateService_UsesModelVerdict(t *testing.T) {
	provider := &scriptedProvider{text: "Here is my verdict:\n```json\n" +
		`{"qualityScore": 0.9, "shouldStore": true, "issues": [], "suggestions": ["Cache the intermediate result."]}` +
		"\n```"}
	engine := NewEngine(enabledConfig(), newStubEmbedder(), newTestStore(t), provider)

	eval, err := engine.Evaluate(context.Background(), toolSteps(
		"Reproduce the failure locally",
		"Bisect the recent commits",
	))
	require.NoError(t, err)

	assert.InDelta(t, 0.9, eval.QualityScore, 0.001)
	assert.True(t, eval.ShouldStore)
	assert.Equal(t, "Cache the intermediate result.", eval.Feedback)
	assert.Equal(t, int64(1), engine.Stats().Evaluated)
}

func TestEvaluateService_JoinsIssuesAndSuggestions(t *testing.T) {
	engine := NewEngine(enabledConfig(), newStubEmbedder(), newTestStore(t), nil)

	eval, err := engine.Evaluate(context.Background(), toolSteps(
		"Retry the request",
		"Check the gateway logs",
		"Retry the request",
		"Inspect the upstream timeout",
	))
	require.NoError(t, err)

	assert.InDelta(t, 0.6, eval.QualityScore, 0.001)
	assert.False(t, eval.ShouldStore)
	assert.Equal(t, "1 step(s) repeat earlier work Collapse repeated steps into a single step.", eval.Feedback)
}

func TestEvaluateService_ModelFailuresFallBackToHeuristics(t *testing.T) {
	steps := toolSteps(
		"Reproduce the failure locally",
		"Bisect the recent commits",
		"Fix the race in the fixture",
		"Rerun the suite to confirm",
	)

	cases := []struct {
		name     string
		provider *scriptedProvider
	}{
		{"call error", &scriptedProvider{err: errors.New("model offline")}},
		{"no json in reply", &scriptedProvider{text: "cannot grade this"}},
		{"score out of range", &scriptedProvider{text: `{"qualityScore": 1.4, "shouldStore": true}`}},
		{"zero score", &scriptedProvider{text: `{"qualityScore": 0, "shouldStore": false}`}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := NewEngine(enabledConfig(), newStubEmbedder(), newTestStore(t), tc.provider)

			eval, err := engine.Evaluate(context.Background(), steps)
			require.NoError(t, err)

			assert.InDelta(t, 0.8, eval.QualityScore, 0.001)
			assert.True(t, eval.ShouldStore)
			assert.Equal(t, "Trace progresses cleanly toward the answer.", eval.Feedback)
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	got, ok := extractJSONObject(`verdict: {"a": 1} thanks`)
	require.True(t, ok)
	assert.Equal(t, `{"a": 1}`, got)

	_, ok = extractJSONObject("no braces here")
	assert.False(t, ok)

	_, ok = extractJSONObject("} reversed {")
	assert.False(t, ok)
}
