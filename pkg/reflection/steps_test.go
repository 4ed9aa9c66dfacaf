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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractSteps_NumberedList(t *testing.T) {
	steps := extractSteps("How do I fix the flaky test?",
		"Here is the plan:\n1. Reproduce the failure locally\n2. Bisect the recent commits\n3. Fix the race in the fixture")

	require.Len(t, steps, 3)
	for i, step := range steps {
		assert.Equal(t, i, step.Index)
		assert.Equal(t, StepExplicit, step.Kind)
	}
	assert.Equal(t, "Reproduce the failure locally", steps[0].Text)
	assert.Equal(t, "Bisect the recent commits", steps[1].Text)
	assert.Equal(t, "Fix the race in the fixture", steps[2].Text)
}

func TestExtractSteps_Bullets(t *testing.T) {
	steps := extractSteps("", "- Check the cache headers\n* Compare the ETag values\n• Verify the 304 path")

	require.Len(t, steps, 3)
	assert.Equal(t, "Check the cache headers", steps[0].Text)
	assert.Equal(t, "Compare the ETag values", steps[1].Text)
	assert.Equal(t, "Verify the 304 path", steps[2].Text)
}

func TestExtractSteps_ConnectiveSentences(t *testing.T) {
	steps := extractSteps("",
		"First we profile the handler. Then we cache the hot path. Therefore the p99 drops.")

	require.Len(t, steps, 3)
	for _, step := range steps {
		assert.Equal(t, StepExplicit, step.Kind)
	}
	assert.Equal(t, "First we profile the handler", steps[0].Text)
	assert.Equal(t, "Therefore the p99 drops", steps[2].Text)
}

func TestExtractSteps_CausalSentencesAreImplicit(t *testing.T) {
	steps := extractSteps("",
		"The pool exhausts because connections leak in the retry path. That part is stable.")

	require.Len(t, steps, 1)
	assert.Equal(t, StepImplicit, steps[0].Kind)
	assert.Equal(t, "The pool exhausts because connections leak in the retry path", steps[0].Text)
}

func TestExtractSteps_ShortFragmentsDropped(t *testing.T) {
	steps := extractSteps("", "1. ok\n2. Rerun the suite")

	require.Len(t, steps, 1)
	assert.Equal(t, 0, steps[0].Index)
	assert.Equal(t, "Rerun the suite", steps[0].Text)
}

func TestExtractSteps_NoReasoning(t *testing.T) {
	assert.Empty(t, extractSteps("Sounds good, thanks!", "You're welcome."))
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("One sentence. Another one!   A third?  ")
	assert.Equal(t, []string{"One sentence", "Another one", "A third"}, got)

	assert.Nil(t, splitSentences("   "))
}

func TestNormalizeStep(t *testing.T) {
	assert.Equal(t, normalizeStep("Retry the request."), normalizeStep("  retry THE request"))
	assert.NotEqual(t, normalizeStep("Retry the request"), normalizeStep("Check the logs"))
}

func TestFormatSteps(t *testing.T) {
	got := formatSteps([]Step{
		{Index: 0, Kind: StepExplicit, Text: "Reproduce the failure locally"},
		{Index: 1, Kind: StepImplicit, Text: "The fixture races because teardown is async"},
	})

	want := "1. [explicit] Reproduce the failure locally\n" +
		"2. [implicit] The fixture races because teardown is async"
	assert.Equal(t, want, got)
}
