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

import "strings"

// Detector signals, strongest first. Scores are additive across groups and
// capped at 1, so a plain "why" question clears the default confidence on
// its own while weaker signals have to combine.
var (
	reasoningAsks = []string{
		"why ", "why?", "how do", "how can", "how would", "how should",
		"how to", "explain", "walk me through", "figure out", "work out",
		"prove", "derive", "step by step",
	}
	reasoningTasks = []string{
		"solve", "debug", "calculate", "compare", "decide between",
		"optimize", "analyze", "troubleshoot", "diagnose",
	}
	reasoningLinks = []string{
		"because", "therefore", "which means", "so that", "given that",
	}
)

// DetectReasoning scores how strongly text asks for or contains reasoning,
// in [0, 1].
func DetectReasoning(text string) float64 {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return 0
	}

	var score float64
	if containsAny(lower, reasoningAsks) {
		score += 0.6
	}
	if containsAny(lower, reasoningTasks) {
		score += 0.4
	}
	if containsAny(lower, reasoningLinks) {
		score += 0.2
	}
	if hasEnumeratedLine(lower) {
		score += 0.2
	}

	if score > 1 {
		score = 1
	}
	return score
}

func containsAny(text string, signals []string) bool {
	for _, signal := range signals {
		if strings.Contains(text, signal) {
			return true
		}
	}
	return false
}

func hasEnumeratedLine(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if enumeratedRe.MatchString(line) {
			return true
		}
	}
	return false
}
