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
	"fmt"
	"regexp"
	"strings"
)

// StepKind separates steps the text states outright from steps inferred
// from causal phrasing.
type StepKind string

const (
	StepExplicit StepKind = "explicit"
	StepImplicit StepKind = "implicit"
)

// Step is one step of a reasoning trace.
type Step struct {
	Index int      `json:"index"`
	Kind  StepKind `json:"kind"`
	Text  string   `json:"text"`
}

// minStepLength drops fragments too short to describe a step.
const minStepLength = 8

var (
	enumeratedRe  = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+)$`)
	connectiveRe  = regexp.MustCompile(`(?i)^(first|second|third|next|then|finally|therefore|thus|hence|lastly)\b`)
	causalRe      = regexp.MustCompile(`(?i)\b(because|since|which means|so that|given that|it follows that)\b`)
	sentenceEndRe = regexp.MustCompile(`[.!?]+(\s+|$)`)
)

// extractSteps pulls the reasoning steps out of an exchange. Enumerated
// lines and connective-led sentences ("First ...", "Therefore ...") are
// explicit; sentences that only carry causal phrasing are implicit.
// Repeats are kept: the evaluator reads them as wasted work.
func extractSteps(userInput, assistantText string) []Step {
	var steps []Step
	add := func(kind StepKind, text string) {
		text = strings.TrimSpace(text)
		if len(text) < minStepLength {
			return
		}
		steps = append(steps, Step{Index: len(steps), Kind: kind, Text: text})
	}

	var prose []string
	for _, source := range []string{userInput, assistantText} {
		for _, line := range strings.Split(source, "\n") {
			if m := enumeratedRe.FindStringSubmatch(line); m != nil {
				add(StepExplicit, m[1])
				continue
			}
			if line = strings.TrimSpace(line); line != "" {
				prose = append(prose, line)
			}
		}
	}

	for _, sentence := range splitSentences(strings.Join(prose, " ")) {
		switch {
		case connectiveRe.MatchString(sentence):
			add(StepExplicit, sentence)
		case causalRe.MatchString(sentence):
			add(StepImplicit, sentence)
		}
	}

	return steps
}

func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	parts := sentenceEndRe.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeStep reduces a step to its comparable core so repeats are found
// regardless of punctuation and casing.
func normalizeStep(text string) string {
	return strings.TrimSpace(nonAlnumRe.ReplaceAllString(strings.ToLower(text), " "))
}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// formatSteps renders a trace the way it is stored and shown to the
// evaluation model.
func formatSteps(steps []Step) string {
	var b strings.Builder
	for _, step := range steps {
		fmt.Fprintf(&b, "%d. [%s] %s\n", step.Index+1, step.Kind, step.Text)
	}
	return strings.TrimSpace(b.String())
}
