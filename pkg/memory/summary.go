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
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// argSummaryLimit truncates individual argument values and tool results in
// the interaction summary.
const argSummaryLimit = 50

var foundEntriesRe = regexp.MustCompile(`(?i)^found (\d+) relevant`)

// Summarize renders an interaction as the compact context block the
// decision prompt sees. Tool lines are omitted when the turn used no tools.
func Summarize(interaction Interaction) string {
	var b strings.Builder

	b.WriteString("User: ")
	b.WriteString(strings.TrimSpace(interaction.UserInput))

	if len(interaction.Tools) > 0 {
		names := make([]string, 0, len(interaction.Tools))
		for _, tool := range interaction.Tools {
			names = append(names, fmt.Sprintf("%s with %s", tool.Name, summarizeArgs(tool.Args)))
		}
		b.WriteString("\nTools used: ")
		b.WriteString(strings.Join(names, ", "))

		var results []string
		for _, tool := range interaction.Tools {
			if strings.TrimSpace(tool.Result) == "" {
				continue
			}
			results = append(results, fmt.Sprintf("%s: %s", tool.Name, summarizeResult(tool.Result)))
		}
		if len(results) > 0 {
			b.WriteString("\nTool results: ")
			b.WriteString(strings.Join(results, "; "))
		}
	}

	b.WriteString("\nAssistant: ")
	b.WriteString(strings.TrimSpace(interaction.AssistantText))

	return b.String()
}

// summarizeArgs renders tool arguments as sorted key=value pairs.
func summarizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "no arguments"
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, truncate(fmt.Sprintf("%v", args[k]), argSummaryLimit)))
	}
	return strings.Join(pairs, ", ")
}

// summarizeResult compresses a tool result to a short description. Retrieval
// results collapse to their hit count; long output collapses to its shape.
func summarizeResult(result string) string {
	result = strings.TrimSpace(result)

	if m := foundEntriesRe.FindStringSubmatch(result); m != nil {
		return fmt.Sprintf("found %s entries", m[1])
	}

	lines := strings.Count(result, "\n") + 1
	if lines > 3 || len(result) > 120 {
		return fmt.Sprintf("%d lines, %d chars", lines, len(result))
	}
	return truncate(result, argSummaryLimit)
}
