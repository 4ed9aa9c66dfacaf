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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignificant(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"The staging database runs on port 5433", true},
		{"Use npm install next and run npm run build", true},
		{"hi", false},
		{"Thanks!", false},
		{"thank you", false},
		{"Sounds good.", false},
		{"ok", false},
		{"yes", false},
		{"hello world", false},
		{"Found 3 relevant memories:", false},
		{"No relevant memories found.", false},
		{"1. [0.92] The staging database runs on port 5433", false},
		{"Memory updated: 2 added, 1 updated", false},
		{"Extracted 4 reasoning steps from the answer", false},
		{"Stored reasoning trace with quality 0.8", false},
		{"12 lines, 340 chars", false},
	}

	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			assert.Equal(t, tc.want, significant(tc.text))
		})
	}
}

func TestExtractFacts(t *testing.T) {
	facts := extractFacts("The staging database runs on port 5433\n\n\n\nUse npm install next and run npm run build")
	require.Len(t, facts, 2)

	assert.Equal(t, "The staging database runs on port 5433", facts[0].Text)
	assert.Empty(t, facts[0].CodePattern)

	assert.Equal(t, "Use npm install next and run npm run build", facts[1].Text)
	assert.Equal(t, "npm install next", facts[1].CodePattern)
	assert.Contains(t, facts[1].Tags, "npm")

	assert.Empty(t, extractFacts("  \n\n  "))
}

func TestExtractCodePattern(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{
			name: "fenced block",
			text: "Run this:\n```bash\nnpm install next\nnpm run build\n```",
			want: "npm install next\nnpm run build",
		},
		{
			name: "inline code",
			text: "Use `git rebase -i` to clean up the branch",
			want: "git rebase -i",
		},
		{
			name: "command in prose",
			text: "Use npm install next and run npm run build",
			want: "npm install next",
		},
		{
			name: "command with trailing punctuation",
			text: "First run docker compose up.",
			want: "docker compose up",
		},
		{
			name: "bare verb is not a command",
			text: "Go to the settings page",
			want: "",
		},
		{
			name: "no pattern",
			text: "The weather is nice today",
			want: "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractCodePattern(tc.text))
		})
	}
}

func TestExtractTags(t *testing.T) {
	cases := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "command fact",
			text: "Use npm install next and run npm run build",
			want: []string{"npm", "code-block", "programming", "general-knowledge"},
		},
		{
			name: "error and file path",
			text: "I fixed the TypeError in src/utils/parse.py by catching the exception",
			want: []string{"file-path", "programming", "error-handling", "general-knowledge"},
		},
		{
			name: "configuration",
			text: "Set the DATABASE_URL environment variable in the config file",
			want: []string{"configuration", "general-knowledge"},
		},
		{
			name: "api",
			text: "The REST api endpoint returns 404",
			want: []string{"api", "general-knowledge"},
		},
		{
			name: "tools",
			text: "Deploy with docker and kubernetes on the cluster",
			want: []string{"docker", "kubernetes", "programming", "general-knowledge"},
		},
		{
			name: "plain prose",
			text: "My cat likes boxes",
			want: []string{"general-knowledge"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ElementsMatch(t, tc.want, extractTags(tc.text))
		})
	}
}
