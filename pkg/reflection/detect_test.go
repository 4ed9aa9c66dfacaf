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
)

func TestDetectReasoning(t *testing.T) {
	// 0.6 is the default pattern confidence.
	detected := []string{
		"Why does the build fail after the cache step?",
		"Debug why the tests fail intermittently",
		"Explain how the scheduler picks the next task",
		"How do I migrate the sessions table without downtime?",
		"Compare Redis and Postgres because latency matters here",
		"Walk me through the token refresh flow",
	}
	for _, text := range detected {
		t.Run(text, func(t *testing.T) {
			assert.GreaterOrEqual(t, DetectReasoning(text), 0.6)
		})
	}

	notDetected := []string{
		"",
		"hello there",
		"Thanks, looks good!",
		"Use npm install next and run npm run build",
		"Please rename the file to main.go",
		"The meeting moved to 3pm",
	}
	for _, text := range notDetected {
		t.Run("not/"+text, func(t *testing.T) {
			assert.Less(t, DetectReasoning(text), 0.6)
		})
	}
}

func TestDetectReasoning_CapsAtOne(t *testing.T) {
	score := DetectReasoning("Explain why it loops, then solve it step by step:\n1. reproduce\n2. bisect")
	assert.Equal(t, 1.0, score)
}
