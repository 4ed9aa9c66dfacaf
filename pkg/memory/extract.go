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
	"regexp"
	"strings"
)

// minFactLength is the shortest text worth remembering.
const minFactLength = 12

// greetings and acknowledgements carry no knowledge.
var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true,
	"thanks": true, "thank you": true, "ty": true, "thx": true,
	"ok": true, "okay": true, "k": true, "sure": true, "fine": true,
	"yes": true, "no": true, "yep": true, "nope": true, "yeah": true, "nah": true,
	"bye": true, "goodbye": true, "good morning": true, "good night": true,
	"cool": true, "great": true, "nice": true, "got it": true, "sounds good": true,
}

// retrievedPatterns match text the assistant itself produced when reporting
// on memory or reasoning. Storing those would make the store feed on its
// own output.
var retrievedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^found \d+ relevant memor`),
	regexp.MustCompile(`^no relevant memories`),
	regexp.MustCompile(`^\d+\.\s*\[\d*\.?\d+\]`),
	regexp.MustCompile(`^memory updated: \d+ added`),
	regexp.MustCompile(`^extracted \d+ reasoning steps`),
	regexp.MustCompile(`^stored reasoning trace`),
	regexp.MustCompile(`^\d+ lines, \d+ chars`),
}

// extractFacts splits text into candidate facts, one per paragraph, each
// annotated with the code pattern and tags found in it.
func extractFacts(text string) []Fact {
	var facts []Fact
	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		facts = append(facts, Fact{
			Text:        paragraph,
			CodePattern: extractCodePattern(paragraph),
			Tags:        extractTags(paragraph),
		})
	}
	return facts
}

// significant reports whether a fact is worth the embed/search/decide cost.
func significant(text string) bool {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(strings.Trim(text, ".!? "))

	if greetings[lower] {
		return false
	}
	if len(text) < minFactLength {
		return false
	}

	lower = strings.ToLower(text)
	for _, pattern := range retrievedPatterns {
		if pattern.MatchString(lower) {
			return false
		}
	}
	return true
}

var (
	fencedBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n?(.+?)```")
	inlineCodeRe  = regexp.MustCompile("`([^`\n]+)`")
)

// commandVerbs lead shell commands worth keeping as code patterns.
var commandVerbs = map[string]bool{
	"npm": true, "npx": true, "yarn": true, "pnpm": true,
	"git": true, "go": true, "docker": true, "docker-compose": true,
	"kubectl": true, "pip": true, "pip3": true, "cargo": true,
	"make": true, "curl": true, "wget": true, "brew": true,
	"apt": true, "apt-get": true, "python": true, "python3": true, "node": true,
}

// commandStopwords end a shell command embedded in prose.
var commandStopwords = map[string]bool{
	"and": true, "or": true, "then": true, "to": true, "with": true,
	"the": true, "a": true, "an": true, "for": true, "that": true,
	"which": true, "so": true,
}

// extractCodePattern pulls the most prominent code fragment out of a fact:
// a fenced block first, then inline code, then a shell command spotted in
// prose ("Use npm install next and run the build" yields "npm install next").
func extractCodePattern(text string) string {
	if m := fencedBlockRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := inlineCodeRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}

	words := strings.Fields(text)
	for i, word := range words {
		if !commandVerbs[strings.ToLower(word)] {
			continue
		}
		command := []string{word}
		for _, next := range words[i+1:] {
			trimmed := strings.ToLower(strings.Trim(next, ".,;:!?"))
			if commandStopwords[trimmed] {
				break
			}
			command = append(command, strings.Trim(next, ".,;:!?"))
		}
		if len(command) > 1 {
			return strings.Join(command, " ")
		}
	}
	return ""
}

// Tag vocabularies. "go" and "next" are left out as bare words; they match
// too much English prose.
var (
	languageTags = []string{
		"golang", "python", "javascript", "typescript", "rust", "java",
		"ruby", "php", "kotlin", "swift", "sql", "bash", "html", "css",
	}
	frameworkTags = []string{
		"react", "nextjs", "vue", "angular", "svelte", "django", "flask",
		"rails", "spring", "express", "gin", "chi",
	}
	toolTags = []string{
		"npm", "npx", "yarn", "pnpm", "git", "docker", "kubernetes",
		"kubectl", "pip", "cargo", "make", "curl", "brew", "node",
		"postgres", "redis", "qdrant",
	}
)

var (
	filePathRe = regexp.MustCompile(`(?:^|\s)(?:[\w.-]+/)+[\w.-]+\.\w+`)
	nonWordRe  = regexp.MustCompile(`[^a-z0-9]+`)
)

var (
	errorWords  = []string{"error", "exception", "panic", "crash", "fail", "bug", "fix"}
	configWords = []string{"config", "configuration", "setting", "environment variable", "env var", "flag"}
	apiWords    = []string{"api", "endpoint", "rest", "http", "grpc", "webhook"}
)

// extractTags derives topic tags for a fact. Facts with no recognizable
// topic are tagged general-knowledge.
func extractTags(text string) []string {
	lower := strings.ToLower(text)
	padded := " " + nonWordRe.ReplaceAllString(lower, " ") + " "

	containsWord := func(word string) bool {
		return strings.Contains(padded, " "+word+" ")
	}

	var tags []string
	seen := map[string]bool{}
	add := func(tag string) {
		if tag != "" && !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}

	programming := false
	for _, tag := range languageTags {
		if containsWord(tag) {
			add(tag)
			programming = true
		}
	}
	for _, tag := range frameworkTags {
		if containsWord(tag) {
			add(tag)
			programming = true
		}
	}
	for _, tag := range toolTags {
		if containsWord(tag) {
			add(tag)
			programming = true
		}
	}

	if pattern := extractCodePattern(text); pattern != "" {
		fields := strings.Fields(pattern)
		if len(fields) > 0 {
			add(strings.ToLower(fields[0]))
		}
		add("code-block")
		programming = true
	}

	if filePathRe.MatchString(text) {
		add("file-path")
		programming = true
	}

	if programming {
		add("programming")
	}

	for _, word := range errorWords {
		if strings.Contains(lower, word) {
			add("error-handling")
			break
		}
	}
	for _, word := range configWords {
		if strings.Contains(lower, word) {
			add("configuration")
			break
		}
	}
	for _, word := range apiWords {
		if containsWord(word) {
			add("api")
			break
		}
	}

	if len(tags) == 0 {
		return []string{"general-knowledge"}
	}
	add("general-knowledge")
	return tags
}
