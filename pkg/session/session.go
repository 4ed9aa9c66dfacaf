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

// Package session manages conversation sessions: a bounded in-memory cache
// of active sessions over a persistent key-value store.
//
// Persisted layout: "session:<id>" holds a metadata-plus-history snapshot,
// "messages:<id>" holds the ordered message list. History reads prefer the
// in-memory session, then the message list, then the snapshot, and report
// which source served them.
package session

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/mnemo/pkg/conversation"
	"github.com/kadirpekel/mnemo/pkg/llm"
)

// Metadata describes one session.
type Metadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	MessageCount int       `json:"messageCount"`
	Topic        string    `json:"topic,omitempty"`
}

// HistorySource reports where a history read was served from.
type HistorySource string

const (
	// SourceMemory means the session was active in the cache.
	SourceMemory HistorySource = "memory"

	// SourceMessages means the ordered "messages:<id>" list.
	SourceMessages HistorySource = "messages"

	// SourceSnapshot means the history embedded in the "session:<id>"
	// snapshot.
	SourceSnapshot HistorySource = "snapshot"

	// SourceEmpty means no stored history was found.
	SourceEmpty HistorySource = "empty"
)

// snapshot is the persisted value under "session:<id>".
type snapshot struct {
	Metadata            Metadata      `json:"metadata"`
	ConversationHistory []llm.Message `json:"conversationHistory"`
}

func metadataKey(id string) string { return "session:" + id }
func messagesKey(id string) string { return "messages:" + id }

// Session is one active conversation held in memory.
type Session struct {
	mu   sync.RWMutex
	meta Metadata
	conv *conversation.Manager

	// persistedCount is how many conversation messages have already been
	// appended to the message list.
	persistedCount int
}

// ID returns the session id.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.ID
}

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// Conversation returns the session's conversation manager.
func (s *Session) Conversation() *conversation.Manager {
	return s.conv
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.LastActiveAt = now
}

var (
	invalidIDChars    = regexp.MustCompile(`[^\w-]`)
	placeholderPrefix = regexp.MustCompile(`(?i)^(empty|null|undefined)-`)
	repeatedDashes    = regexp.MustCompile(`-{2,}`)
)

// SanitizeID normalizes a caller-supplied session id: trim, replace
// non-word characters with dashes, strip placeholder prefixes buggy clients
// leak ("null-", "undefined-"), collapse dash runs, and cap the length.
// ok is false when too little survives and a generated id should be used
// instead.
func SanitizeID(raw string) (id string, ok bool) {
	id = strings.TrimSpace(raw)
	id = invalidIDChars.ReplaceAllString(id, "-")
	id = placeholderPrefix.ReplaceAllString(id, "")
	id = repeatedDashes.ReplaceAllString(id, "-")
	id = strings.Trim(id, "-")
	if len(id) > 64 {
		id = strings.Trim(id[:64], "-")
	}
	if len(id) < 3 {
		return "", false
	}
	return id, true
}

// deriveTopic picks a listing topic from the first user message.
func deriveTopic(messages []llm.Message) string {
	for _, msg := range messages {
		if msg.Role != llm.RoleUser || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		topic := strings.TrimSpace(msg.Content)
		if len(topic) > 60 {
			topic = strings.TrimSpace(topic[:60]) + "..."
		}
		return topic
	}
	return ""
}
