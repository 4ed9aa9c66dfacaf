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

// Package tools unifies compiled-in tools and external MCP servers behind a
// single manager: one registry, one conflict policy, one execution path with
// a per-call timeout.
package tools

import (
	"context"
	"time"
)

// Info describes a callable tool. Parameters is a JSON schema object.
type Info struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Source      string         `json:"source,omitempty"`
}

// Result is the outcome of one tool execution.
type Result struct {
	Success       bool           `json:"success"`
	Content       string         `json:"content,omitempty"`
	Error         string         `json:"error,omitempty"`
	ToolName      string         `json:"tool_name"`
	ExecutionTime time.Duration  `json:"execution_time,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Tool is a callable unit of work.
type Tool interface {
	Info() Info
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Source provides tools. Discover may connect lazily; it must be safe to
// call repeatedly.
type Source interface {
	Name() string
	Type() string
	Discover(ctx context.Context) error
	Tools() []Tool
	Close() error
}

// MemoryHit is one stored memory returned by a search.
type MemoryHit struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

// MemoryOperations summarizes what an extraction run changed.
type MemoryOperations struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

// MemoryService is the slice of the memory engine the local tools call.
type MemoryService interface {
	SearchMemories(ctx context.Context, query string, limit int) ([]MemoryHit, error)
	ExtractAndOperate(ctx context.Context, text, sessionID string) (MemoryOperations, error)
}

// ReasoningStep is one step of an extracted reasoning trace.
type ReasoningStep struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
	Explicit    bool   `json:"explicit"`
}

// ReasoningEvaluation scores a reasoning trace.
type ReasoningEvaluation struct {
	QualityScore float64 `json:"quality_score"`
	ShouldStore  bool    `json:"should_store"`
	Feedback     string  `json:"feedback,omitempty"`
}

// ReasoningService is the slice of the reflection engine the local tools
// call.
type ReasoningService interface {
	ExtractSteps(ctx context.Context, userInput, assistantText string) ([]ReasoningStep, error)
	Evaluate(ctx context.Context, steps []ReasoningStep) (ReasoningEvaluation, error)
	Store(ctx context.Context, steps []ReasoningStep, eval ReasoningEvaluation, sessionID string) (string, error)
}
