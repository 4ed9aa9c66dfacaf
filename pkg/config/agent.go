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

package config

import (
	"fmt"
	"time"
)

// AgentConfig configures the conversational agent.
type AgentConfig struct {
	// Name is the agent's display name.
	Name string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"title=Name,description=Agent display name"`

	// Description explains what the agent does.
	Description string `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"title=Description,description=What this agent does"`

	// LLM references an entry in the top-level llms section.
	LLM string `yaml:"llm,omitempty" json:"llm,omitempty" jsonschema:"title=LLM,description=Reference to an entry in the llms section"`

	// Prompt configures system prompt assembly.
	Prompt PromptConfig `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	// Reasoning configures the LLM reasoning loop.
	Reasoning ReasoningConfig `yaml:"reasoning,omitempty" json:"reasoning,omitempty"`

	// Conversation configures context window management.
	Conversation ConversationConfig `yaml:"conversation,omitempty" json:"conversation,omitempty"`
}

// SetDefaults applies default values.
func (c *AgentConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "mnemo"
	}

	c.Prompt.SetDefaults()
	c.Reasoning.SetDefaults()
	c.Conversation.SetDefaults()
}

// Validate checks the agent configuration.
func (c *AgentConfig) Validate() error {
	if err := c.Prompt.Validate(); err != nil {
		return fmt.Errorf("prompt: %w", err)
	}
	if err := c.Reasoning.Validate(); err != nil {
		return fmt.Errorf("reasoning: %w", err)
	}
	if err := c.Conversation.Validate(); err != nil {
		return fmt.Errorf("conversation: %w", err)
	}
	return nil
}

// ReasoningConfig configures the reasoning loop.
type ReasoningConfig struct {
	// MaxIterations is a safety limit on reasoning loop iterations, not the
	// primary termination condition. The loop normally terminates when the
	// model responds without tool calls.
	// Default: 50
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty" jsonschema:"title=Max Iterations,description=Safety limit for reasoning loop iterations,minimum=1,default=50"`

	// MaxRetries is how many times a failed LLM call is retried.
	// Default: 3
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"title=Max Retries,description=Retry attempts for failed LLM calls,minimum=0,default=3"`

	// RetryBackoff is the base backoff between retries; attempt N waits
	// N x RetryBackoff.
	// Default: 500ms
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty" json:"retry_backoff,omitempty" jsonschema:"title=Retry Backoff,description=Base backoff between LLM retries"`
}

// SetDefaults applies default values to ReasoningConfig.
func (c *ReasoningConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 50
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// Validate checks the reasoning configuration.
func (c *ReasoningConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff must be non-negative")
	}
	return nil
}

// ConversationConfig configures context window management.
// Conversation history is compressed to fit the token budget by dropping the
// oldest user/assistant exchanges.
type ConversationConfig struct {
	// MaxContextTokens is the token budget for conversation history.
	// Default: 8000
	MaxContextTokens int `yaml:"max_context_tokens,omitempty" json:"max_context_tokens,omitempty" jsonschema:"title=Max Context Tokens,description=Token budget for conversation history,minimum=1,default=8000"`
}

// SetDefaults applies default values to ConversationConfig.
func (c *ConversationConfig) SetDefaults() {
	if c.MaxContextTokens == 0 {
		c.MaxContextTokens = 8000
	}
}

// Validate checks the conversation configuration.
func (c *ConversationConfig) Validate() error {
	if c.MaxContextTokens < 1 {
		return fmt.Errorf("max_context_tokens must be at least 1, got %d", c.MaxContextTokens)
	}
	return nil
}
