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

	"github.com/kadirpekel/mnemo/pkg/vector"
)

// MemoryConfig configures the long-term memory engine.
type MemoryConfig struct {
	// Enabled toggles the memory pipeline. When off, conversations run
	// chat-only.
	// Default: true
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Whether the memory pipeline runs,default=true"`

	// LLM references an entry in the llms section, used for fact extraction
	// and memory operation decisions. Defaults to the agent's LLM.
	LLM string `yaml:"llm,omitempty" json:"llm,omitempty" jsonschema:"title=LLM,description=LLM reference for memory decisions"`

	// Vector configures the vector store backend. Collection and dimension
	// are filled from the memory and embedder settings at startup.
	Vector vector.Config `yaml:"vector,omitempty" json:"vector,omitempty"`

	// Collection is the primary knowledge collection name.
	// Default: knowledge_memory
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty" jsonschema:"title=Collection,description=Primary knowledge collection,default=knowledge_memory"`

	// WorkspaceCollection is an optional second collection for
	// workspace-scoped memories. Empty disables it.
	WorkspaceCollection string `yaml:"workspace_collection,omitempty" json:"workspace_collection,omitempty" jsonschema:"title=Workspace Collection,description=Optional workspace-scoped collection"`

	// MaxSimilarResults is how many similar memories inform each decision.
	// Default: 5
	MaxSimilarResults int `yaml:"max_similar_results,omitempty" json:"max_similar_results,omitempty" jsonschema:"title=Max Similar Results,description=Similar memories consulted per decision,minimum=1,default=5"`

	// SimilarityThreshold is the minimum cosine score for a memory to count
	// as similar.
	// Default: 0.7
	SimilarityThreshold float64 `yaml:"similarity_threshold,omitempty" json:"similarity_threshold,omitempty" jsonschema:"title=Similarity Threshold,description=Minimum cosine score for similarity,minimum=0,maximum=1,default=0.7"`

	// ConfidenceThreshold gates memory operations: decisions below it are
	// coerced to NONE.
	// Default: 0.6
	ConfidenceThreshold float64 `yaml:"confidence_threshold,omitempty" json:"confidence_threshold,omitempty" jsonschema:"title=Confidence Threshold,description=Minimum decision confidence,minimum=0,maximum=1,default=0.6"`

	// UseLLMDecisions asks the LLM to choose the memory operation; on any
	// failure the similarity rules decide instead.
	// Default: true
	UseLLMDecisions *bool `yaml:"use_llm_decisions,omitempty" json:"use_llm_decisions,omitempty" jsonschema:"title=Use LLM Decisions,description=Let the LLM choose memory operations,default=true"`

	// EnableDeleteOperations permits DELETE decisions.
	// Default: true
	EnableDeleteOperations *bool `yaml:"enable_delete_operations,omitempty" json:"enable_delete_operations,omitempty" jsonschema:"title=Enable Delete Operations,description=Allow DELETE memory operations,default=true"`

	// Workers sizes the background processing pool.
	// Default: 2
	Workers int `yaml:"workers,omitempty" json:"workers,omitempty" jsonschema:"title=Workers,description=Background worker pool size,minimum=1,default=2"`

	// QueueSize bounds pending background tasks; beyond it new tasks are
	// dropped with a warning.
	// Default: 128
	QueueSize int `yaml:"queue_size,omitempty" json:"queue_size,omitempty" jsonschema:"title=Queue Size,description=Pending background task limit,minimum=1,default=128"`
}

// IsEnabled returns whether the memory pipeline runs.
func (c *MemoryConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

// LLMDecisionsEnabled returns whether the LLM chooses memory operations.
func (c *MemoryConfig) LLMDecisionsEnabled() bool {
	return BoolValue(c.UseLLMDecisions, true)
}

// DeleteOperationsEnabled returns whether DELETE decisions are permitted.
func (c *MemoryConfig) DeleteOperationsEnabled() bool {
	return BoolValue(c.EnableDeleteOperations, true)
}

// SetDefaults applies default values to MemoryConfig.
func (c *MemoryConfig) SetDefaults() {
	c.Vector.SetDefaults()

	if c.Collection == "" {
		c.Collection = "knowledge_memory"
	}
	if c.MaxSimilarResults == 0 {
		c.MaxSimilarResults = 5
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.7
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.6
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
	if c.QueueSize == 0 {
		c.QueueSize = 128
	}
}

// Validate checks the memory configuration.
func (c *MemoryConfig) Validate() error {
	// Collection and dimension are resolved at startup; only the
	// backend-specific settings are validated here.
	if err := c.Vector.ValidateBackend(); err != nil {
		return fmt.Errorf("vector: %w", err)
	}

	if c.Collection == "" {
		return fmt.Errorf("collection is required")
	}

	if c.MaxSimilarResults < 1 {
		return fmt.Errorf("max_similar_results must be at least 1, got %d", c.MaxSimilarResults)
	}

	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be between 0 and 1, got %f", c.SimilarityThreshold)
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be between 0 and 1, got %f", c.ConfidenceThreshold)
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}

	return nil
}

// ReflectionConfig configures the reflection engine, which extracts and
// stores high-quality reasoning traces.
type ReflectionConfig struct {
	// Enabled toggles reflection.
	// Default: false
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Whether reflection runs,default=false"`

	// LLM references an entry in the llms section used for trace evaluation.
	// Defaults to the agent's LLM.
	LLM string `yaml:"llm,omitempty" json:"llm,omitempty" jsonschema:"title=LLM,description=LLM reference for trace evaluation"`

	// EvaluationModel overrides the referenced LLM's model for evaluation,
	// typically with a cheaper, non-thinking model.
	EvaluationModel string `yaml:"evaluation_model,omitempty" json:"evaluation_model,omitempty" jsonschema:"title=Evaluation Model,description=Cheaper model used for trace evaluation"`

	// Collection is the reflection memory collection name.
	// Default: reflection_memory
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty" jsonschema:"title=Collection,description=Reflection memory collection,default=reflection_memory"`

	// StoreThreshold is the minimum quality score for a trace to be stored.
	// Default: 0.7
	StoreThreshold float64 `yaml:"store_threshold,omitempty" json:"store_threshold,omitempty" jsonschema:"title=Store Threshold,description=Minimum quality score to store a trace,minimum=0,maximum=1,default=0.7"`

	// PatternConfidence is the minimum detector confidence for an input to
	// count as reasoning content.
	// Default: 0.6
	PatternConfidence float64 `yaml:"pattern_confidence,omitempty" json:"pattern_confidence,omitempty" jsonschema:"title=Pattern Confidence,description=Minimum detector confidence,minimum=0,maximum=1,default=0.6"`
}

// IsEnabled returns whether reflection runs.
func (c *ReflectionConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, false)
}

// SetDefaults applies default values to ReflectionConfig.
func (c *ReflectionConfig) SetDefaults() {
	if c.Collection == "" {
		c.Collection = "reflection_memory"
	}
	if c.StoreThreshold == 0 {
		c.StoreThreshold = 0.7
	}
	if c.PatternConfidence == 0 {
		c.PatternConfidence = 0.6
	}
}

// Validate checks the reflection configuration.
func (c *ReflectionConfig) Validate() error {
	if c.StoreThreshold < 0 || c.StoreThreshold > 1 {
		return fmt.Errorf("store_threshold must be between 0 and 1, got %f", c.StoreThreshold)
	}
	if c.PatternConfidence < 0 || c.PatternConfidence > 1 {
		return fmt.Errorf("pattern_confidence must be between 0 and 1, got %f", c.PatternConfidence)
	}
	if c.IsEnabled() && c.Collection == "" {
		return fmt.Errorf("collection is required when reflection is enabled")
	}
	return nil
}
