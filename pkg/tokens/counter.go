// Package tokens provides model-aware token counting for context budgeting.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens with the encoding of a specific model.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

var (
	// Encodings are expensive to build; share them across counters.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter creates a counter for the given model. Unknown models fall back
// to cl100k_base, which approximates Claude and Gemini tokenization closely
// enough for budgeting.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessage counts tokens for one chat message including the per-message
// framing overhead of the OpenAI chat format.
func (c *Counter) CountMessage(role, content string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// <|start|>role<|message|>content<|end|>
	total := 3
	total += len(c.encoding.Encode(role, nil, nil))
	total += len(c.encoding.Encode(content, nil, nil))
	return total
}

// Model returns the model name this counter is configured for.
func (c *Counter) Model() string {
	return c.model
}

// Estimate gives a rough token count when no counter is available.
func Estimate(text string) int {
	return len(text) / 4
}
