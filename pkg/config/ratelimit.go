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

import "fmt"

// RateLimitConfig defines rate limiting configuration for the API.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Backend is where usage counters live: "memory" (per process) or
	// "storage" (the configured storage backend, shared across processes).
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`

	// Limits defines the rate limit rules. All rules are enforced; the
	// first exceeded rule rejects the request.
	Limits []RateLimitRule `yaml:"limits,omitempty" json:"limits,omitempty"`
}

// RateLimitRule defines a single rate limit rule, applied per session.
type RateLimitRule struct {
	// Type is the limit type: "count" (requests) or "token" (LLM tokens).
	Type string `yaml:"type" json:"type"`

	// Window is the time window: "minute", "hour", or "day".
	Window string `yaml:"window" json:"window"`

	// Limit is the maximum allowed in the window.
	Limit int64 `yaml:"limit" json:"limit"`
}

// IsEnabled returns true if rate limiting is enabled.
func (c *RateLimitConfig) IsEnabled() bool {
	return c != nil && c.Enabled != nil && *c.Enabled
}

// SetDefaults sets default values for RateLimitConfig.
func (c *RateLimitConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(false)
	}
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.IsEnabled() && len(c.Limits) == 0 {
		// Default: 60 requests per minute, 100k LLM tokens per day
		c.Limits = []RateLimitRule{
			{Type: "count", Window: "minute", Limit: 60},
			{Type: "token", Window: "day", Limit: 100000},
		}
	}
}

// Validate validates the RateLimitConfig.
func (c *RateLimitConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}

	if c.Backend != "memory" && c.Backend != "storage" {
		return fmt.Errorf("invalid backend %q, must be 'memory' or 'storage'", c.Backend)
	}

	if len(c.Limits) == 0 {
		return fmt.Errorf("limits is required when rate limiting is enabled")
	}

	for i, limit := range c.Limits {
		if err := validateLimit(i, limit); err != nil {
			return err
		}
	}

	return nil
}

func validateLimit(index int, limit RateLimitRule) error {
	if limit.Type != "count" && limit.Type != "token" {
		return fmt.Errorf("invalid limits[%d].type %q, must be 'count' or 'token'", index, limit.Type)
	}

	validWindows := map[string]bool{
		"minute": true,
		"hour":   true,
		"day":    true,
	}
	if !validWindows[limit.Window] {
		return fmt.Errorf("invalid limits[%d].window %q, must be 'minute', 'hour', or 'day'", index, limit.Window)
	}

	if limit.Limit <= 0 {
		return fmt.Errorf("limits[%d].limit must be positive", index)
	}

	return nil
}
