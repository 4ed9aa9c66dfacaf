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

package ratelimit

import (
	"fmt"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/kv"
)

// NewRateLimiterFromConfig creates a RateLimiter from configuration.
// Returns nil when rate limiting is disabled.
//
// The storage backend is required only for the "storage" limiter backend,
// where counters share the configured database with session data:
//
//	storage:
//	  driver: sqlite
//	  database: ./mnemo.db
//
//	rate_limit:
//	  enabled: true
//	  backend: storage
//	  limits:
//	    - type: count
//	      window: minute
//	      limit: 60
//	    - type: token
//	      window: day
//	      limit: 100000
func NewRateLimiterFromConfig(cfg *config.RateLimitConfig, storage kv.Store) (RateLimiter, error) {
	if cfg == nil || !cfg.IsEnabled() {
		return nil, nil
	}

	var store Store
	switch cfg.Backend {
	case "storage":
		if storage == nil {
			return nil, fmt.Errorf("a storage backend is required when rate limit backend is %q", cfg.Backend)
		}
		var err error
		store, err = NewKVStore(storage)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage-backed store: %w", err)
		}
	case "memory", "":
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported rate limit backend: %s", cfg.Backend)
	}

	return NewRateLimiter(ruleConfig(cfg), store)
}

// NewRateLimiterFromConfigWithStore creates a RateLimiter with a custom store.
// Useful for testing or for sharing a store across limiters.
func NewRateLimiterFromConfigWithStore(cfg *config.RateLimitConfig, store Store) (RateLimiter, error) {
	if cfg == nil || !cfg.IsEnabled() {
		return nil, nil
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return NewRateLimiter(ruleConfig(cfg), store)
}

// ruleConfig converts the yaml config into the limiter's resolved form.
func ruleConfig(cfg *config.RateLimitConfig) *Config {
	limits := make([]LimitRule, len(cfg.Limits))
	for i, l := range cfg.Limits {
		limits[i] = LimitRule{
			Type:   ParseLimitType(l.Type),
			Window: ParseTimeWindow(l.Window),
			Limit:  l.Limit,
		}
	}
	return &Config{
		Enabled: cfg.IsEnabled(),
		Limits:  limits,
	}
}
