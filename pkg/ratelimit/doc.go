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

// Package ratelimit enforces per-session and per-user usage quotas.
//
// Features:
//   - Layered time windows (minute, hour, day)
//   - Dual tracking: request count and LLM token usage
//   - Session or user scoped counters
//   - In-memory or storage-backed persistence
//   - Atomic check-and-record within the process
//
// # Basic Usage
//
//	store := ratelimit.NewMemoryStore()
//	limiter, err := ratelimit.NewRateLimiter(cfg, store)
//
//	result, err := limiter.CheckAndRecord(ctx, ratelimit.ScopeSession, "session-123", 1000, 1)
//	if !result.Allowed {
//	    // reject with result.RetryAfter
//	}
//
// # Configuration
//
//	rate_limit:
//	  enabled: true
//	  backend: memory   # or "storage" to persist in the storage backend
//	  limits:
//	    - type: count
//	      window: minute
//	      limit: 60
//	    - type: token
//	      window: day
//	      limit: 100000
//
// # Limit Types
//
//   - count: requests per window (burst protection)
//   - token: LLM tokens per window (cost control)
//
// The HTTP middleware records request counts as traffic arrives; token usage
// is recorded by the reasoning layer from actual provider usage data, so
// token rules throttle the next request once a budget is spent.
package ratelimit
