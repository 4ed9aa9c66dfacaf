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
	"context"
	"time"
)

// RateLimiter is the main interface for rate limiting.
//
// Implementations must be safe for concurrent use.
type RateLimiter interface {
	// Check verifies whether the identifier is within all limits without
	// recording usage.
	Check(ctx context.Context, scope Scope, identifier string) (*CheckResult, error)

	// Record records actual usage. tokenCount feeds token rules,
	// requestCount feeds count rules; zero amounts are skipped.
	Record(ctx context.Context, scope Scope, identifier string, tokenCount int64, requestCount int64) error

	// CheckAndRecord checks limits and records usage in one locked step.
	// The returned result reflects usage after recording.
	CheckAndRecord(ctx context.Context, scope Scope, identifier string, tokenCount int64, requestCount int64) (*CheckResult, error)

	// GetUsage returns current usage for all configured limits.
	GetUsage(ctx context.Context, scope Scope, identifier string) ([]Usage, error)

	// Reset clears usage for an identifier.
	Reset(ctx context.Context, scope Scope, identifier string) error

	// ResetExpired removes usage records whose window ended before the
	// given time. Intended for periodic cleanup.
	ResetExpired(ctx context.Context, before time.Time) error
}

// Store is the persistence layer for usage counters.
//
// Implementations must be safe for concurrent use and must never return an
// expired window: usage whose window has ended reads as 0 with a fresh
// window end.
type Store interface {
	// GetUsage returns the current amount and window end for one limit.
	// Absent usage reads as 0 with a new window end.
	GetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow) (int64, time.Time, error)

	// IncrementUsage adds amount to one limit's counter and returns the new
	// amount and window end. An expired window restarts at amount.
	IncrementUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64) (int64, time.Time, error)

	// SetUsage overwrites one limit's counter and window end.
	SetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64, windowEnd time.Time) error

	// DeleteUsage removes all usage records for an identifier.
	DeleteUsage(ctx context.Context, scope Scope, identifier string) error

	// DeleteExpired removes records whose window ended before the given time.
	DeleteExpired(ctx context.Context, before time.Time) error

	// Close releases store resources.
	Close() error
}

// Ensure interface compliance at compile time.
var (
	_ RateLimiter = (*DefaultRateLimiter)(nil)
	_ Store       = (*MemoryStore)(nil)
	_ Store       = (*KVStore)(nil)
)
