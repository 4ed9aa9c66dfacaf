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
	"fmt"
	"time"

	"github.com/kadirpekel/mnemo/pkg/kv"
)

// keyPrefix namespaces rate limit counters inside the shared storage backend.
const keyPrefix = "ratelimit:"

// kvUsageRecord is the persisted form of one counter.
type kvUsageRecord struct {
	Amount    int64     `json:"amount"`
	WindowEnd time.Time `json:"window_end"`
}

// KVStore persists usage counters in the configured storage backend, so
// quotas survive restarts and are shared when several instances point at the
// same database.
//
// Increments are read-modify-write; DefaultRateLimiter serializes callers
// within the process, and concurrent writers from other processes contend
// last-write-wins.
type KVStore struct {
	store kv.Store
}

// NewKVStore creates a store over the given storage backend.
func NewKVStore(store kv.Store) (*KVStore, error) {
	if store == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	return &KVStore{store: store}, nil
}

func usageStoreKey(scope Scope, identifier string, limitType LimitType, window TimeWindow) string {
	return fmt.Sprintf("%s%s:%s:%s:%s", keyPrefix, scope, identifier, limitType, window)
}

// GetUsage returns the current amount and window end for one limit.
func (s *KVStore) GetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow) (int64, time.Time, error) {
	var record kvUsageRecord
	found, err := kv.GetJSON(ctx, s.store, usageStoreKey(scope, identifier, limitType, window), &record)
	if err != nil {
		return 0, time.Time{}, err
	}

	now := time.Now()
	if !found || record.WindowEnd.Before(now) {
		return 0, now.Add(window.Duration()), nil
	}

	return record.Amount, record.WindowEnd, nil
}

// IncrementUsage adds amount to one limit's counter, restarting the window
// if it has expired.
func (s *KVStore) IncrementUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64) (int64, time.Time, error) {
	key := usageStoreKey(scope, identifier, limitType, window)

	var record kvUsageRecord
	found, err := kv.GetJSON(ctx, s.store, key, &record)
	if err != nil {
		return 0, time.Time{}, err
	}

	now := time.Now()
	if !found || record.WindowEnd.Before(now) {
		record = kvUsageRecord{
			Amount:    amount,
			WindowEnd: now.Add(window.Duration()),
		}
	} else {
		record.Amount += amount
	}

	if err := kv.SetJSON(ctx, s.store, key, record); err != nil {
		return 0, time.Time{}, err
	}

	return record.Amount, record.WindowEnd, nil
}

// SetUsage overwrites one limit's counter and window end.
func (s *KVStore) SetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64, windowEnd time.Time) error {
	record := kvUsageRecord{Amount: amount, WindowEnd: windowEnd}
	return kv.SetJSON(ctx, s.store, usageStoreKey(scope, identifier, limitType, window), record)
}

// DeleteUsage removes all counters for an identifier.
func (s *KVStore) DeleteUsage(ctx context.Context, scope Scope, identifier string) error {
	prefix := fmt.Sprintf("%s%s:%s:", keyPrefix, scope, identifier)
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// DeleteExpired removes counters whose window ended before the given time.
func (s *KVStore) DeleteExpired(ctx context.Context, before time.Time) error {
	keys, err := s.store.List(ctx, keyPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		var record kvUsageRecord
		found, err := kv.GetJSON(ctx, s.store, key, &record)
		if err != nil {
			return err
		}
		if found && record.WindowEnd.Before(before) {
			if err := s.store.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close is a no-op: the underlying storage backend is shared and closed by
// its owner.
func (s *KVStore) Close() error {
	return nil
}
