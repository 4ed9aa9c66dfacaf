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
	"sync"
	"time"
)

// usageKey uniquely identifies a usage counter.
type usageKey struct {
	Scope      Scope
	Identifier string
	LimitType  LimitType
	Window     TimeWindow
}

// usageRecord holds one counter and its window.
type usageRecord struct {
	Amount    int64
	WindowEnd time.Time
}

// MemoryStore is an in-memory Store. Counters are per process, so it suits
// development, testing, and single-instance deployments.
type MemoryStore struct {
	data map[usageKey]*usageRecord
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[usageKey]*usageRecord),
	}
}

// GetUsage returns the current amount and window end for one limit.
func (s *MemoryStore) GetUsage(_ context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow) (int64, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := usageKey{Scope: scope, Identifier: identifier, LimitType: limitType, Window: window}

	record, exists := s.data[key]
	now := time.Now()
	if !exists || record.WindowEnd.Before(now) {
		return 0, now.Add(window.Duration()), nil
	}

	return record.Amount, record.WindowEnd, nil
}

// IncrementUsage adds amount to one limit's counter, restarting the window
// if it has expired.
func (s *MemoryStore) IncrementUsage(_ context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey{Scope: scope, Identifier: identifier, LimitType: limitType, Window: window}

	now := time.Now()
	record, exists := s.data[key]
	if !exists {
		record = &usageRecord{
			Amount:    amount,
			WindowEnd: now.Add(window.Duration()),
		}
		s.data[key] = record
		return record.Amount, record.WindowEnd, nil
	}

	if record.WindowEnd.Before(now) {
		record.Amount = amount
		record.WindowEnd = now.Add(window.Duration())
	} else {
		record.Amount += amount
	}

	return record.Amount, record.WindowEnd, nil
}

// SetUsage overwrites one limit's counter and window end.
func (s *MemoryStore) SetUsage(_ context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64, windowEnd time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey{Scope: scope, Identifier: identifier, LimitType: limitType, Window: window}
	s.data[key] = &usageRecord{
		Amount:    amount,
		WindowEnd: windowEnd,
	}
	return nil
}

// DeleteUsage removes all counters for an identifier.
func (s *MemoryStore) DeleteUsage(_ context.Context, scope Scope, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.data {
		if key.Scope == scope && key.Identifier == identifier {
			delete(s.data, key)
		}
	}
	return nil
}

// DeleteExpired removes counters whose window ended before the given time.
func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, record := range s.data {
		if record.WindowEnd.Before(before) {
			delete(s.data, key)
		}
	}
	return nil
}

// Close clears all counters.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[usageKey]*usageRecord)
	return nil
}

// Size returns the number of counters in the store.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
