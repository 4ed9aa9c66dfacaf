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

package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryStore is the exact-search in-process backend. It is always available
// and doubles as the fallback when a configured backend cannot connect.
type MemoryStore struct {
	collection string
	dimension  int

	mu        sync.RWMutex
	connected bool
	records   map[string]Record
	order     []string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store for the given collection.
func NewMemoryStore(collection string, dimension int) *MemoryStore {
	return &MemoryStore{
		collection: collection,
		dimension:  dimension,
		records:    make(map[string]Record),
	}
}

func (s *MemoryStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *MemoryStore) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *MemoryStore) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MemoryStore) Insert(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}

	for _, record := range records {
		if err := checkDimension(record.Vector, s.dimension); err != nil {
			return err
		}
	}

	for _, record := range records {
		if _, exists := s.records[record.ID]; !exists {
			s.order = append(s.order, record.ID)
		}
		s.records[record.ID] = cloneRecord(record)
	}
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, vec []float32, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if _, exists := s.records[id]; !exists {
		return fmt.Errorf("update %q: %w", id, ErrNotFound)
	}
	if err := checkDimension(vec, s.dimension); err != nil {
		return err
	}
	s.records[id] = cloneRecord(Record{ID: id, Vector: vec, Payload: payload})
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if _, exists := s.records[id]; !exists {
		return nil
	}
	delete(s.records, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, vec []float32, k int, opts *SearchOptions) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	if err := checkDimension(vec, s.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []SearchResult{}, nil
	}

	results := make([]SearchResult, 0, len(s.records))
	for _, id := range s.order {
		record := s.records[id]
		if opts != nil && len(opts.Filter) > 0 && !matchesFilter(record.Payload, opts.Filter) {
			continue
		}

		score := cosineSimilarity(vec, record.Vector)
		if opts != nil && opts.Threshold > 0 && score <= opts.Threshold {
			continue
		}

		results = append(results, SearchResult{
			ID:      record.ID,
			Score:   score,
			Payload: clonePayload(record.Payload),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return 0, ErrNotConnected
	}
	return len(s.records), nil
}

func (s *MemoryStore) Name() string {
	return "memory"
}

// cosineSimilarity returns the cosine of the angle between a and b, clamped
// to [0, 1]. Negative similarities clamp to 0 so scores stay comparable with
// the external backends, which report non-negative similarity for real
// embedding vectors. Zero vectors score 0.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if cos < 0 {
		return 0
	}
	if cos > 1 {
		return 1
	}
	return float32(cos)
}

func cloneRecord(r Record) Record {
	vec := make([]float32, len(r.Vector))
	copy(vec, r.Vector)
	return Record{ID: r.ID, Vector: vec, Payload: clonePayload(r.Payload)}
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
