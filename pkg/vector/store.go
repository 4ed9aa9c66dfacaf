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

// Package vector provides similarity storage for knowledge memories and
// reasoning traces. Collection name and dimension are fixed per store at
// construction time; scores are cosine similarity in [0, 1].
package vector

import (
	"context"
	"errors"
	"fmt"

	"github.com/kadirpekel/mnemo/pkg/fault"
)

// ErrNotFound is returned by Update when the record id is absent.
var ErrNotFound = errors.New("vector record not found")

// ErrNotConnected is returned by operations invoked before Connect.
var ErrNotConnected = errors.New("vector store not connected")

// Record is a stored vector with its payload.
type Record struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// SearchResult is one similarity match, score descending order.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	// Filter requires payload fields to equal the given values.
	Filter map[string]any
	// Threshold drops results scoring at or below the cutoff when > 0.
	Threshold float32
}

// Info describes a store's runtime state.
type Info struct {
	Backend    string `json:"backend"`
	Collection string `json:"collection"`
	Dimension  int    `json:"dimension"`
	Connected  bool   `json:"connected"`
	Fallback   bool   `json:"fallback"`
}

// Store is the vector storage contract. Implementations are safe for
// concurrent use after Connect.
type Store interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool

	// Insert adds records; ids must be unique within the collection.
	Insert(ctx context.Context, records []Record) error
	// Update replaces the vector and payload of an existing record.
	// Returns ErrNotFound when the id is absent.
	Update(ctx context.Context, id string, vec []float32, payload map[string]any) error
	// Delete removes a record; deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error
	// Search returns up to k most similar records, sorted by score descending.
	Search(ctx context.Context, vec []float32, k int, opts *SearchOptions) ([]SearchResult, error)
	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	Name() string
}

// checkDimension validates a vector against the collection dimension.
// A mismatched query or record vector is a caller bug, not a backend fault.
func checkDimension(vec []float32, dimension int) error {
	if dimension > 0 && len(vec) != dimension {
		return fault.New(fault.Validation, "vector",
			"vector dimension %d does not match collection dimension %d", len(vec), dimension)
	}
	return nil
}

// matchesFilter reports whether a payload satisfies every filter field,
// comparing stringified values so numeric types round-trip across backends.
func matchesFilter(payload, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
