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
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// PineconeConfig configures the Pinecone backend.
type PineconeConfig struct {
	// APIKey is required for Pinecone authentication.
	APIKey string `yaml:"api_key"`

	// Host is the Pinecone API host (optional, defaults to https://api.pinecone.io).
	Host string `yaml:"host,omitempty"`

	// Namespace scopes all operations within the index (optional).
	Namespace string `yaml:"namespace,omitempty"`
}

// PineconeStore is the managed-cloud backend over the Pinecone API.
// The collection name maps to a Pinecone index, which must be created
// via the Pinecone console or API before connecting.
type PineconeStore struct {
	collection string
	dimension  int
	cfg        PineconeConfig

	mu        sync.RWMutex
	connected bool
	client    *pinecone.Client
	indexHost string
}

var _ Store = (*PineconeStore)(nil)

// NewPineconeStore creates an unconnected Pinecone backend.
func NewPineconeStore(collection string, dimension int, cfg PineconeConfig) *PineconeStore {
	return &PineconeStore{
		collection: collection,
		dimension:  dimension,
		cfg:        cfg,
	}
}

func (s *PineconeStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.cfg.APIKey == "" {
		return fmt.Errorf("API key is required for Pinecone")
	}

	clientParams := pinecone.NewClientParams{
		ApiKey: s.cfg.APIKey,
	}
	if s.cfg.Host != "" {
		clientParams.Host = s.cfg.Host
	}

	client, err := pinecone.NewClient(clientParams)
	if err != nil {
		return fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	index, err := client.DescribeIndex(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to describe index %s: %w\n"+
			"  TIP: Pinecone indexes must be created via the Pinecone console or API before use",
			s.collection, err)
	}
	if index.Dimension != int32(s.dimension) {
		return fmt.Errorf("index %s has dimension %d, expected %d",
			s.collection, index.Dimension, s.dimension)
	}

	s.client = client
	s.indexHost = index.Host
	s.connected = true
	return nil
}

func (s *PineconeStore) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Pinecone client doesn't have explicit close method
	s.connected = false
	s.client = nil
	s.indexHost = ""
	return nil
}

func (s *PineconeStore) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// indexConnection creates a connection to the index host resolved at Connect.
func (s *PineconeStore) indexConnection() (*pinecone.IndexConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, ErrNotConnected
	}

	indexConn, err := s.client.Index(pinecone.NewIndexConnParams{
		Host:      s.indexHost,
		Namespace: s.cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index connection: %w", err)
	}
	return indexConn, nil
}

func (s *PineconeStore) Insert(ctx context.Context, records []Record) error {
	indexConn, err := s.indexConnection()
	if err != nil {
		return err
	}
	defer func() { _ = indexConn.Close() }()

	vectors := make([]*pinecone.Vector, 0, len(records))
	for _, record := range records {
		if err := checkDimension(record.Vector, s.dimension); err != nil {
			return err
		}
		vec, err := toPineconeVector(record.ID, record.Vector, record.Payload)
		if err != nil {
			return err
		}
		vectors = append(vectors, vec)
	}

	if _, err := indexConn.UpsertVectors(ctx, vectors); err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}
	return nil
}

func (s *PineconeStore) Update(ctx context.Context, id string, vec []float32, payload map[string]any) error {
	indexConn, err := s.indexConnection()
	if err != nil {
		return err
	}
	defer func() { _ = indexConn.Close() }()

	if err := checkDimension(vec, s.dimension); err != nil {
		return err
	}

	fetched, err := indexConn.FetchVectors(ctx, []string{id})
	if err != nil {
		return fmt.Errorf("failed to look up vector %s: %w", id, err)
	}
	if _, exists := fetched.Vectors[id]; !exists {
		return fmt.Errorf("update %q: %w", id, ErrNotFound)
	}

	vector, err := toPineconeVector(id, vec, payload)
	if err != nil {
		return err
	}
	if _, err := indexConn.UpsertVectors(ctx, []*pinecone.Vector{vector}); err != nil {
		return fmt.Errorf("failed to update vector: %w", err)
	}
	return nil
}

func (s *PineconeStore) Delete(ctx context.Context, id string) error {
	indexConn, err := s.indexConnection()
	if err != nil {
		return err
	}
	defer func() { _ = indexConn.Close() }()

	if err := indexConn.DeleteVectorsById(ctx, []string{id}); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}

func (s *PineconeStore) Search(ctx context.Context, vec []float32, k int, opts *SearchOptions) ([]SearchResult, error) {
	indexConn, err := s.indexConnection()
	if err != nil {
		return nil, err
	}
	defer func() { _ = indexConn.Close() }()

	if err := checkDimension(vec, s.dimension); err != nil {
		return nil, err
	}

	queryRequest := &pinecone.QueryByVectorValuesRequest{
		Vector:          vec,
		TopK:            uint32(k),
		IncludeMetadata: true,
	}
	var threshold float32
	if opts != nil {
		threshold = opts.Threshold
		if len(opts.Filter) > 0 {
			filterInterface := make(map[string]interface{}, len(opts.Filter))
			for key, value := range opts.Filter {
				filterInterface[key] = value
			}
			metadataFilter, err := structpb.NewStruct(filterInterface)
			if err != nil {
				return nil, fmt.Errorf("failed to convert filter: %w", err)
			}
			queryRequest.MetadataFilter = metadataFilter
		}
	}

	queryResponse, err := indexConn.QueryByVectorValues(ctx, queryRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to query Pinecone: %w", err)
	}

	return convertPineconeResults(queryResponse.Matches, threshold), nil
}

func (s *PineconeStore) Count(ctx context.Context) (int, error) {
	indexConn, err := s.indexConnection()
	if err != nil {
		return 0, err
	}
	defer func() { _ = indexConn.Close() }()

	stats, err := indexConn.DescribeIndexStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to describe index stats: %w", err)
	}
	return int(stats.TotalVectorCount), nil
}

func (s *PineconeStore) Name() string {
	return "pinecone"
}

func toPineconeVector(id string, vec []float32, payload map[string]any) (*pinecone.Vector, error) {
	var metadata *pinecone.Metadata
	if len(payload) > 0 {
		metadataInterface := make(map[string]interface{}, len(payload))
		for key, value := range payload {
			metadataInterface[key] = value
		}
		converted, err := structpb.NewStruct(metadataInterface)
		if err != nil {
			return nil, fmt.Errorf("failed to convert metadata: %w", err)
		}
		metadata = converted
	}

	return &pinecone.Vector{
		Id:       id,
		Values:   vec,
		Metadata: metadata,
	}, nil
}

// convertPineconeResults converts scored vectors to SearchResults.
// Pinecone has no server-side score threshold, so it is applied here.
func convertPineconeResults(matches []*pinecone.ScoredVector, threshold float32) []SearchResult {
	results := make([]SearchResult, 0, len(matches))

	for _, scoredVector := range matches {
		if scoredVector.Vector == nil {
			continue
		}

		score := scoredVector.Score
		if score < 0 {
			score = 0
		}
		if threshold > 0 && score <= threshold {
			continue
		}

		payload := make(map[string]any)
		if scoredVector.Vector.Metadata != nil {
			for key, value := range scoredVector.Vector.Metadata.AsMap() {
				payload[key] = value
			}
		}

		results = append(results, SearchResult{
			ID:      scoredVector.Vector.Id,
			Score:   score,
			Payload: payload,
		})
	}

	return results
}
