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
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`

	// Port is the Qdrant gRPC port (default: 6334).
	Port int `yaml:"port"`

	// APIKey for authenticated access (optional).
	APIKey string `yaml:"api_key,omitempty"`

	// UseTLS enables TLS connections.
	UseTLS bool `yaml:"use_tls,omitempty"`
}

// QdrantStore is the networked backend over Qdrant's gRPC API.
type QdrantStore struct {
	collection string
	dimension  int
	cfg        QdrantConfig

	mu        sync.RWMutex
	connected bool
	client    *qdrant.Client
}

var _ Store = (*QdrantStore)(nil)

// NewQdrantStore creates an unconnected Qdrant backend.
func NewQdrantStore(collection string, dimension int, cfg QdrantConfig) *QdrantStore {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334 // gRPC port
	}
	return &QdrantStore{
		collection: collection,
		dimension:  dimension,
		cfg:        cfg,
	}
}

func (s *QdrantStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   s.cfg.Host,
		Port:   s.cfg.Port,
		APIKey: s.cfg.APIKey,
		UseTLS: s.cfg.UseTLS,
	})
	if err != nil {
		return fmt.Errorf("failed to create Qdrant client for %s:%d: %w\n"+
			"  TIP: Troubleshooting:\n"+
			"     - Ensure Qdrant is running\n"+
			"     - Verify host and port configuration\n"+
			"     - For Docker: start Qdrant container (docker run -p 6333:6333 -p 6334:6334 qdrant/qdrant)",
			s.cfg.Host, s.cfg.Port, err)
	}

	if err := s.ensureCollection(ctx, client); err != nil {
		_ = client.Close()
		return err
	}

	s.client = client
	s.connected = true
	return nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, client *qdrant.Client) error {
	exists, err := client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (s *QdrantStore) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false
	client := s.client
	s.client = nil
	return client.Close()
}

func (s *QdrantStore) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *QdrantStore) conn() (*qdrant.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

func (s *QdrantStore) Insert(ctx context.Context, records []Record) error {
	client, err := s.conn()
	if err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, record := range records {
		if err := checkDimension(record.Vector, s.dimension); err != nil {
			return err
		}

		payload, err := toQdrantPayload(record.Payload)
		if err != nil {
			return err
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(record.ID),
			Vectors: qdrant.NewVectors(record.Vector...),
			Payload: payload,
		})
	}

	if _, err := client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (s *QdrantStore) Update(ctx context.Context, id string, vec []float32, payload map[string]any) error {
	client, err := s.conn()
	if err != nil {
		return err
	}
	if err := checkDimension(vec, s.dimension); err != nil {
		return err
	}

	existing, err := client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(id)},
	})
	if err != nil {
		return fmt.Errorf("failed to look up point %s: %w", id, err)
	}
	if len(existing) == 0 {
		return fmt.Errorf("update %q: %w", id, ErrNotFound)
	}

	qdrantPayload, err := toQdrantPayload(payload)
	if err != nil {
		return err
	}

	if _, err := client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(vec...),
			Payload: qdrantPayload,
		}},
	}); err != nil {
		return fmt.Errorf("failed to update point: %w", err)
	}
	return nil
}

func (s *QdrantStore) Delete(ctx context.Context, id string) error {
	client, err := s.conn()
	if err != nil {
		return err
	}

	_, err = client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{qdrant.NewID(id)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete point %s: %w", id, err)
	}
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, vec []float32, k int, opts *SearchOptions) ([]SearchResult, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}
	if err := checkDimension(vec, s.dimension); err != nil {
		return nil, err
	}

	searchRequest := &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         vec,
		Limit:          uint64(k),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if opts != nil {
		if len(opts.Filter) > 0 {
			searchRequest.Filter = buildQdrantFilter(opts.Filter)
		}
		if opts.Threshold > 0 {
			threshold := opts.Threshold
			searchRequest.ScoreThreshold = &threshold
		}
	}

	searchResult, err := client.GetPointsClient().Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	return convertQdrantResults(searchResult.Result), nil
}

func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	client, err := s.conn()
	if err != nil {
		return 0, err
	}

	count, err := client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int(count), nil
}

func (s *QdrantStore) Name() string {
	return "qdrant"
}

func toQdrantPayload(payload map[string]any) (map[string]*qdrant.Value, error) {
	out := make(map[string]*qdrant.Value, len(payload))
	for key, value := range payload {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return nil, fmt.Errorf("failed to convert payload value for key %s: %w", key, err)
		}
		out[key] = val
	}
	return out, nil
}

// buildQdrantFilter converts a filter map to a Qdrant must-match filter.
func buildQdrantFilter(filter map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))

	for key, value := range filter {
		val, err := qdrant.NewValue(value)
		if err != nil {
			continue
		}

		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{
							Keyword: val.GetStringValue(),
						},
					},
				},
			},
		})
	}

	return &qdrant.Filter{Must: conditions}
}

// convertQdrantResults converts scored points to SearchResults.
func convertQdrantResults(points []*qdrant.ScoredPoint) []SearchResult {
	results := make([]SearchResult, 0, len(points))

	for _, point := range points {
		var id string
		if point.Id != nil && point.Id.PointIdOptions != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		payload := make(map[string]any, len(point.Payload))
		for key, value := range point.Payload {
			payload[key] = fromQdrantValue(value)
		}

		score := point.Score
		if score < 0 {
			score = 0
		}

		results = append(results, SearchResult{
			ID:      id,
			Score:   score,
			Payload: payload,
		})
	}

	return results
}

func fromQdrantValue(value *qdrant.Value) any {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = fromQdrantValue(item)
		}
		return list
	default:
		return value
	}
}
