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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// WeaviateConfig configures the Weaviate backend.
type WeaviateConfig struct {
	// Host is the Weaviate server hostname.
	Host string `yaml:"host"`

	// Port is the Weaviate HTTP port (default: 8080).
	Port int `yaml:"port,omitempty"`

	// APIKey for authenticated access (optional).
	APIKey string `yaml:"api_key,omitempty"`

	// UseTLS enables HTTPS connections.
	UseTLS bool `yaml:"use_tls,omitempty"`
}

// WeaviateStore is a networked backend over Weaviate's REST and GraphQL APIs.
// The collection name maps to a Weaviate class; class names must start with
// an uppercase letter, so the first letter is capitalized automatically.
type WeaviateStore struct {
	collection string
	className  string
	dimension  int
	cfg        WeaviateConfig

	mu         sync.RWMutex
	connected  bool
	baseURL    string
	httpClient *http.Client
}

var _ Store = (*WeaviateStore)(nil)

// NewWeaviateStore creates an unconnected Weaviate backend.
func NewWeaviateStore(collection string, dimension int, cfg WeaviateConfig) *WeaviateStore {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	return &WeaviateStore{
		collection: collection,
		className:  weaviateClassName(collection),
		dimension:  dimension,
		cfg:        cfg,
	}
}

// weaviateClassName capitalizes the collection name to satisfy Weaviate's
// class naming rules.
func weaviateClassName(collection string) string {
	if collection == "" {
		return collection
	}
	return strings.ToUpper(collection[:1]) + collection[1:]
}

func (s *WeaviateStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.cfg.Host == "" {
		return fmt.Errorf("host is required for Weaviate")
	}

	scheme := "http"
	if s.cfg.UseTLS {
		scheme = "https"
	}
	s.baseURL = fmt.Sprintf("%s://%s:%d", scheme, s.cfg.Host, s.cfg.Port)
	s.httpClient = &http.Client{
		Timeout: 30 * time.Second,
	}

	if err := s.ensureClass(ctx); err != nil {
		s.httpClient = nil
		return err
	}

	s.connected = true
	return nil
}

// ensureClass creates the class schema if it does not already exist.
func (s *WeaviateStore) ensureClass(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/v1/schema/%s", s.baseURL, s.className), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach Weaviate at %s: %w\n"+
			"  TIP: Troubleshooting:\n"+
			"     - Ensure Weaviate is running\n"+
			"     - Verify host and port configuration\n"+
			"     - For Docker: docker run -p 8080:8080 semitechnologies/weaviate",
			s.baseURL, err)
	}
	if resp.StatusCode == http.StatusOK {
		_ = resp.Body.Close()
		return nil // Class already exists
	}
	_ = resp.Body.Close()

	classSchema := map[string]any{
		"class":      s.className,
		"vectorizer": "none", // Vectors are provided by the caller
		"properties": []map[string]any{
			{
				"name":     "content",
				"dataType": []string{"text"},
			},
		},
	}

	jsonData, err := json.Marshal(classSchema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	req, err = http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/v1/schema", s.baseURL), bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req)

	resp, err = s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to create class: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to create class: status %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (s *WeaviateStore) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.httpClient = nil
	return nil
}

func (s *WeaviateStore) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *WeaviateStore) conn() (*http.Client, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, "", ErrNotConnected
	}
	return s.httpClient, s.baseURL, nil
}

func (s *WeaviateStore) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.cfg.APIKey))
	}
}

func (s *WeaviateStore) Insert(ctx context.Context, records []Record) error {
	for _, record := range records {
		if err := checkDimension(record.Vector, s.dimension); err != nil {
			return err
		}
		if err := s.putObject(ctx, record.ID, record.Vector, record.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *WeaviateStore) Update(ctx context.Context, id string, vec []float32, payload map[string]any) error {
	if err := checkDimension(vec, s.dimension); err != nil {
		return err
	}

	exists, err := s.objectExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("update %q: %w", id, ErrNotFound)
	}
	return s.putObject(ctx, id, vec, payload)
}

// putObject creates or replaces an object via PUT.
func (s *WeaviateStore) putObject(ctx context.Context, id string, vec []float32, payload map[string]any) error {
	client, baseURL, err := s.conn()
	if err != nil {
		return err
	}

	vector64 := make([]float64, len(vec))
	for i, v := range vec {
		vector64[i] = float64(v)
	}

	properties := make(map[string]any, len(payload))
	for k, v := range payload {
		properties[k] = v
	}

	body := map[string]any{
		"id":         id,
		"class":      s.className,
		"properties": properties,
		"vector":     vector64,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "PUT",
		fmt.Sprintf("%s/v1/objects/%s/%s", baseURL, s.className, id), bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upsert object: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to upsert object: status %d, body: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (s *WeaviateStore) objectExists(ctx context.Context, id string) (bool, error) {
	client, baseURL, err := s.conn()
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/v1/objects/%s/%s", baseURL, s.className, id), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req)

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to look up object %s: %w", id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("failed to look up object: status %d, body: %s", resp.StatusCode, string(body))
	}
}

func (s *WeaviateStore) Delete(ctx context.Context, id string) error {
	client, baseURL, err := s.conn()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "DELETE",
		fmt.Sprintf("%s/v1/objects/%s/%s", baseURL, s.className, id), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 404 means the object was already gone.
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to delete object: status %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (s *WeaviateStore) Search(ctx context.Context, vec []float32, k int, opts *SearchOptions) ([]SearchResult, error) {
	client, baseURL, err := s.conn()
	if err != nil {
		return nil, err
	}
	if err := checkDimension(vec, s.dimension); err != nil {
		return nil, err
	}

	vector64 := make([]float64, len(vec))
	for i, v := range vec {
		vector64[i] = float64(v)
	}

	query := map[string]any{
		"query": fmt.Sprintf(`
		{
			Get {
				%s {
					_additional {
						id
						distance
						certainty
						vector
					}
				}
			}
		}`, s.className),
		"nearVector": map[string]any{
			"vector": vector64,
		},
		"limit": k,
	}

	var threshold float32
	if opts != nil {
		threshold = opts.Threshold
		if len(opts.Filter) > 0 {
			query["where"] = buildWeaviateWhereClause(opts.Filter)
		}
	}

	jsonData, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/v1/graphql", baseURL), bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("search failed: status %d, body: %s", resp.StatusCode, string(body))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return convertWeaviateResults(result, s.className, threshold), nil
}

func (s *WeaviateStore) Count(ctx context.Context) (int, error) {
	client, baseURL, err := s.conn()
	if err != nil {
		return 0, err
	}

	query := map[string]any{
		"query": fmt.Sprintf(`
		{
			Aggregate {
				%s {
					meta {
						count
					}
				}
			}
		}`, s.className),
	}

	jsonData, err := json.Marshal(query)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/v1/graphql", baseURL), bytes.NewBuffer(jsonData))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req)

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to count objects: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("count failed: status %d, body: %s", resp.StatusCode, string(body))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}

	data, _ := result["data"].(map[string]any)
	aggregate, _ := data["Aggregate"].(map[string]any)
	classData, _ := aggregate[s.className].([]any)
	if len(classData) == 0 {
		return 0, nil
	}
	entry, _ := classData[0].(map[string]any)
	meta, _ := entry["meta"].(map[string]any)
	count, _ := meta["count"].(float64)
	return int(count), nil
}

func (s *WeaviateStore) Name() string {
	return "weaviate"
}

// buildWeaviateWhereClause converts a filter map to a Weaviate where clause.
func buildWeaviateWhereClause(filter map[string]any) map[string]any {
	if len(filter) == 0 {
		return nil
	}

	var conditions []map[string]any
	for key, value := range filter {
		conditions = append(conditions, map[string]any{
			"path":        []string{key},
			"operator":    "Equal",
			"valueString": fmt.Sprintf("%v", value),
		})
	}

	if len(conditions) == 1 {
		return conditions[0]
	}

	return map[string]any{
		"operator": "And",
		"operands": conditions,
	}
}

// convertWeaviateResults converts a GraphQL response to SearchResults. The
// cosine distance is preferred for scoring (score = 1 - distance, the raw
// cosine similarity) so scores line up with the other backends; certainty
// (which Weaviate computes as (1+cosine)/2) is only used as a fallback.
func convertWeaviateResults(result map[string]any, className string, threshold float32) []SearchResult {
	if result == nil {
		return []SearchResult{}
	}

	data, ok := result["data"].(map[string]any)
	if !ok {
		return []SearchResult{}
	}

	get, ok := data["Get"].(map[string]any)
	if !ok {
		return []SearchResult{}
	}

	classData, ok := get[className].([]any)
	if !ok {
		return []SearchResult{}
	}

	results := make([]SearchResult, 0, len(classData))
	for _, obj := range classData {
		objMap, ok := obj.(map[string]any)
		if !ok {
			continue
		}

		additional, _ := objMap["_additional"].(map[string]any)
		id := ""
		if idVal, ok := additional["id"].(string); ok {
			id = idVal
		}

		var score float32
		if distance, ok := additional["distance"].(float64); ok {
			score = float32(1.0 - distance)
		} else if certainty, ok := additional["certainty"].(float64); ok {
			score = float32(2.0*certainty - 1.0)
		}
		if score < 0 {
			score = 0
		} else if score > 1 {
			score = 1
		}

		if threshold > 0 && score <= threshold {
			continue
		}

		payload := make(map[string]any)
		for k, v := range objMap {
			if k != "_additional" {
				payload[k] = v
			}
		}

		results = append(results, SearchResult{
			ID:      id,
			Score:   score,
			Payload: payload,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	return results
}
