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
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	// PersistPath enables file persistence when set. The directory is
	// created if it does not exist; empty keeps vectors in memory only.
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress enables gzip compression for the persisted file.
	Compress bool `yaml:"compress,omitempty"`
}

// ChromemStore is the embedded backend. Pure Go, no external services,
// vectors held in RAM with optional gob persistence. Best for development
// and single-process deployments.
type ChromemStore struct {
	collection string
	dimension  int
	cfg        ChromemConfig

	mu        sync.RWMutex
	connected bool
	db        *chromem.DB
	col       *chromem.Collection
}

var _ Store = (*ChromemStore)(nil)

// NewChromemStore creates an unconnected chromem backend.
func NewChromemStore(collection string, dimension int, cfg ChromemConfig) *ChromemStore {
	return &ChromemStore{
		collection: collection,
		dimension:  dimension,
		cfg:        cfg,
	}
}

func (s *ChromemStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	var db *chromem.DB
	if s.cfg.PersistPath != "" {
		if err := os.MkdirAll(s.cfg.PersistPath, 0755); err != nil {
			return fmt.Errorf("failed to create persist directory: %w", err)
		}

		dbPath := s.dbPath()
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, s.cfg.Compress)
			if err != nil {
				slog.Warn("Failed to load existing vector database, creating new",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				slog.Info("Loaded vector database from file", "path", dbPath)
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	// Vectors arrive pre-computed from the embedder; the embedding function
	// must never run.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}

	col, err := db.GetOrCreateCollection(s.collection, nil, identityEmbed)
	if err != nil {
		return fmt.Errorf("failed to get/create collection %q: %w", s.collection, err)
	}

	s.db = db
	s.col = col
	s.connected = true
	return nil
}

func (s *ChromemStore) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false
	err := s.persistLocked()
	s.db = nil
	s.col = nil
	return err
}

func (s *ChromemStore) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *ChromemStore) Insert(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}

	docs := make([]chromem.Document, 0, len(records))
	for _, record := range records {
		if err := checkDimension(record.Vector, s.dimension); err != nil {
			return err
		}
		docs = append(docs, toChromemDocument(record.ID, record.Vector, record.Payload))
	}

	if err := s.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to insert documents: %w", err)
	}

	if err := s.persistLocked(); err != nil {
		slog.Warn("Failed to persist after insert", "error", err)
	}
	return nil
}

func (s *ChromemStore) Update(ctx context.Context, id string, vec []float32, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if err := checkDimension(vec, s.dimension); err != nil {
		return err
	}

	if _, err := s.col.GetByID(ctx, id); err != nil {
		return fmt.Errorf("update %q: %w", id, ErrNotFound)
	}

	doc := toChromemDocument(id, vec, payload)
	if err := s.col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}

	if err := s.persistLocked(); err != nil {
		slog.Warn("Failed to persist after update", "error", err)
	}
	return nil
}

func (s *ChromemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}

	if _, err := s.col.GetByID(ctx, id); err != nil {
		// Absent ids are a no-op; chromem errors on unknown ids.
		return nil
	}

	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	if err := s.persistLocked(); err != nil {
		slog.Warn("Failed to persist after delete", "error", err)
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, vec []float32, k int, opts *SearchOptions) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	if err := checkDimension(vec, s.dimension); err != nil {
		return nil, err
	}

	// chromem rejects nResults > collection size.
	count := s.col.Count()
	if count == 0 || k <= 0 {
		return []SearchResult{}, nil
	}
	if k > count {
		k = count
	}

	var whereFilter map[string]string
	if opts != nil && len(opts.Filter) > 0 {
		whereFilter = make(map[string]string, len(opts.Filter))
		for key, value := range opts.Filter {
			whereFilter[key] = fmt.Sprint(value)
		}
	}

	matches, err := s.col.QueryEmbedding(ctx, vec, k, whereFilter, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(matches))
	for _, match := range matches {
		score := match.Similarity
		if score < 0 {
			score = 0
		}
		if opts != nil && opts.Threshold > 0 && score <= opts.Threshold {
			continue
		}

		payload := make(map[string]any, len(match.Metadata))
		for key, value := range match.Metadata {
			payload[key] = value
		}
		results = append(results, SearchResult{ID: match.ID, Score: score, Payload: payload})
	}
	return results, nil
}

func (s *ChromemStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return 0, ErrNotConnected
	}
	return s.col.Count(), nil
}

func (s *ChromemStore) Name() string {
	return "chromem"
}

func (s *ChromemStore) dbPath() string {
	path := filepath.Join(s.cfg.PersistPath, s.collection+".gob")
	if s.cfg.Compress {
		path += ".gz"
	}
	return path
}

func (s *ChromemStore) persistLocked() error {
	if s.cfg.PersistPath == "" || s.db == nil {
		return nil
	}
	//nolint:staticcheck // Export remains the supported full-DB persistence call.
	if err := s.db.Export(s.dbPath(), s.cfg.Compress, ""); err != nil {
		return fmt.Errorf("failed to persist database: %w", err)
	}
	return nil
}

func toChromemDocument(id string, vec []float32, payload map[string]any) chromem.Document {
	metadata := make(map[string]string, len(payload))
	for key, value := range payload {
		metadata[key] = fmt.Sprint(value)
	}

	content := ""
	if text, ok := payload["text"].(string); ok {
		content = text
	}

	return chromem.Document{
		ID:        id,
		Content:   content,
		Metadata:  metadata,
		Embedding: vec,
	}
}
