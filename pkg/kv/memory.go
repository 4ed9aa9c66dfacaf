package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

func init() {
	Register("memory", func(opts Options) (Store, error) {
		return NewMemoryStore(), nil
	})
}

// MemoryStore is the always-available in-process driver. It is the default
// backend and the substitute when no durable driver is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	connected bool
	entries   map[string][]byte
	lists     map[string][][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]byte),
		lists:   make(map[string][][]byte),
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

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, false, ErrNotConnected
	}
	value, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.entries[key] = stored
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	delete(s.entries, key)
	delete(s.lists, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, ErrNotConnected
	}

	seen := make(map[string]struct{})
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			seen[key] = struct{}{}
		}
	}
	for key := range s.lists {
		if strings.HasPrefix(key, prefix) {
			seen[key] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Append(ctx context.Context, key string, item []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	stored := make([]byte, len(item))
	copy(stored, item)
	s.lists[key] = append(s.lists[key], stored)
	return nil
}

func (s *MemoryStore) GetRange(ctx context.Context, key string, start, count int) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, ErrNotConnected
	}

	list := s.lists[key]
	if start < 0 || count < 0 || start >= len(list) {
		return [][]byte{}, nil
	}

	end := start + count
	if end > len(list) {
		end = len(list)
	}

	out := make([][]byte, 0, end-start)
	for _, item := range list[start:end] {
		copied := make([]byte, len(item))
		copy(copied, item)
		out = append(out, copied)
	}
	return out, nil
}

func (s *MemoryStore) Name() string {
	return "memory"
}
