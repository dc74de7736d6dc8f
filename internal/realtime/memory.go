package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]Snapshot
	hub  *Hub
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]Snapshot),
		hub:  NewHub(),
		now:  time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, path string) (Snapshot, error) {
	if _, _, err := SplitPath(path); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(path), nil
}

func (s *MemoryStore) Set(_ context.Context, path string, v any) error {
	if _, _, err := SplitPath(path); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	s.write(path, data)
	return nil
}

func (s *MemoryStore) Merge(_ context.Context, path string, fields map[string]any) error {
	if _, _, err := SplitPath(path); err != nil {
		return err
	}
	s.mu.Lock()
	current := s.lookup(path)
	merged, err := mergeFields(current.Data, fields)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("merge %s: %w", path, err)
	}
	snap := s.store(path, merged)
	s.mu.Unlock()

	s.hub.Publish(snap)
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context, path string) (<-chan Snapshot, error) {
	if _, _, err := SplitPath(path); err != nil {
		return nil, err
	}
	return watchWithHub(ctx, s.hub, path, func() (Snapshot, error) {
		return s.Get(ctx, path)
	})
}

func (s *MemoryStore) write(path string, data []byte) {
	s.mu.Lock()
	snap := s.store(path, data)
	s.mu.Unlock()
	s.hub.Publish(snap)
}

func (s *MemoryStore) lookup(path string) Snapshot {
	if snap, ok := s.docs[path]; ok {
		return snap
	}
	return Snapshot{Path: path}
}

func (s *MemoryStore) store(path string, data []byte) Snapshot {
	prev := s.docs[path]
	snap := Snapshot{
		Path:      path,
		Data:      json.RawMessage(data),
		Exists:    true,
		Revision:  prev.Revision + 1,
		UpdatedAt: s.now().UTC(),
	}
	s.docs[path] = snap
	return snap
}
