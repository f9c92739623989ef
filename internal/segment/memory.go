package segment

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory store for tests and throwaway runs.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]map[int][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]map[int][]byte)}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Put(ctx context.Context, taskID string, index int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs, ok := s.tasks[taskID]
	if !ok {
		segs = make(map[int][]byte)
		s.tasks[taskID] = segs
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	segs[index] = buf
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, taskID string, index int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.tasks[taskID][index]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (s *MemoryStore) Indexes(ctx context.Context, taskID string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	segs := s.tasks[taskID]
	idx := make([]int, 0, len(segs))
	for i := range segs {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx, nil
}

func (s *MemoryStore) SumBytes(ctx context.Context, taskID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, data := range s.tasks[taskID] {
		total += int64(len(data))
	}
	return total, nil
}

func (s *MemoryStore) Clear(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}
