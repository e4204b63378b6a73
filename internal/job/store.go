package job

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("job not found")

// Store persists job snapshots.
type Store interface {
	Get(ctx context.Context, id string) (Job, error)
	// Put stores j unconditionally.
	Put(ctx context.Context, j Job) error
	// CompareAndSwap stores next only if the stored version still equals
	// prev.Version. next is stored with Version prev.Version+1.
	CompareAndSwap(ctx context.Context, prev, next Job) (bool, error)
	List(ctx context.Context) ([]Job, error)
}

type memoryEntry struct {
	mu  sync.Mutex
	job Job
}

// MemoryStore is a process-local Store. Operations on different jobs only
// share the brief map lookup.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) entry(id string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	e, ok := s.entry(id)
	if !ok {
		return Job{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, nil
}

func (s *MemoryStore) Put(_ context.Context, j Job) error {
	if e, ok := s.entry(j.ID); ok {
		e.mu.Lock()
		e.job = j
		e.mu.Unlock()
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[j.ID]; ok {
		e.mu.Lock()
		e.job = j
		e.mu.Unlock()
		return nil
	}
	s.entries[j.ID] = &memoryEntry{job: j}
	return nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, prev, next Job) (bool, error) {
	e, ok := s.entry(prev.ID)
	if !ok {
		return false, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Version != prev.Version {
		return false, nil
	}
	next.Version = prev.Version + 1
	e.job = next
	return true, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Job, error) {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.job)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
