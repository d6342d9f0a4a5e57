package jobs

import (
	"fmt"
	"sort"
	"sync"
)

// Store persists job records.
type Store interface {
	Create(job *Job) error
	Get(id string) (*Job, error)
	Update(job *Job) error
	List() ([]*Job, error)
}

// MemoryStore is an in-memory Store. It hands out copies so callers cannot
// mutate stored records.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Create adds a new job.
func (s *MemoryStore) Create(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	c := *job
	s.jobs[job.ID] = &c
	return nil
}

// Get returns a copy of the job with id.
func (s *MemoryStore) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	c := *job
	return &c, nil
}

// Update replaces an existing job.
func (s *MemoryStore) Update(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrJobNotFound)
	}
	c := *job
	s.jobs[job.ID] = &c
	return nil
}

// List returns copies of every job, newest first.
func (s *MemoryStore) List() ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		c := *job
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
