package jobs

import (
	"context"
	"sort"
	"sync"
)

type MemStore struct {
	mu       sync.RWMutex
	jobs     map[string]Job
	bookings map[string][]BookingRecord
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{jobs: map[string]Job{}, bookings: map[string][]BookingRecord{}}
}

func (s *MemStore) Create(ctx context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return ErrConflict
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *MemStore) Get(ctx context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemStore) Update(ctx context.Context, j Job, expected Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrConflict
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *MemStore) List(ctx context.Context, f Filter) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Job
	for _, j := range s.jobs {
		if f.match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (s *MemStore) CreateBooking(ctx context.Context, b BookingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[b.JobID]; !ok {
		return ErrNotFound
	}
	s.bookings[b.JobID] = append(s.bookings[b.JobID], b)
	return nil
}

func (s *MemStore) Bookings(ctx context.Context, jobID string) ([]BookingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]BookingRecord(nil), s.bookings[jobID]...), nil
}
