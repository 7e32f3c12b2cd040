package profile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	now      func() time.Time
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{profiles: map[string]Profile{}, now: time.Now}
}

func (s *MemStore) Create(ctx context.Context, p Profile) (Profile, error) {
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.PreviousID != "" {
		if _, ok := s.profiles[p.PreviousID]; !ok {
			return Profile{}, ErrNotFound
		}
	}
	stamp(&p, s.now())
	s.profiles[p.ID] = p
	return p, nil
}

func (s *MemStore) Get(ctx context.Context, id string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func stamp(p *Profile, now time.Time) {
	p.ID = uuid.NewString()
	if p.Version == 0 {
		p.Version = 1
	}
	if p.SlotPriority == "" {
		p.SlotPriority = PriorityAny
	}
	p.CreatedAt = now.UTC()
}
