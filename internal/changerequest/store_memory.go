package changerequest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"refdata/internal/domain"
	"refdata/pkg/platform/sentinel"
)

// InMemoryStore keeps change requests in a map guarded by a RWMutex.
type InMemoryStore struct {
	mu        sync.RWMutex
	requests  map[uuid.UUID]domain.ChangeRequest
	sequences map[int]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		requests:  make(map[uuid.UUID]domain.ChangeRequest),
		sequences: make(map[int]int),
	}
}

func (s *InMemoryStore) Insert(_ context.Context, cr domain.ChangeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[cr.ID] = cr
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id uuid.UUID) (domain.ChangeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cr, ok := s.requests[id]; ok {
		return cr, nil
	}
	return domain.ChangeRequest{}, sentinel.ErrNotFound
}

func (s *InMemoryStore) Update(_ context.Context, cr domain.ChangeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[cr.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.requests[cr.ID] = cr
	return nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, status domain.RequestStatus) ([]domain.ChangeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ChangeRequest
	for _, cr := range s.requests {
		if cr.Status == status {
			out = append(out, cr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *InMemoryStore) NextSequence(_ context.Context, year int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[year]++
	return s.sequences[year], nil
}
