package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"refdata/pkg/platform/sentinel"
)

// InMemoryStore keeps outbox events in insertion order. It backs unit tests
// and the in-memory deployment mode.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// ListDue walks events in insertion order. A PENDING event still in backoff
// blocks its aggregate's younger events so creation order survives retries.
func (s *InMemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blocked := make(map[string]bool)
	var due []Event
	for _, ev := range s.events {
		if ev.Status != StatusPending {
			continue
		}
		if ev.NextAttemptAt.After(now) {
			blocked[ev.AggregateID] = true
			continue
		}
		if blocked[ev.AggregateID] {
			continue
		}
		due = append(due, ev)
		if limit > 0 && len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *InMemoryStore) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			published := at
			s.events[i].Status = StatusPublished
			s.events[i].PublishedAt = &published
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *InMemoryStore) RecordFailure(_ context.Context, id uuid.UUID, failure string, nextAttempt time.Time, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].RetryCount++
			s.events[i].LastError = failure
			s.events[i].NextAttemptAt = nextAttempt
			if dead {
				s.events[i].Status = StatusFailed
			}
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *InMemoryStore) ListByAggregate(_ context.Context, aggregateID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, ev := range s.events {
		if ev.AggregateID == aggregateID {
			out = append(out, ev)
		}
	}
	return out, nil
}
