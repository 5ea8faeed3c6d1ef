package reconcile

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"refdata/internal/domain"
	"refdata/pkg/platform/sentinel"
)

// StagingStore owns staged rows and batch bookkeeping for the duration of a
// pipeline run.
type StagingStore interface {
	InsertBatch(ctx context.Context, batch domain.ReconciliationBatch) error
	UpdateBatch(ctx context.Context, batch domain.ReconciliationBatch) error
	GetBatch(ctx context.Context, id uuid.UUID) (domain.ReconciliationBatch, error)
	LastCompletedBatch(ctx context.Context, system domain.CodeSystem) (domain.ReconciliationBatch, error)

	InsertStaging(ctx context.Context, rec domain.StagingRecord) error
	UpdateStaging(ctx context.Context, rec domain.StagingRecord) error
	ListStagingByBatch(ctx context.Context, batchID uuid.UUID) ([]domain.StagingRecord, error)
}

// InMemoryStagingStore keeps batches and staged rows in maps.
type InMemoryStagingStore struct {
	mu      sync.RWMutex
	batches map[uuid.UUID]domain.ReconciliationBatch
	staged  map[uuid.UUID][]domain.StagingRecord
}

func NewInMemoryStagingStore() *InMemoryStagingStore {
	return &InMemoryStagingStore{
		batches: make(map[uuid.UUID]domain.ReconciliationBatch),
		staged:  make(map[uuid.UUID][]domain.StagingRecord),
	}
}

func (s *InMemoryStagingStore) InsertBatch(_ context.Context, batch domain.ReconciliationBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.ID] = batch
	return nil
}

func (s *InMemoryStagingStore) UpdateBatch(_ context.Context, batch domain.ReconciliationBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.batches[batch.ID] = batch
	return nil
}

func (s *InMemoryStagingStore) GetBatch(_ context.Context, id uuid.UUID) (domain.ReconciliationBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if batch, ok := s.batches[id]; ok {
		return batch, nil
	}
	return domain.ReconciliationBatch{}, sentinel.ErrNotFound
}

func (s *InMemoryStagingStore) LastCompletedBatch(_ context.Context, system domain.CodeSystem) (domain.ReconciliationBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest domain.ReconciliationBatch
		found  bool
	)
	for _, batch := range s.batches {
		if batch.CodeSystem != system || batch.Status != domain.BatchCompleted {
			continue
		}
		if !found || batch.StartedAt.After(latest.StartedAt) {
			latest = batch
			found = true
		}
	}
	if !found {
		return domain.ReconciliationBatch{}, sentinel.ErrNotFound
	}
	return latest, nil
}

func (s *InMemoryStagingStore) InsertStaging(_ context.Context, rec domain.StagingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[rec.BatchID] = append(s.staged[rec.BatchID], rec)
	return nil
}

func (s *InMemoryStagingStore) UpdateStaging(_ context.Context, rec domain.StagingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.staged[rec.BatchID]
	for i := range rows {
		if rows[i].ID == rec.ID {
			rows[i] = rec
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *InMemoryStagingStore) ListStagingByBatch(_ context.Context, batchID uuid.UUID) ([]domain.StagingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.StagingRecord{}, s.staged[batchID]...), nil
}
