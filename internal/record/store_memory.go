package record

import (
	"context"
	"sort"
	"sync"
	"time"

	"refdata/internal/domain"
	"refdata/pkg/platform/sentinel"
)

type recordKey struct {
	system domain.CodeSystem
	key    string
}

// InMemoryStore keeps version histories in maps. It favors clarity over
// performance and backs unit tests and the dev deployment mode.
type InMemoryStore struct {
	mu       sync.RWMutex
	versions map[recordKey][]domain.VersionedRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{versions: make(map[recordKey][]domain.VersionedRecord)}
}

func (s *InMemoryStore) FindCurrent(_ context.Context, naturalKey string, system domain.CodeSystem) (domain.VersionedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var head *domain.VersionedRecord
	for _, v := range s.versions[recordKey{system, naturalKey}] {
		if v.IsCurrent() && (head == nil || v.Version > head.Version) {
			v := v
			head = &v
		}
	}
	if head == nil {
		return domain.VersionedRecord{}, sentinel.ErrNotFound
	}
	return *head, nil
}

func (s *InMemoryStore) FindAsOf(_ context.Context, naturalKey string, system domain.CodeSystem, asOf time.Time) (domain.VersionedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.VersionedRecord
	for _, v := range s.versions[recordKey{system, naturalKey}] {
		if v.Covers(asOf) && (best == nil || v.Version > best.Version) {
			v := v
			best = &v
		}
	}
	if best == nil {
		return domain.VersionedRecord{}, sentinel.ErrNotFound
	}
	return *best, nil
}

func (s *InMemoryStore) ListVersions(_ context.Context, naturalKey string, system domain.CodeSystem) ([]domain.VersionedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.versions[recordKey{system, naturalKey}]
	if len(history) == 0 {
		return nil, sentinel.ErrNotFound
	}
	out := append([]domain.VersionedRecord{}, history...)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *InMemoryStore) ListCurrentBySystem(_ context.Context, system domain.CodeSystem) ([]domain.VersionedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.VersionedRecord
	for k, history := range s.versions {
		if k.system != system {
			continue
		}
		var head *domain.VersionedRecord
		for _, v := range history {
			if v.IsCurrent() && (head == nil || v.Version > head.Version) {
				v := v
				head = &v
			}
		}
		if head != nil {
			out = append(out, *head)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NaturalKey < out[j].NaturalKey })
	return out, nil
}

func (s *InMemoryStore) Insert(_ context.Context, rec domain.VersionedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{rec.CodeSystem, rec.NaturalKey}
	s.versions[k] = append(s.versions[k], rec)
	return nil
}

func (s *InMemoryStore) CloseValidity(_ context.Context, naturalKey string, system domain.CodeSystem, version int, validTo time.Time) error {
	return s.mutate(naturalKey, system, version, func(v *domain.VersionedRecord) {
		t := validTo
		v.ValidTo = &t
	})
}

func (s *InMemoryStore) Deactivate(_ context.Context, naturalKey string, system domain.CodeSystem, version int) error {
	return s.mutate(naturalKey, system, version, func(v *domain.VersionedRecord) {
		v.IsActive = false
	})
}

func (s *InMemoryStore) Retire(_ context.Context, naturalKey string, system domain.CodeSystem, version int, validTo time.Time) error {
	return s.mutate(naturalKey, system, version, func(v *domain.VersionedRecord) {
		t := validTo
		v.ValidTo = &t
		v.IsActive = false
	})
}

func (s *InMemoryStore) mutate(naturalKey string, system domain.CodeSystem, version int, fn func(*domain.VersionedRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.versions[recordKey{system, naturalKey}]
	for i := range history {
		if history[i].Version == version {
			fn(&history[i])
			return nil
		}
	}
	return sentinel.ErrNotFound
}
