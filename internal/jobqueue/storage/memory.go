package storage

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryStore keeps job records in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]Record)}
}

// Save upserts the record unless the stored state is further along
func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.ID]
	if !ok {
		r := *rec
		r.Data = maps.Clone(rec.Data)
		s.records[rec.ID] = r
		return nil
	}

	if stateRank(cur.State) > stateRank(rec.State) {
		return nil
	}

	cur.State = rec.State
	cur.Error = rec.Error
	if rec.WorkerID != "" {
		cur.WorkerID = rec.WorkerID
	}
	cur.UpdatedAt = rec.UpdatedAt
	s.records[rec.ID] = cur
	return nil
}

// Get retrieves a job record by id
func (s *MemoryStore) Get(_ context.Context, id int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	rec.Data = maps.Clone(rec.Data)
	return &rec, nil
}

// List returns records in id order, optionally filtered by type and state
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(s.records))

	records := []Record{}
	for _, id := range ids {
		if id <= filter.AfterID {
			continue
		}
		rec := s.records[id]
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		if filter.State != "" && rec.State != filter.State {
			continue
		}
		rec.Data = maps.Clone(rec.Data)
		records = append(records, rec)
		if len(records) == filter.limit() {
			break
		}
	}

	return records, nil
}
