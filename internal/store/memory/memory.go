package memory

import (
	"context"
	"iter"
	"slices"
	"sync"

	"lokalkasir/terminal/internal/domain"
	"lokalkasir/terminal/internal/store"
)

// Store is the in-memory Local Store used by tests and dev mode. Same
// contract as the sqlite engine, minus durability.
type Store struct {
	mu          sync.RWMutex
	limits      store.Limits
	collections map[string]map[string]domain.Record
}

func New(limits store.Limits) *Store {
	collections := make(map[string]map[string]domain.Record, len(store.Collections))
	for _, name := range store.Collections {
		collections[name] = make(map[string]domain.Record)
	}
	return &Store{limits: limits, collections: collections}
}

func (s *Store) Put(_ context.Context, rec domain.Record) error {
	if err := store.ValidateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.collections[rec.Collection][rec.ID] = rec
	s.evictLocked(rec.Collection)
	return nil
}

func (s *Store) PutBatch(_ context.Context, recs []domain.Record) error {
	// Validate everything up front so the batch fully commits or fully fails.
	for _, rec := range recs {
		if err := store.ValidateRecord(rec); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[string]struct{}, 2)
	for _, rec := range recs {
		s.collections[rec.Collection][rec.ID] = rec
		touched[rec.Collection] = struct{}{}
	}
	for collection := range touched {
		s.evictLocked(collection)
	}
	return nil
}

func (s *Store) Get(_ context.Context, collection string, id string) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, ok := s.collections[collection]
	if !ok {
		return nil, store.ErrUnknownCollection
	}
	rec, ok := records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := rec
	return &copied, nil
}

func (s *Store) Delete(_ context.Context, collection string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.collections[collection]
	if !ok {
		return store.ErrUnknownCollection
	}
	delete(records, id)
	return nil
}

// Query yields matching records ordered by updated_at ascending. The snapshot
// is taken when iteration starts, so each fresh range re-scans.
func (s *Store) Query(_ context.Context, collection string, pred func(domain.Record) bool) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		s.mu.RLock()
		records, ok := s.collections[collection]
		if !ok {
			s.mu.RUnlock()
			yield(domain.Record{}, store.ErrUnknownCollection)
			return
		}
		snapshot := make([]domain.Record, 0, len(records))
		for _, rec := range records {
			snapshot = append(snapshot, rec)
		}
		s.mu.RUnlock()

		slices.SortFunc(snapshot, func(a, b domain.Record) int {
			if a.UpdatedAt != b.UpdatedAt {
				if a.UpdatedAt < b.UpdatedAt {
					return -1
				}
				return 1
			}
			if a.ID < b.ID {
				return -1
			}
			if a.ID > b.ID {
				return 1
			}
			return 0
		})

		for _, rec := range snapshot {
			if pred != nil && !pred(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *Store) Count(_ context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, ok := s.collections[collection]
	if !ok {
		return 0, store.ErrUnknownCollection
	}
	return len(records), nil
}

func (s *Store) Stats(_ context.Context) (store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(store.Stats, len(s.collections))
	for name, records := range s.collections {
		stats[name] = len(records)
	}
	return stats, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) evictLocked(collection string) {
	if s.limits.Cap <= 0 || !store.Evictable(collection) {
		return
	}
	records := s.collections[collection]
	if len(records) <= s.limits.Cap {
		return
	}

	target := s.limits.Cap - s.limits.ClearanceMargin
	if target < 0 {
		target = 0
	}

	oldest := make([]domain.Record, 0, len(records))
	for _, rec := range records {
		oldest = append(oldest, rec)
	}
	slices.SortFunc(oldest, func(a, b domain.Record) int {
		if a.UpdatedAt < b.UpdatedAt {
			return -1
		}
		if a.UpdatedAt > b.UpdatedAt {
			return 1
		}
		return 0
	})

	for _, rec := range oldest {
		if len(records) <= target {
			break
		}
		delete(records, rec.ID)
	}
}
