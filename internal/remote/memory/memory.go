package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"lokalkasir/terminal/internal/domain"
	"lokalkasir/terminal/internal/remote"
)

// Store is an in-memory remote document store for tests and dev mode. It can
// simulate outages (SetUnavailable) and a bounded number of transient
// failures (FailNext).
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]remote.Document
	unavailable bool
	failNext    int
	putCalls    map[string]int
	subs        map[string][]func(remote.Document)
}

func New() *Store {
	return &Store{
		collections: make(map[string]map[string]remote.Document),
		putCalls:    make(map[string]int),
		subs:        make(map[string][]func(remote.Document)),
	}
}

func (s *Store) SetUnavailable(down bool) {
	s.mu.Lock()
	s.unavailable = down
	s.mu.Unlock()
}

// FailNext makes the next n mutating calls fail with a write rejection. The
// remote stays reachable, so callers treat these as retryable op failures,
// not an outage.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// PutCalls reports how many times a document was written, for idempotency
// assertions.
func (s *Store) PutCalls(collection string, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putCalls[collection+"/"+id]
}

func (s *Store) checkLocked(mutating bool) error {
	if s.unavailable {
		return fmt.Errorf("%w: remote offline", domain.ErrRemoteUnavailable)
	}
	if mutating && s.failNext > 0 {
		s.failNext--
		return errors.New("injected write rejection")
	}
	return nil
}

func (s *Store) GetDocument(_ context.Context, collection string, id string) (*remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(false); err != nil {
		return nil, err
	}
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", remote.ErrNotFound, collection, id)
	}
	copied := doc
	return &copied, nil
}

func (s *Store) PutDocument(_ context.Context, collection string, id string, data json.RawMessage, updatedAt int64) error {
	s.mu.Lock()
	if err := s.checkLocked(true); err != nil {
		s.mu.Unlock()
		return err
	}
	doc := s.putLocked(collection, id, data, updatedAt)
	subs := slices.Clone(s.subs[collection])
	s.mu.Unlock()

	for _, fn := range subs {
		fn(doc)
	}
	return nil
}

func (s *Store) putLocked(collection string, id string, data json.RawMessage, updatedAt int64) remote.Document {
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]remote.Document)
	}
	doc := remote.Document{ID: id, Data: slices.Clone(data), UpdatedAt: updatedAt}
	s.collections[collection][id] = doc
	s.putCalls[collection+"/"+id]++
	return doc
}

func (s *Store) UpdateDocument(_ context.Context, collection string, id string, patch json.RawMessage, updatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(true); err != nil {
		return err
	}

	existing := s.collections[collection][id]
	merged, err := remote.MergePatch(existing.Data, patch)
	if err != nil {
		return err
	}
	s.putLocked(collection, id, merged, updatedAt)
	return nil
}

func (s *Store) DeleteDocument(_ context.Context, collection string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(true); err != nil {
		return err
	}
	delete(s.collections[collection], id)
	return nil
}

func (s *Store) QueryDocuments(_ context.Context, collection string, updatedAfter int64, limit int) ([]remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(false); err != nil {
		return nil, err
	}

	docs := make([]remote.Document, 0, limit)
	for _, doc := range s.collections[collection] {
		if doc.UpdatedAt > updatedAfter {
			docs = append(docs, doc)
		}
	}
	slices.SortFunc(docs, func(a, b remote.Document) int {
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
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (s *Store) Subscribe(collection string, onChange func(remote.Document)) (func(), error) {
	s.mu.Lock()
	s.subs[collection] = append(s.subs[collection], onChange)
	idx := len(s.subs[collection]) - 1
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if idx < len(s.subs[collection]) {
			s.subs[collection][idx] = func(remote.Document) {}
		}
		s.mu.Unlock()
	}, nil
}

func (s *Store) Close() error {
	return nil
}
