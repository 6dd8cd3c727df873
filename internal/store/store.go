package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"lokalkasir/terminal/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrStorage           = errors.New("storage failure")
	ErrUnknownCollection = errors.New("unknown collection")
)

// Limits bounds a collection. When a Put pushes the record count above Cap,
// the oldest records by updated_at are evicted until the count is back at
// Cap-ClearanceMargin, so the store does not thrash on every insert near the
// boundary.
type Limits struct {
	Cap             int
	ClearanceMargin int
	// Payloads larger than LargePayloadBytes are opaque-encoded before
	// hitting the engine and decoded transparently on read.
	LargePayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{Cap: 5000, ClearanceMargin: 50, LargePayloadBytes: 4096}
}

type Stats map[string]int

// Store is durable, queryable key-value storage organized into named
// collections. Put is an idempotent upsert. PutBatch is all-or-nothing.
// Query returns a lazy sequence; a fresh range re-scans from scratch.
type Store interface {
	Put(ctx context.Context, rec domain.Record) error
	PutBatch(ctx context.Context, recs []domain.Record) error
	Get(ctx context.Context, collection string, id string) (*domain.Record, error)
	Delete(ctx context.Context, collection string, id string) error
	Query(ctx context.Context, collection string, pred func(domain.Record) bool) iter.Seq2[domain.Record, error]
	Count(ctx context.Context, collection string) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Clock assigns the monotonically increasing updated_at timestamps owned by
// the local store. Wall clock in unix milliseconds, bumped by one when the
// wall clock stalls or runs backwards.
type Clock struct {
	mu   sync.Mutex
	last int64
}

func NewClock() *Clock {
	return &Clock{}
}

func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// NewRecord marshals v into a Record for the given collection.
func NewRecord(collection string, id string, v any, updatedAt int64, status domain.SyncStatus) (domain.Record, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return domain.Record{}, fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	return domain.Record{
		ID:         id,
		Collection: collection,
		Payload:    payload,
		UpdatedAt:  updatedAt,
		SyncStatus: status,
	}, nil
}

// Decode unmarshals a record payload into v.
func Decode(rec *domain.Record, v any) error {
	if rec == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

// QueryAll collects a query into a slice, surfacing the first scan error.
func QueryAll(ctx context.Context, s Store, collection string, pred func(domain.Record) bool) ([]domain.Record, error) {
	var out []domain.Record
	for rec, err := range s.Query(ctx, collection, pred) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
