package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"lokalkasir/terminal/internal/domain"
	"lokalkasir/terminal/internal/store"
)

func productRecord(t *testing.T, id string, updatedAt int64) domain.Record {
	t.Helper()
	rec, err := store.NewRecord(domain.CollectionProducts, id, domain.Product{
		ID:         id,
		Name:       "Kopi Susu",
		PriceCents: 1800,
		CostCents:  900,
		Stock:      10,
		Active:     true,
		UpdatedAt:  updatedAt,
	}, updatedAt, domain.SyncStatusLocal)
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	return rec
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	st := New(store.DefaultLimits())

	rec := productRecord(t, "p1", 10)
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := st.Get(ctx, domain.CollectionProducts, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UpdatedAt != 10 || got.SyncStatus != domain.SyncStatusLocal {
		t.Fatalf("unexpected record: %+v", got)
	}

	if err := st.Delete(ctx, domain.CollectionProducts, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.Get(ctx, domain.CollectionProducts, "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	st := New(store.DefaultLimits())

	rec := productRecord(t, "p1", 10)
	rec.Collection = "unknown"
	if err := st.Put(ctx, rec); !errors.Is(err, store.ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}

func TestPutBatchAllOrNothing(t *testing.T) {
	ctx := context.Background()
	st := New(store.DefaultLimits())

	good := productRecord(t, "p1", 10)
	bad := productRecord(t, "", 11)
	if err := st.PutBatch(ctx, []domain.Record{good, bad}); err == nil {
		t.Fatalf("expected batch with invalid record to fail")
	}
	if _, err := st.Get(ctx, domain.CollectionProducts, "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed batch must not apply partially, got %v", err)
	}
}

func TestQueryOrderedByUpdatedAt(t *testing.T) {
	ctx := context.Background()
	st := New(store.DefaultLimits())

	for _, ts := range []int64{30, 10, 20} {
		rec := productRecord(t, fmt.Sprintf("p%d", ts), ts)
		if err := st.Put(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	recs, err := store.QueryAll(ctx, st, domain.CollectionProducts, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].UpdatedAt < recs[i-1].UpdatedAt {
			t.Fatalf("records out of order: %d before %d", recs[i-1].UpdatedAt, recs[i].UpdatedAt)
		}
	}
}

func TestQueryPredicate(t *testing.T) {
	ctx := context.Background()
	st := New(store.DefaultLimits())

	for i := 1; i <= 5; i++ {
		if err := st.Put(ctx, productRecord(t, fmt.Sprintf("p%d", i), int64(i))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	recs, err := store.QueryAll(ctx, st, domain.CollectionProducts, func(r domain.Record) bool {
		return r.UpdatedAt > 3
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
}

func TestEvictionKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	limit := 100
	st := New(store.Limits{Cap: limit, ClearanceMargin: 0, LargePayloadBytes: 4096})

	for i := 1; i <= limit+50; i++ {
		rec := productRecord(t, fmt.Sprintf("p%04d", i), int64(i))
		if err := st.Put(ctx, rec); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	count, err := st.Count(ctx, domain.CollectionProducts)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != limit {
		t.Fatalf("expected exactly %d records after eviction, got %d", limit, count)
	}

	// The oldest 50 are gone, the newest survive.
	if _, err := st.Get(ctx, domain.CollectionProducts, "p0001"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("oldest record should be evicted, got %v", err)
	}
	if _, err := st.Get(ctx, domain.CollectionProducts, fmt.Sprintf("p%04d", limit+50)); err != nil {
		t.Fatalf("newest record should survive: %v", err)
	}
	if _, err := st.Get(ctx, domain.CollectionProducts, "p0051"); err != nil {
		t.Fatalf("record within cap should survive: %v", err)
	}
}

func TestEvictionSparesQueueAndMetadata(t *testing.T) {
	ctx := context.Background()
	st := New(store.Limits{Cap: 10, ClearanceMargin: 0, LargePayloadBytes: 4096})

	for i := 1; i <= 30; i++ {
		op := domain.PendingOperation{
			LocalID:    int64(i),
			Type:       domain.OpCreate,
			Collection: domain.CollectionSales,
			TargetID:   fmt.Sprintf("s%d", i),
			Status:     domain.OpStatusPending,
			Priority:   domain.PriorityDefault,
		}
		rec, err := store.NewRecord(domain.CollectionPendingOps, fmt.Sprintf("op-%012d", i), op, int64(i), domain.SyncStatusLocal)
		if err != nil {
			t.Fatalf("new record: %v", err)
		}
		if err := st.Put(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	count, err := st.Count(ctx, domain.CollectionPendingOps)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 30 {
		t.Fatalf("pending operations must never be evicted, got %d of 30", count)
	}
}
