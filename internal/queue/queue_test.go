package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lokalkasir/terminal/internal/domain"
	"lokalkasir/terminal/internal/remote"
	remotememory "lokalkasir/terminal/internal/remote/memory"
	"lokalkasir/terminal/internal/store"
	storememory "lokalkasir/terminal/internal/store/memory"
)

func newTestQueue(t *testing.T) (*Queue, *storememory.Store, *remotememory.Store) {
	t.Helper()
	local := storememory.New(store.DefaultLimits())
	rem := remotememory.New()
	q := New(local, rem, store.NewClock(), DefaultConfig())
	return q, local, rem
}

func saleOp(id string) domain.PendingOperation {
	data, _ := json.Marshal(domain.Sale{ID: id, TerminalID: "t1", TotalCents: 13000})
	return domain.PendingOperation{
		Type:       domain.OpCreate,
		Collection: domain.CollectionSales,
		TargetID:   id,
		Data:       data,
		Priority:   domain.PrioritySale,
	}
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	cases := []domain.PendingOperation{
		{Type: "UPSERT", Collection: domain.CollectionSales, TargetID: "s1", Data: []byte(`{}`)},
		{Type: domain.OpCreate, Collection: "nope", TargetID: "s1", Data: []byte(`{}`)},
		{Type: domain.OpCreate, Collection: domain.CollectionSales, Data: []byte(`{}`)},
		{Type: domain.OpCreate, Collection: domain.CollectionSales, TargetID: "s1"},
	}
	for i, op := range cases {
		if _, err := q.Enqueue(ctx, op); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestEnqueueAssignsSequentialIDs(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	first, err := q.Enqueue(ctx, saleOp("s1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, saleOp("s2"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if second.LocalID != first.LocalID+1 {
		t.Fatalf("ids not sequential: %d then %d", first.LocalID, second.LocalID)
	}
	if first.Status != domain.OpStatusPending {
		t.Fatalf("expected pending status, got %s", first.Status)
	}
}

func TestConcurrentEnqueuesKeepEveryOp(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	const workers = 64
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := q.Enqueue(ctx, saleOp(fmt.Sprintf("s-%03d", n))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("enqueue: %v", err)
	}

	ops, err := q.pendingOps(ctx)
	if err != nil {
		t.Fatalf("pending ops: %v", err)
	}
	if len(ops) != workers {
		t.Fatalf("enqueued %d ops but %d survive", workers, len(ops))
	}
	seen := make(map[int64]bool, workers)
	for _, op := range ops {
		if seen[op.LocalID] {
			t.Fatalf("local id %d assigned twice", op.LocalID)
		}
		seen[op.LocalID] = true
	}
}

func TestDrainAppliesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, local, rem := newTestQueue(t)

	// The local sale record whose sync status the drain should flip.
	data, _ := json.Marshal(domain.Sale{ID: "s1", TotalCents: 13000})
	rec := domain.Record{ID: "s1", Collection: domain.CollectionSales, Payload: data, UpdatedAt: 10, SyncStatus: domain.SyncStatusPending}
	if err := local.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := q.Enqueue(ctx, saleOp("s1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Applied != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	pending, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if pending != 0 {
		t.Fatalf("queue should be empty, %d pending", pending)
	}
	got, err := local.Get(ctx, domain.CollectionSales, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SyncStatus != domain.SyncStatusSynced {
		t.Fatalf("record not marked synced: %s", got.SyncStatus)
	}
	if _, err := rem.GetDocument(ctx, domain.CollectionSales, "s1"); err != nil {
		t.Fatalf("document missing remotely: %v", err)
	}

	// A second drain has nothing to do and must not re-send.
	res, err = q.Drain(ctx)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if res.Applied != 0 {
		t.Fatalf("second drain re-applied %d ops", res.Applied)
	}
	if calls := rem.PutCalls(domain.CollectionSales, "s1"); calls != 1 {
		t.Fatalf("expected exactly one remote write, got %d", calls)
	}
}

func TestDrainPriorityOrder(t *testing.T) {
	ctx := context.Background()
	q, _, rem := newTestQueue(t)

	low := saleOp("low")
	low.Priority = domain.PriorityDefault
	if _, err := q.Enqueue(ctx, low); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	high := saleOp("high")
	high.Priority = domain.PrioritySale
	if _, err := q.Enqueue(ctx, high); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var order []string
	cancel, err := rem.Subscribe(domain.CollectionSales, func(doc remote.Document) {
		order = append(order, doc.ID)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if _, err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(order) != 2 || order[0] != "high" || order[1] != "low" {
		t.Fatalf("expected high-priority op first, got %v", order)
	}
}

func TestRetryBackoffToFailed(t *testing.T) {
	ctx := context.Background()
	local := storememory.New(store.DefaultLimits())
	rem := remotememory.New()
	q := New(local, rem, store.NewClock(), Config{MaxRetries: 5, InitialDelay: 2 * time.Second, MaxDelay: 5 * time.Minute})

	current := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return current }

	if _, err := q.Enqueue(ctx, saleOp("s1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 5; i++ {
		rem.FailNext(1)
		res, err := q.Drain(ctx)
		if err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
		if res.Failed != 1 {
			t.Fatalf("drain %d: expected one failure, got %+v", i, res)
		}
		// Step past the backoff window so the next drain retries.
		current = current.Add(10 * time.Minute)
	}

	failed, err := q.ListFailed(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].TargetID != "s1" {
		t.Fatalf("expected one failed op for s1, got %+v", failed)
	}
	if failed[0].RetryCount != 5 {
		t.Fatalf("expected 5 retries, got %d", failed[0].RetryCount)
	}

	// The failed op stays out of the candidate set.
	res, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Applied != 0 {
		t.Fatalf("failed op must not be retried, applied %d", res.Applied)
	}
	if calls := rem.PutCalls(domain.CollectionSales, "s1"); calls != 0 {
		t.Fatalf("failed op reached the remote %d times", calls)
	}
}

func TestOutageDoesNotChargeRetries(t *testing.T) {
	ctx := context.Background()
	q, _, rem := newTestQueue(t)

	if _, err := q.Enqueue(ctx, saleOp("s1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// However long the outage, aborted drains must not march the op toward
	// failed.
	rem.SetUnavailable(true)
	for i := 0; i < 2*q.cfg.MaxRetries; i++ {
		if _, err := q.Drain(ctx); !errors.Is(err, domain.ErrRemoteUnavailable) {
			t.Fatalf("drain %d: expected ErrRemoteUnavailable, got %v", i, err)
		}
	}

	ops, err := q.pendingOps(ctx)
	if err != nil {
		t.Fatalf("pending ops: %v", err)
	}
	if len(ops) != 1 || ops[0].RetryCount != 0 {
		t.Fatalf("outage must leave ops untouched, got %+v", ops)
	}

	rem.SetUnavailable(false)
	res, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Applied != 1 {
		t.Fatalf("op should apply once the remote answers, got %+v", res)
	}
}

func TestBackoffWindowSkips(t *testing.T) {
	ctx := context.Background()
	local := storememory.New(store.DefaultLimits())
	rem := remotememory.New()
	q := New(local, rem, store.NewClock(), Config{MaxRetries: 5, InitialDelay: 2 * time.Second, MaxDelay: 5 * time.Minute})

	current := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return current }

	if _, err := q.Enqueue(ctx, saleOp("s1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rem.FailNext(1)
	res0, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res0.Failed != 1 {
		t.Fatalf("expected one rejected op, got %+v", res0)
	}

	// Within the backoff window: skipped, not retried.
	current = current.Add(time.Second)
	res, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Skipped != 1 || res.Applied != 0 {
		t.Fatalf("expected one skip inside backoff window, got %+v", res)
	}

	// Past the window: applied.
	current = current.Add(5 * time.Second)
	res, err = q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Applied != 1 {
		t.Fatalf("expected retry to apply, got %+v", res)
	}
}

func TestBackoffDoubling(t *testing.T) {
	q, _, _ := newTestQueue(t)
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, expect := range want {
		if got := q.backoff(i + 1); got != expect {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, expect)
		}
	}
	if got := q.backoff(30); got != 5*time.Minute {
		t.Fatalf("backoff must cap at MaxDelay, got %v", got)
	}
}

func TestClearSynced(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	if _, err := q.Enqueue(ctx, saleOp("s1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	removed, err := q.ClearSynced(ctx)
	if err != nil {
		t.Fatalf("clear synced: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
}

func TestQueueStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	local := storememory.New(store.DefaultLimits())
	rem := remotememory.New()
	clock := store.NewClock()

	q1 := New(local, rem, clock, DefaultConfig())
	first, err := q1.Enqueue(ctx, saleOp("s1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A fresh queue over the same store continues the id sequence.
	q2 := New(local, rem, clock, DefaultConfig())
	second, err := q2.Enqueue(ctx, saleOp("s2"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if second.LocalID != first.LocalID+1 {
		t.Fatalf("id sequence not durable: %d then %d", first.LocalID, second.LocalID)
	}
}
