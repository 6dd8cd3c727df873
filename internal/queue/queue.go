package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"lokalkasir/terminal/internal/domain"
	"lokalkasir/terminal/internal/remote"
	"lokalkasir/terminal/internal/store"
)

const stateRecordID = "queue_state"

func opRecordID(localID int64) string {
	return fmt.Sprintf("op-%012d", localID)
}

type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:   5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     5 * time.Minute,
	}
}

type queueState struct {
	NextLocalID int64 `json:"next_local_id"`
}

// Result summarizes one drain cycle.
type Result struct {
	Applied int
	Failed  int
	Skipped int
}

// Queue is the durable mutation queue between local writes and the remote
// store. Delivery is at-least-once; remote application is idempotent by
// (targetId, type), so the net effect is exactly-once.
type Queue struct {
	store  store.Store
	remote remote.Store
	clock  *store.Clock
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	draining bool
	online   bool
	nextID   int64
	loaded   bool
}

func New(st store.Store, rem remote.Store, clock *store.Clock, cfg Config) *Queue {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig().InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	return &Queue{
		store:  st,
		remote: rem,
		clock:  clock,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	q.online = online
	q.mu.Unlock()
}

// Enqueue validates and durably records a mutation for later remote
// application. If the terminal is online and no drain is in flight, a drain
// attempt is kicked off without blocking the caller.
func (q *Queue) Enqueue(ctx context.Context, op domain.PendingOperation) (*domain.PendingOperation, error) {
	switch op.Type {
	case domain.OpCreate, domain.OpUpdate, domain.OpDelete:
	default:
		return nil, fmt.Errorf("%w: operation type %q", domain.ErrValidation, op.Type)
	}
	if !store.KnownCollection(op.Collection) {
		return nil, fmt.Errorf("%w: operation collection %q", domain.ErrValidation, op.Collection)
	}
	if op.TargetID == "" {
		return nil, fmt.Errorf("%w: operation missing target id", domain.ErrValidation)
	}
	if op.Type != domain.OpDelete && len(op.Data) == 0 {
		return nil, fmt.Errorf("%w: %s operation missing data", domain.ErrValidation, op.Type)
	}
	if op.Priority <= 0 {
		op.Priority = domain.PriorityDefault
	}

	// The id assignment, the batch commit, and the id advance stay under one
	// lock; a concurrent enqueue must not reuse the id and overwrite the
	// first record.
	q.mu.Lock()
	if err := q.loadStateLocked(ctx); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	op.LocalID = q.nextID
	op.Status = domain.OpStatusPending
	op.RetryCount = 0
	op.CreatedAt = q.now()
	next := queueState{NextLocalID: q.nextID + 1}

	opRec, err := store.NewRecord(domain.CollectionPendingOps, opRecordID(op.LocalID), op, q.clock.Now(), domain.SyncStatusLocal)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	stateRec, err := store.NewRecord(domain.CollectionMetadata, stateRecordID, next, q.clock.Now(), domain.SyncStatusLocal)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	if err := q.store.PutBatch(ctx, []domain.Record{opRec, stateRec}); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.nextID = next.NextLocalID
	kick := q.online && !q.draining
	q.mu.Unlock()

	if kick {
		go func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := q.Drain(drainCtx); err != nil {
				log.Printf("[queue] WARN: drain after enqueue: %v", err)
			}
		}()
	}
	return &op, nil
}

// Drain applies every eligible pending operation in (priority, createdAt)
// order. Failures increment the retry count; operations at the retry budget
// move to failed and are excluded from future drains. A second Drain while
// one is in flight is coalesced into a no-op.
func (q *Queue) Drain(ctx context.Context) (Result, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return Result{}, nil
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	ops, err := q.pendingOps(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	now := q.now()
	for _, op := range ops {
		if op.RetryCount > 0 && now.Before(op.LastRetryAt.Add(q.backoff(op.RetryCount))) {
			res.Skipped++
			continue
		}

		applyErr := q.apply(ctx, op)
		if applyErr == nil {
			op.Status = domain.OpStatusSynced
			if err := q.persistOp(ctx, op); err != nil {
				return res, err
			}
			q.markRecordSynced(ctx, op)
			res.Applied++
			continue
		}

		// A dead remote fails everything. Abort without charging the retry
		// budget: an outage is a connectivity state, not an operation fault,
		// and the ops must survive it intact however long it lasts.
		if isUnavailable(applyErr) {
			res.Failed++
			return res, fmt.Errorf("drain aborted: %w", domain.ErrRemoteUnavailable)
		}

		op.RetryCount++
		op.LastRetryAt = q.now()
		op.LastError = applyErr.Error()
		if op.RetryCount >= q.cfg.MaxRetries {
			op.Status = domain.OpStatusFailed
			log.Printf("[queue] WARN: operation %d (%s %s/%s) exceeded %d retries, marked failed: %v",
				op.LocalID, op.Type, op.Collection, op.TargetID, q.cfg.MaxRetries, applyErr)
		}
		if err := q.persistOp(ctx, op); err != nil {
			return res, err
		}
		res.Failed++
	}
	return res, nil
}

// ClearSynced purges confirmed operations, bounding queue growth.
func (q *Queue) ClearSynced(ctx context.Context) (int, error) {
	recs, err := store.QueryAll(ctx, q.store, domain.CollectionPendingOps, nil)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range recs {
		var op domain.PendingOperation
		if err := store.Decode(&rec, &op); err != nil {
			continue
		}
		if op.Status != domain.OpStatusSynced {
			continue
		}
		if err := q.store.Delete(ctx, domain.CollectionPendingOps, rec.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ListFailed returns operations that exhausted their retry budget. They stay
// listable until manually remediated; they are never silently dropped.
func (q *Queue) ListFailed(ctx context.Context) ([]domain.PendingOperation, error) {
	return q.opsWithStatus(ctx, domain.OpStatusFailed)
}

func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	ops, err := q.opsWithStatus(ctx, domain.OpStatusPending)
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

func (q *Queue) pendingOps(ctx context.Context) ([]domain.PendingOperation, error) {
	ops, err := q.opsWithStatus(ctx, domain.OpStatusPending)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(ops, func(a, b domain.PendingOperation) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if a.CreatedAt.Before(b.CreatedAt) {
				return -1
			}
			return 1
		}
		return int(a.LocalID - b.LocalID)
	})
	return ops, nil
}

func (q *Queue) opsWithStatus(ctx context.Context, status domain.OpStatus) ([]domain.PendingOperation, error) {
	recs, err := store.QueryAll(ctx, q.store, domain.CollectionPendingOps, nil)
	if err != nil {
		return nil, err
	}
	ops := make([]domain.PendingOperation, 0, len(recs))
	for _, rec := range recs {
		var op domain.PendingOperation
		if err := store.Decode(&rec, &op); err != nil {
			log.Printf("[queue] WARN: undecodable pending operation %s: %v", rec.ID, err)
			continue
		}
		if op.Status == status {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

func (q *Queue) apply(ctx context.Context, op domain.PendingOperation) error {
	ts := op.TargetUpdatedAt
	if ts == 0 {
		ts = q.clock.Now()
	}
	switch op.Type {
	case domain.OpCreate:
		return q.remote.PutDocument(ctx, op.Collection, op.TargetID, op.Data, ts)
	case domain.OpUpdate:
		return q.remote.UpdateDocument(ctx, op.Collection, op.TargetID, op.Data, ts)
	case domain.OpDelete:
		return q.remote.DeleteDocument(ctx, op.Collection, op.TargetID)
	default:
		return fmt.Errorf("%w: operation type %q", domain.ErrValidation, op.Type)
	}
}

func (q *Queue) persistOp(ctx context.Context, op domain.PendingOperation) error {
	rec, err := store.NewRecord(domain.CollectionPendingOps, opRecordID(op.LocalID), op, q.clock.Now(), domain.SyncStatusLocal)
	if err != nil {
		return err
	}
	return q.store.Put(ctx, rec)
}

// markRecordSynced flips the local record's sync status once its mutation is
// confirmed remotely. The record timestamp is left untouched.
func (q *Queue) markRecordSynced(ctx context.Context, op domain.PendingOperation) {
	rec, err := q.store.Get(ctx, op.Collection, op.TargetID)
	if err != nil {
		return
	}
	if rec.SyncStatus == domain.SyncStatusSynced {
		return
	}
	rec.SyncStatus = domain.SyncStatusSynced
	if err := q.store.Put(ctx, *rec); err != nil {
		log.Printf("[queue] WARN: mark %s/%s synced: %v", op.Collection, op.TargetID, err)
	}
}

func (q *Queue) loadStateLocked(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	rec, err := q.store.Get(ctx, domain.CollectionMetadata, stateRecordID)
	if err == nil {
		var st queueState
		if decodeErr := store.Decode(rec, &st); decodeErr == nil && st.NextLocalID > 0 {
			q.nextID = st.NextLocalID
		}
	}
	if q.nextID == 0 {
		q.nextID = 1
	}
	q.loaded = true
	return nil
}

func (q *Queue) backoff(retryCount int) time.Duration {
	delay := q.cfg.InitialDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= q.cfg.MaxDelay {
			return q.cfg.MaxDelay
		}
	}
	if delay > q.cfg.MaxDelay {
		return q.cfg.MaxDelay
	}
	return delay
}

func isUnavailable(err error) bool {
	return errors.Is(err, domain.ErrRemoteUnavailable)
}
