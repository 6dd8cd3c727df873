package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"lokalkasir/terminal/internal/domain"
	"lokalkasir/terminal/internal/events"
	"lokalkasir/terminal/internal/products"
	"lokalkasir/terminal/internal/queue"
	"lokalkasir/terminal/internal/remote"
	"lokalkasir/terminal/internal/store"
)

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StatePaused  State = "paused"
)

type Config struct {
	// Collections pulled from the remote, in order.
	Collections []string
	PageSize    int
	// ReconnectInterval paces the remote reachability checks while paused
	// after an outage.
	ReconnectInterval time.Duration
	// LowStockThreshold, when positive, emits a stock_low event after each
	// cycle for cached products at or below it.
	LowStockThreshold int
}

func DefaultConfig() Config {
	return Config{
		Collections:       []string{domain.CollectionProducts, domain.CollectionSales, domain.CollectionCashboxes},
		PageSize:          100,
		ReconnectInterval: 15 * time.Second,
	}
}

type watermark struct {
	TS int64 `json:"ts"`
}

// Engine reconciles the local store with the remote store: push (queue
// drain) then incremental pull per collection with last-writer-wins conflict
// resolution. Safe to call repeatedly and safe to interrupt; only one cycle
// runs at a time and overlapping requests coalesce.
type Engine struct {
	store  store.Store
	remote remote.Store
	queue  *queue.Queue
	bus    *events.Bus
	cache  *products.Cache
	clock  *store.Clock
	cfg    Config

	mu           sync.Mutex
	state        State
	online       bool
	reconnecting bool
	closed       bool
	cancels      []func()
	done         chan struct{}
}

func NewEngine(st store.Store, rem remote.Store, q *queue.Queue, bus *events.Bus, cache *products.Cache, clock *store.Clock, cfg Config) *Engine {
	if len(cfg.Collections) == 0 {
		cfg.Collections = DefaultConfig().Collections
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultConfig().ReconnectInterval
	}
	return &Engine{
		store:  st,
		remote: rem,
		queue:  q,
		bus:    bus,
		cache:  cache,
		clock:  clock,
		cfg:    cfg,
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetOnline records a connectivity transition. Going offline pauses the
// engine; an in-flight pull loop observes the flag at the next collection
// boundary. Coming back online starts a fresh cycle rather than resuming a
// stale one.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	prev := e.online
	e.online = online
	if online && e.state == StatePaused {
		e.state = StateIdle
	}
	if !online && e.state != StateSyncing {
		e.state = StatePaused
	}
	e.mu.Unlock()

	e.queue.SetOnline(online)
	if online == prev {
		return
	}
	if online {
		e.bus.Publish(events.SyncResumed, nil)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := e.Sync(ctx); err != nil {
				log.Printf("[sync] WARN: cycle after reconnect: %v", err)
			}
		}()
	} else {
		e.bus.Publish(events.SyncPaused, nil)
	}
}

// Sync runs one push+pull cycle. A request while a cycle is in flight is
// ignored; the in-flight cycle picks up the same pending work.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateSyncing || !e.online {
		e.mu.Unlock()
		return nil
	}
	e.state = StateSyncing
	e.mu.Unlock()

	started := time.Now()
	e.bus.Publish(events.SyncStarted, nil)

	pushed, pulled, err := e.cycle(ctx)
	e.mu.Lock()
	if e.online {
		e.state = StateIdle
	} else {
		e.state = StatePaused
	}
	e.mu.Unlock()

	if err != nil {
		// A lost remote pauses the engine the same way an explicit
		// SetOnline(false) would; a background check resumes it once the
		// remote answers again.
		if errors.Is(err, domain.ErrRemoteUnavailable) {
			e.pauseForOutage()
		}
		e.bus.Publish(events.SyncError, err)
		return err
	}

	// Confirmed ops are dead weight between cycles.
	if _, err := e.queue.ClearSynced(ctx); err != nil {
		log.Printf("[sync] WARN: clear synced operations: %v", err)
	}
	if e.cfg.LowStockThreshold > 0 && e.cache != nil {
		if low := e.cache.LowStock(e.cfg.LowStockThreshold); len(low) > 0 {
			e.bus.Publish(events.StockLow, low)
		}
	}
	e.bus.Publish(events.SyncCompleted, events.SyncSummaryPayload{
		Pushed:  pushed,
		Pulled:  pulled,
		Elapsed: time.Since(started),
	})
	return nil
}

func (e *Engine) pauseForOutage() {
	e.mu.Lock()
	if !e.online || e.closed {
		e.mu.Unlock()
		return
	}
	e.online = false
	e.state = StatePaused
	kick := !e.reconnecting
	e.reconnecting = true
	e.mu.Unlock()

	e.queue.SetOnline(false)
	e.bus.Publish(events.SyncPaused, nil)
	if kick {
		go e.reconnectLoop()
	}
}

// reconnectLoop polls the remote until it answers, then flips the engine
// back online, which starts a fresh cycle.
func (e *Engine) reconnectLoop() {
	ticker := time.NewTicker(e.cfg.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		}
		if !e.remoteReachable() {
			continue
		}
		e.mu.Lock()
		e.reconnecting = false
		closed := e.closed
		e.mu.Unlock()
		if !closed {
			e.SetOnline(true)
		}
		return
	}
}

// remoteReachable issues the cheapest read the remote supports; a not-found
// or empty answer still proves the remote is back.
func (e *Engine) remoteReachable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.remote.QueryDocuments(ctx, e.cfg.Collections[0], e.clock.Now(), 1)
	return !errors.Is(err, domain.ErrRemoteUnavailable)
}

func (e *Engine) cycle(ctx context.Context) (int, int, error) {
	res, err := e.queue.Drain(ctx)
	if err != nil {
		return res.Applied, 0, fmt.Errorf("push: %w", err)
	}

	pulled := 0
	for _, collection := range e.cfg.Collections {
		e.mu.Lock()
		online := e.online
		e.mu.Unlock()
		if !online {
			// Clean abort at the collection boundary; the next online
			// transition starts a fresh cycle.
			return res.Applied, pulled, nil
		}

		n, err := e.pullCollection(ctx, collection)
		pulled += n
		if err != nil {
			return res.Applied, pulled, fmt.Errorf("pull %s: %w", collection, err)
		}
	}
	return res.Applied, pulled, nil
}

func (e *Engine) pullCollection(ctx context.Context, collection string) (int, error) {
	cursor, err := e.loadWatermark(ctx, collection)
	if err != nil {
		return 0, err
	}

	pulled := 0
	for {
		docs, err := e.remote.QueryDocuments(ctx, collection, cursor, e.cfg.PageSize)
		if err != nil {
			return pulled, err
		}
		if len(docs) == 0 {
			return pulled, nil
		}

		batch := make([]domain.Record, 0, len(docs)+1)
		repush := make([]domain.PendingOperation, 0)
		maxTS := cursor
		for _, doc := range docs {
			if doc.UpdatedAt > maxTS {
				maxTS = doc.UpdatedAt
			}
			rec, op, err := e.resolve(ctx, collection, doc)
			if err != nil {
				return pulled, err
			}
			if rec != nil {
				batch = append(batch, *rec)
			}
			if op != nil {
				repush = append(repush, *op)
			}
		}

		// The advanced watermark commits in the same batch as the records it
		// covers; a crash can only lose both together, never just the records.
		wmRec, err := store.NewRecord(domain.CollectionMetadata, watermarkID(collection), watermark{TS: maxTS}, e.clock.Now(), domain.SyncStatusLocal)
		if err != nil {
			return pulled, err
		}
		batch = append(batch, wmRec)
		if err := e.store.PutBatch(ctx, batch); err != nil {
			return pulled, err
		}
		pulled += len(docs)
		cursor = maxTS

		for _, op := range repush {
			if _, err := e.queue.Enqueue(ctx, op); err != nil {
				log.Printf("[sync] WARN: enqueue re-push %s/%s: %v", op.Collection, op.TargetID, err)
			}
		}

		if len(docs) < e.cfg.PageSize {
			return pulled, nil
		}
	}
}

// resolve applies last-writer-wins between an incoming remote document and
// the local record with the same id. Strictly newer local keeps local and
// schedules a re-push; otherwise the remote version wins, with equal
// timestamps treated as already consistent.
func (e *Engine) resolve(ctx context.Context, collection string, doc remote.Document) (*domain.Record, *domain.PendingOperation, error) {
	local, err := e.store.Get(ctx, collection, doc.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		rec := domain.Record{
			ID:         doc.ID,
			Collection: collection,
			Payload:    doc.Data,
			UpdatedAt:  doc.UpdatedAt,
			SyncStatus: domain.SyncStatusSynced,
		}
		e.refreshCache(collection, rec)
		return &rec, nil, nil
	}

	if local.UpdatedAt > doc.UpdatedAt {
		e.bus.Publish(events.ConflictResolved, events.ConflictPayload{
			Collection: collection,
			ID:         doc.ID,
			Side:       "local",
			LocalTS:    local.UpdatedAt,
			RemoteTS:   doc.UpdatedAt,
		})
		kept := *local
		kept.SyncStatus = domain.SyncStatusPending
		op := domain.PendingOperation{
			Type:            domain.OpUpdate,
			Collection:      collection,
			TargetID:        doc.ID,
			Data:            kept.Payload,
			Priority:        domain.PriorityDefault,
			TargetUpdatedAt: kept.UpdatedAt,
		}
		return &kept, &op, nil
	}

	e.bus.Publish(events.ConflictResolved, events.ConflictPayload{
		Collection: collection,
		ID:         doc.ID,
		Side:       "remote",
		LocalTS:    local.UpdatedAt,
		RemoteTS:   doc.UpdatedAt,
	})
	rec := domain.Record{
		ID:         doc.ID,
		Collection: collection,
		Payload:    doc.Data,
		UpdatedAt:  doc.UpdatedAt,
		SyncStatus: domain.SyncStatusSynced,
	}
	e.refreshCache(collection, rec)
	return &rec, nil, nil
}

func (e *Engine) refreshCache(collection string, rec domain.Record) {
	if e.cache == nil || collection != domain.CollectionProducts {
		return
	}
	var p domain.Product
	if err := store.Decode(&rec, &p); err != nil {
		log.Printf("[sync] WARN: undecodable product %s from pull: %v", rec.ID, err)
		return
	}
	e.cache.Refresh(p)
}

// WatchRemote subscribes to remote change notifications for every tracked
// collection and kicks a coalesced sync cycle on change. Best effort on top
// of the periodic pull.
func (e *Engine) WatchRemote() error {
	for _, collection := range e.cfg.Collections {
		cancel, err := e.remote.Subscribe(collection, func(remote.Document) {
			ctx, done := context.WithTimeout(context.Background(), time.Minute)
			defer done()
			if err := e.Sync(ctx); err != nil {
				log.Printf("[sync] WARN: change-triggered cycle: %v", err)
			}
		})
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.cancels = append(e.cancels, cancel)
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) Close() {
	e.mu.Lock()
	cancels := e.cancels
	e.cancels = nil
	alreadyClosed := e.closed
	e.closed = true
	e.mu.Unlock()
	if !alreadyClosed {
		close(e.done)
	}
	for _, cancel := range cancels {
		cancel()
	}
}

func (e *Engine) loadWatermark(ctx context.Context, collection string) (int64, error) {
	rec, err := e.store.Get(ctx, domain.CollectionMetadata, watermarkID(collection))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var wm watermark
	if err := store.Decode(rec, &wm); err != nil {
		return 0, err
	}
	return wm.TS, nil
}

func watermarkID(collection string) string {
	return "last_sync:" + collection
}
