package events

import (
	"sync"
	"time"
)

type Type string

const (
	SyncStarted       Type = "sync_started"
	SyncCompleted     Type = "sync_completed"
	SyncError         Type = "sync_error"
	SyncPaused        Type = "sync_paused"
	SyncResumed       Type = "sync_resumed"
	ConflictResolved  Type = "conflict_resolved"
	CartUpdated       Type = "cart_updated"
	CartNotification  Type = "cart_notification"
	CashboxOpened     Type = "cashbox_opened"
	CashboxClosed     Type = "cashbox_closed"
	CashMovementAdded Type = "cash_movement_added"
	StockLow          Type = "stock_low"
)

type Event struct {
	Type    Type
	At      time.Time
	Payload any
}

// ConflictPayload carries both timestamps and the winning side of a
// last-writer-wins resolution, for audit and tests.
type ConflictPayload struct {
	Collection string
	ID         string
	Side       string // "local" or "remote"
	LocalTS    int64
	RemoteTS   int64
}

type NotificationPayload struct {
	Message string
	Kind    string // "info" or "warning"
}

type SyncSummaryPayload struct {
	Pushed  int
	Pulled  int
	Elapsed time.Duration
}

type Handler func(Event)

// Bus is a synchronous observer registry. Dispatch happens on the caller's
// goroutine, matching the single logical thread of control per terminal.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]Handler
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

func (b *Bus) Subscribe(h Handler) (cancel func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *Bus) Publish(t Type, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	evt := Event{Type: t, At: time.Now().UTC(), Payload: payload}
	for _, h := range handlers {
		h(evt)
	}
}
