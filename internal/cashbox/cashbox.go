package cashbox

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"lokalkasir/terminal/internal/domain"
	"lokalkasir/terminal/internal/events"
	"lokalkasir/terminal/internal/queue"
	"lokalkasir/terminal/internal/store"
	"lokalkasir/terminal/internal/xid"
)

// Authorizer approves a close whose counted amount deviates beyond the
// configured threshold.
type Authorizer interface {
	AuthorizeDifference(pin string) bool
}

type Config struct {
	TerminalID string
	// DifferenceThresholdCents is the absolute deviation between counted and
	// expected amounts above which a close needs supervisor authorization.
	DifferenceThresholdCents int64
}

// Manager keeps the terminal's cash ledger. One cashbox is open per terminal
// at a time; every balance change is a movement appended atomically with the
// updated running balance. The local ledger is the source of truth for the
// balance, remote durability rides the pending-operation queue.
type Manager struct {
	store store.Store
	queue *queue.Queue
	bus   *events.Bus
	clock *store.Clock
	authz Authorizer
	cfg   Config

	mu sync.Mutex
}

func NewManager(st store.Store, q *queue.Queue, bus *events.Bus, clock *store.Clock, authz Authorizer, cfg Config) *Manager {
	return &Manager{
		store: st,
		queue: q,
		bus:   bus,
		clock: clock,
		authz: authz,
		cfg:   cfg,
	}
}

// OpenShift starts a shift window for the terminal. At most one shift is
// open at a time.
func (m *Manager) OpenShift(ctx context.Context, actor domain.Actor) (*domain.Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, err := m.openShiftLocked(ctx); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: shift %s is still open", domain.ErrAlreadyOpen, existing.ID)
	}

	shift := domain.Shift{
		ID:          xid.New("shift"),
		TerminalID:  m.cfg.TerminalID,
		CashierName: actor.DisplayName,
		Status:      domain.ShiftStatusOpen,
		OpenedAt:    time.Now().UTC(),
	}
	if err := m.putShiftLocked(ctx, shift); err != nil {
		return nil, err
	}
	return &shift, nil
}

// CloseShift ends the open shift. The cashbox must be closed first.
func (m *Manager) CloseShift(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	shift, err := m.openShiftLocked(ctx)
	if err != nil {
		return err
	}
	if shift == nil {
		return domain.ErrNoActiveShift
	}
	if box, err := m.openBoxLocked(ctx); err != nil {
		return err
	} else if box != nil {
		return fmt.Errorf("%w: cashbox %s must be closed first", domain.ErrValidation, box.ID)
	}

	now := time.Now().UTC()
	shift.Status = domain.ShiftStatusClosed
	shift.ClosedAt = &now
	return m.putShiftLocked(ctx, *shift)
}

// Open creates a cashbox for the active shift with an opening float. The box
// and its open movement commit in one batch.
func (m *Manager) Open(ctx context.Context, actor domain.Actor, initialAmountCents int64) (*domain.Cashbox, error) {
	if initialAmountCents < 0 {
		return nil, fmt.Errorf("%w: initial amount must not be negative", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, err := m.openBoxLocked(ctx); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: cashbox %s", domain.ErrAlreadyOpen, existing.ID)
	}
	shift, err := m.openShiftLocked(ctx)
	if err != nil {
		return nil, err
	}
	if shift == nil {
		return nil, domain.ErrNoActiveShift
	}

	now := time.Now().UTC()
	box := domain.Cashbox{
		ID:                 xid.New("box"),
		TerminalID:         m.cfg.TerminalID,
		ShiftID:            shift.ID,
		OpenedAt:           now,
		InitialAmountCents: initialAmountCents,
		CurrentAmountCents: initialAmountCents,
		Status:             domain.CashboxStatusOpen,
	}
	opening := domain.Movement{
		ID:          xid.New("mov"),
		CashboxID:   box.ID,
		Type:        domain.MovementOpen,
		AmountCents: initialAmountCents,
		Description: "opening float",
		Timestamp:   now,
		ActorID:     actor.ID,
	}
	box.Movements = append(box.Movements, opening)

	if err := m.persistLocked(ctx, box, opening); err != nil {
		return nil, err
	}
	if err := m.enqueueBoxLocked(ctx, box, domain.OpCreate); err != nil {
		return nil, err
	}
	m.bus.Publish(events.CashboxOpened, box)
	return &box, nil
}

// AddMovement applies a cash movement to the open box. The running balance
// and the movement commit atomically; remote sync is queued separately so
// the balance never waits on the network.
func (m *Manager) AddMovement(ctx context.Context, actor domain.Actor, mtype domain.MovementType, amountCents int64, description string) (*domain.Movement, error) {
	switch mtype {
	case domain.MovementSale, domain.MovementExpense, domain.MovementWithdrawal, domain.MovementDeposit:
		if amountCents <= 0 {
			return nil, fmt.Errorf("%w: %s amount must be positive", domain.ErrValidation, mtype)
		}
	case domain.MovementAdjustment:
		if amountCents == 0 {
			return nil, fmt.Errorf("%w: adjustment amount must not be zero", domain.ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: movement type %q not allowed here", domain.ErrValidation, mtype)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	box, err := m.openBoxLocked(ctx)
	if err != nil {
		return nil, err
	}
	if box == nil {
		return nil, fmt.Errorf("%w: no open cashbox", domain.ErrValidation)
	}

	mov := domain.Movement{
		ID:          xid.New("mov"),
		CashboxID:   box.ID,
		Type:        mtype,
		AmountCents: amountCents,
		Description: description,
		Timestamp:   time.Now().UTC(),
		ActorID:     actor.ID,
	}
	box.CurrentAmountCents += signedEffect(mov)
	box.Movements = append(box.Movements, mov)

	if err := m.persistLocked(ctx, *box, mov); err != nil {
		return nil, err
	}
	if err := m.enqueueBoxLocked(ctx, *box, domain.OpUpdate); err != nil {
		return nil, err
	}
	m.bus.Publish(events.CashMovementAdded, mov)
	return &mov, nil
}

// Close reconciles the open box against the counted amount. A deviation
// beyond the threshold needs a valid supervisor PIN. Closed boxes are
// immutable except for Lock.
func (m *Manager) Close(ctx context.Context, actor domain.Actor, finalAmountCents int64, notes string, supervisorPIN string) (*domain.Cashbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	box, err := m.openBoxLocked(ctx)
	if err != nil {
		return nil, err
	}
	if box == nil {
		return nil, fmt.Errorf("%w: no open cashbox", domain.ErrValidation)
	}

	expected := Expected(*box)
	difference := finalAmountCents - expected
	if abs(difference) > m.cfg.DifferenceThresholdCents {
		if m.authz == nil || !m.authz.AuthorizeDifference(supervisorPIN) {
			return nil, fmt.Errorf("%w: difference of %d cents exceeds threshold", domain.ErrUnauthorizedDifference, difference)
		}
	}
	return m.closeLocked(ctx, actor, box, finalAmountCents, difference, notes)
}

// AutoClose force-closes a box left open across the daily boundary, taking
// the expected amount as the counted amount. Never needs authorization but
// is always flagged for manual review.
func (m *Manager) AutoClose(ctx context.Context) (*domain.Cashbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	box, err := m.openBoxLocked(ctx)
	if err != nil {
		return nil, err
	}
	if box == nil {
		return nil, nil
	}

	expected := Expected(*box)
	log.Printf("[cashbox] WARN: auto-closing cashbox %s left open past the daily boundary, expected balance %d cents, review required", box.ID, expected)
	note := fmt.Sprintf("auto-closed at daily boundary on %s", time.Now().UTC().Format("2006-01-02"))
	return m.closeLocked(ctx, domain.Actor{ID: "system", DisplayName: "system"}, box, expected, 0, note)
}

// Lock flags an already-closed box. Open boxes cannot be locked.
func (m *Manager) Lock(ctx context.Context, boxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.Get(ctx, domain.CollectionCashboxes, boxID)
	if err != nil {
		return err
	}
	var box domain.Cashbox
	if err := store.Decode(rec, &box); err != nil {
		return err
	}
	if box.Status != domain.CashboxStatusClosed {
		return fmt.Errorf("%w: only closed cashboxes can be locked", domain.ErrValidation)
	}
	box.Locked = true

	rec2, err := store.NewRecord(domain.CollectionCashboxes, box.ID, box, m.clock.Now(), domain.SyncStatusPending)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, rec2); err != nil {
		return err
	}
	return m.enqueueBoxLocked(ctx, box, domain.OpUpdate)
}

// Current returns the open cashbox, or nil when none is open.
func (m *Manager) Current(ctx context.Context) (*domain.Cashbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openBoxLocked(ctx)
}

// Expected replays all movements over the opening float. Open and close
// markers carry no signed effect.
func Expected(box domain.Cashbox) int64 {
	total := box.InitialAmountCents
	for _, mov := range box.Movements {
		total += signedEffect(mov)
	}
	return total
}

func (m *Manager) closeLocked(ctx context.Context, actor domain.Actor, box *domain.Cashbox, finalAmountCents int64, difference int64, notes string) (*domain.Cashbox, error) {
	now := time.Now().UTC()
	closing := domain.Movement{
		ID:          xid.New("mov"),
		CashboxID:   box.ID,
		Type:        domain.MovementClose,
		AmountCents: finalAmountCents,
		Description: "closing count",
		Timestamp:   now,
		ActorID:     actor.ID,
	}
	box.Movements = append(box.Movements, closing)
	box.Status = domain.CashboxStatusClosed
	box.ClosedAt = &now
	box.FinalAmountCents = finalAmountCents
	box.DifferenceCents = difference
	box.Notes = notes

	if err := m.persistLocked(ctx, *box, closing); err != nil {
		return nil, err
	}
	if err := m.enqueueBoxLocked(ctx, *box, domain.OpUpdate); err != nil {
		return nil, err
	}
	m.bus.Publish(events.CashboxClosed, *box)
	return box, nil
}

// persistLocked writes the box snapshot and the movement in one batch.
func (m *Manager) persistLocked(ctx context.Context, box domain.Cashbox, mov domain.Movement) error {
	ts := m.clock.Now()
	boxRec, err := store.NewRecord(domain.CollectionCashboxes, box.ID, box, ts, domain.SyncStatusPending)
	if err != nil {
		return err
	}
	movRec, err := store.NewRecord(domain.CollectionCashMovements, mov.ID, mov, ts, domain.SyncStatusPending)
	if err != nil {
		return err
	}
	return m.store.PutBatch(ctx, []domain.Record{boxRec, movRec})
}

func (m *Manager) enqueueBoxLocked(ctx context.Context, box domain.Cashbox, op domain.OpType) error {
	rec, err := store.NewRecord(domain.CollectionCashboxes, box.ID, box, 0, domain.SyncStatusPending)
	if err != nil {
		return err
	}
	_, err = m.queue.Enqueue(ctx, domain.PendingOperation{
		Type:            op,
		Collection:      domain.CollectionCashboxes,
		TargetID:        box.ID,
		Data:            rec.Payload,
		Priority:        domain.PriorityCashbox,
		TargetUpdatedAt: m.clock.Now(),
	})
	return err
}

func (m *Manager) openBoxLocked(ctx context.Context) (*domain.Cashbox, error) {
	recs, err := store.QueryAll(ctx, m.store, domain.CollectionCashboxes, nil)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		var box domain.Cashbox
		if err := store.Decode(&recs[i], &box); err != nil {
			return nil, err
		}
		if box.TerminalID == m.cfg.TerminalID && box.Status == domain.CashboxStatusOpen {
			return &box, nil
		}
	}
	return nil, nil
}

func (m *Manager) openShiftLocked(ctx context.Context) (*domain.Shift, error) {
	recs, err := store.QueryAll(ctx, m.store, domain.CollectionShifts, nil)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		var shift domain.Shift
		if err := store.Decode(&recs[i], &shift); err != nil {
			return nil, err
		}
		if shift.TerminalID == m.cfg.TerminalID && shift.Status == domain.ShiftStatusOpen {
			return &shift, nil
		}
	}
	return nil, nil
}

func (m *Manager) putShiftLocked(ctx context.Context, shift domain.Shift) error {
	rec, err := store.NewRecord(domain.CollectionShifts, shift.ID, shift, m.clock.Now(), domain.SyncStatusLocal)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, rec)
}

func signedEffect(mov domain.Movement) int64 {
	switch mov.Type {
	case domain.MovementSale, domain.MovementDeposit:
		return mov.AmountCents
	case domain.MovementExpense, domain.MovementWithdrawal:
		return -mov.AmountCents
	case domain.MovementAdjustment:
		return mov.AmountCents
	default:
		return 0
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
