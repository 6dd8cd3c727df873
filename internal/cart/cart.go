package cart

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"lokalkasir/terminal/internal/auth"
	"lokalkasir/terminal/internal/domain"
	"lokalkasir/terminal/internal/events"
	"lokalkasir/terminal/internal/products"
	"lokalkasir/terminal/internal/queue"
	"lokalkasir/terminal/internal/schedule"
	"lokalkasir/terminal/internal/store"
	"lokalkasir/terminal/internal/xid"
)

type Config struct {
	TerminalID string
	// TaxRatePercent is the tax applied after the global discount, e.g. 11
	// for 11%.
	TaxRatePercent float64
	// MaxGlobalDiscountCents caps the absolute global discount. Zero means
	// no cap.
	MaxGlobalDiscountCents int64
	HoldTimeout            time.Duration
}

// Manager owns the terminal's current cart and serializes all mutations on
// it. Every successful mutation persists the full cart snapshot before the
// in-memory state is replaced, so a storage failure leaves the previous
// state intact.
type Manager struct {
	store store.Store
	queue *queue.Queue
	bus   *events.Bus
	cache *products.Cache
	clock *store.Clock
	auth  auth.Provider
	cfg   Config

	mu        sync.Mutex
	cart      domain.Cart
	started   bool
	holdTimer *schedule.Timer
}

func NewManager(st store.Store, q *queue.Queue, bus *events.Bus, cache *products.Cache, clock *store.Clock, authp auth.Provider, cfg Config) *Manager {
	if cfg.HoldTimeout <= 0 {
		cfg.HoldTimeout = 30 * time.Minute
	}
	return &Manager{
		store: st,
		queue: q,
		bus:   bus,
		cache: cache,
		clock: clock,
		auth:  authp,
		cfg:   cfg,
	}
}

// Current returns a snapshot of the cart.
func (m *Manager) Current() domain.Cart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneCart(m.cart)
}

// AddItem adds quantity units of the product at its cached price.
func (m *Manager) AddItem(ctx context.Context, productID string, quantity int) error {
	product, ok := m.cache.Get(productID)
	if !ok {
		return fmt.Errorf("%w: unknown product %s", domain.ErrValidation, productID)
	}
	return m.AddItemAt(ctx, productID, quantity, product.PriceCents)
}

// AddItemAt adds quantity units at an explicit unit price. Lines merge only
// when both the product and the unit price match; a price-distinct line
// stays separate so each line keeps the price it was sold at.
func (m *Manager) AddItemAt(ctx context.Context, productID string, quantity int, unitPriceCents int64) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
	}
	product, ok := m.cache.Get(productID)
	if !ok {
		return fmt.Errorf("%w: unknown product %s", domain.ErrValidation, productID)
	}
	if unitPriceCents < product.CostCents {
		return fmt.Errorf("%w: product %s", domain.ErrPriceBelowCost, productID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutableLocked(); err != nil {
		return err
	}
	next := m.workingCopyLocked()

	available := product.Stock - quantityInCart(next, productID)
	if available < quantity {
		return fmt.Errorf("%w: product %s has %d available", domain.ErrInsufficientStock, productID, available)
	}

	// A line that already carries its own discounts never merges; the new
	// quantity starts a fresh line so the discount stays on the units it was
	// granted for.
	merged := false
	for i := range next.Items {
		it := &next.Items[i]
		if it.ProductID == productID && it.UnitPriceCents == unitPriceCents && len(it.Discounts) == 0 {
			it.Quantity += quantity
			merged = true
			break
		}
	}
	if !merged {
		next.Items = append(next.Items, domain.CartItem{
			ID:                 xid.New("item"),
			ProductID:          productID,
			Quantity:           quantity,
			UnitPriceCents:     unitPriceCents,
			OriginalPriceCents: product.PriceCents,
			CostPriceCents:     product.CostCents,
		})
	}
	return m.commitLocked(ctx, next)
}

// UpdateItemQuantity sets the quantity of a line. Zero removes the line.
// Increases validate only the incremental stock, so units already in the
// cart are not counted twice.
func (m *Manager) UpdateItemQuantity(ctx context.Context, itemID string, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutableLocked(); err != nil {
		return err
	}
	next := m.workingCopyLocked()

	idx := -1
	for i := range next.Items {
		if next.Items[i].ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: unknown cart item %s", domain.ErrValidation, itemID)
	}
	item := &next.Items[idx]

	if quantity == 0 {
		next.Items = append(next.Items[:idx], next.Items[idx+1:]...)
		return m.commitLocked(ctx, next)
	}

	product, ok := m.cache.Get(item.ProductID)
	if ok {
		if delta := quantity - item.Quantity; delta > 0 {
			available := product.Stock - quantityInCart(next, item.ProductID)
			if available < delta {
				return fmt.Errorf("%w: product %s has %d available", domain.ErrInsufficientStock, item.ProductID, available)
			}
		}
		if product.PriceCents != item.OriginalPriceCents {
			m.bus.Publish(events.CartNotification, events.NotificationPayload{
				Message: fmt.Sprintf("price of %s changed since it was added", product.Name),
				Kind:    "warning",
			})
		}
	}

	item.Quantity = quantity
	return m.commitLocked(ctx, next)
}

func (m *Manager) RemoveItem(ctx context.Context, itemID string) error {
	return m.UpdateItemQuantity(ctx, itemID, 0)
}

// ApplyDiscount sets the cart-wide percentage discount. The resulting amount
// is clamped to the configured maximum; when clamping kicks in the effective
// percentage is scaled down and a warning is emitted.
func (m *Manager) ApplyDiscount(ctx context.Context, percentage float64) error {
	caps := auth.CapabilitiesFor(m.auth.CurrentUser().Role)
	if !caps.CanApplyDiscount {
		return fmt.Errorf("%w: global discount requires supervisor role", domain.ErrForbidden)
	}
	if percentage < 0 || percentage > 100 {
		return fmt.Errorf("%w: discount percentage out of range", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutableLocked(); err != nil {
		return err
	}
	next := m.workingCopyLocked()

	for _, it := range next.Items {
		discounted := roundHalfUp(float64(it.UnitPriceCents) * (1 - percentage/100))
		if discounted < it.CostPriceCents {
			return fmt.Errorf("%w: %.1f%% takes product %s below cost", domain.ErrPriceBelowCost, percentage, it.ProductID)
		}
	}

	next.DiscountPercent = percentage
	subtotal := itemsSubtotal(next.Items)
	amount := roundHalfUp(float64(subtotal) * percentage / 100)
	if m.cfg.MaxGlobalDiscountCents > 0 && amount > m.cfg.MaxGlobalDiscountCents {
		amount = m.cfg.MaxGlobalDiscountCents
		if subtotal > 0 {
			next.DiscountPercent = float64(amount) / float64(subtotal) * 100
		}
		m.bus.Publish(events.CartNotification, events.NotificationPayload{
			Message: fmt.Sprintf("discount capped at %d cents", amount),
			Kind:    "warning",
		})
	}
	next.GlobalDiscountCents = amount
	return m.commitLocked(ctx, next)
}

// ApplyItemDiscount appends a percentage discount to one line.
func (m *Manager) ApplyItemDiscount(ctx context.Context, itemID string, percentage float64) error {
	caps := auth.CapabilitiesFor(m.auth.CurrentUser().Role)
	if !caps.CanApplyItemDiscount {
		return fmt.Errorf("%w: item discount not permitted", domain.ErrForbidden)
	}
	if percentage < 0 || percentage > 100 {
		return fmt.Errorf("%w: discount percentage out of range", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutableLocked(); err != nil {
		return err
	}
	next := m.workingCopyLocked()

	idx := -1
	for i := range next.Items {
		if next.Items[i].ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: unknown cart item %s", domain.ErrValidation, itemID)
	}
	item := &next.Items[idx]

	effective := effectiveUnitPrice(item.UnitPriceCents, append(append([]float64{}, item.Discounts...), percentage))
	if effective < item.CostPriceCents {
		return fmt.Errorf("%w: %.1f%% takes product %s below cost", domain.ErrPriceBelowCost, percentage, item.ProductID)
	}

	item.Discounts = append(item.Discounts, percentage)
	return m.commitLocked(ctx, next)
}

// Hold parks the cart. A held cart reverts to active automatically after the
// hold timeout unless resumed first.
func (m *Manager) Hold(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutableLocked(); err != nil {
		return err
	}
	if m.cart.Status != domain.CartStatusActive {
		return fmt.Errorf("%w: cart is not active", domain.ErrValidation)
	}

	next := m.workingCopyLocked()
	next.Status = domain.CartStatusHold
	if err := m.commitLocked(ctx, next); err != nil {
		return err
	}
	m.holdTimer = schedule.After(m.cfg.HoldTimeout, m.autoRevert)
	return nil
}

func (m *Manager) Resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cart.Status != domain.CartStatusHold {
		return fmt.Errorf("%w: cart is not on hold", domain.ErrValidation)
	}
	if m.holdTimer != nil {
		m.holdTimer.Cancel()
		m.holdTimer = nil
	}
	next := m.workingCopyLocked()
	next.Status = domain.CartStatusActive
	return m.commitLocked(ctx, next)
}

func (m *Manager) autoRevert() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cart.Status != domain.CartStatusHold {
		return
	}
	m.holdTimer = nil
	next := m.workingCopyLocked()
	next.Status = domain.CartStatusActive
	if err := m.commitLocked(ctx, next); err != nil {
		return
	}
	m.bus.Publish(events.CartNotification, events.NotificationPayload{
		Message: "held cart reverted to active after timeout",
		Kind:    "info",
	})
}

// SplitPayment validates that the payment amounts cover the cart total
// within one cent.
func (m *Manager) SplitPayment(payments []domain.PaymentSplit) error {
	m.mu.Lock()
	total := m.cart.TotalCents
	m.mu.Unlock()
	return validatePayments(payments, total)
}

// Complete checks out the cart: stock is re-validated against the cache, the
// sale is persisted locally and queued for remote sync, and the cart reaches
// its terminal state.
func (m *Manager) Complete(ctx context.Context, payments []domain.PaymentSplit) (*domain.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutableLocked(); err != nil {
		return nil, err
	}
	if m.cart.Status != domain.CartStatusActive {
		return nil, fmt.Errorf("%w: cart is not active", domain.ErrValidation)
	}
	if len(m.cart.Items) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", domain.ErrValidation)
	}
	if err := validatePayments(payments, m.cart.TotalCents); err != nil {
		return nil, err
	}

	// Cached stock may have moved since the items were added.
	needed := map[string]int{}
	for _, it := range m.cart.Items {
		needed[it.ProductID] += it.Quantity
	}
	for productID, qty := range needed {
		product, ok := m.cache.Get(productID)
		if !ok {
			return nil, fmt.Errorf("%w: unknown product %s", domain.ErrValidation, productID)
		}
		if product.Stock < qty {
			return nil, fmt.Errorf("%w: product %s has %d available", domain.ErrInsufficientStock, productID, product.Stock)
		}
	}

	cart := m.workingCopyLocked()
	now := time.Now().UTC()
	sale := domain.Sale{
		ID:             cart.SaleID,
		TerminalID:     cart.TerminalID,
		OperatorID:     cart.OperatorID,
		IdempotencyKey: cart.SaleID,
		Items:          cart.Items,
		SubtotalCents:  cart.SubtotalCents,
		DiscountCents:  cart.GlobalDiscountCents,
		TaxCents:       cart.TaxCents,
		TotalCents:     cart.TotalCents,
		Payments:       payments,
		CreatedAt:      now,
	}

	ts := m.clock.Now()
	rec, err := store.NewRecord(domain.CollectionSales, sale.ID, sale, ts, domain.SyncStatusPending)
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	if _, err := m.queue.Enqueue(ctx, domain.PendingOperation{
		Type:            domain.OpCreate,
		Collection:      domain.CollectionSales,
		TargetID:        sale.ID,
		Data:            rec.Payload,
		Priority:        domain.PrioritySale,
		TargetUpdatedAt: ts,
	}); err != nil {
		return nil, err
	}
	if err := m.store.Delete(ctx, domain.CollectionCarts, m.cartIDLocked()); err != nil {
		return nil, err
	}

	for productID, qty := range needed {
		if product, ok := m.cache.Get(productID); ok {
			m.cache.SetStock(productID, product.Stock-qty)
		}
	}

	m.cart.Status = domain.CartStatusCompleted
	m.bus.Publish(events.CartUpdated, cloneCart(m.cart))
	return &sale, nil
}

// Recalculate derives the cart totals from items and discounts alone. Per
// line: unit price x quantity with the line's percentage discounts applied in
// order. Tax applies after the global discount. All rounding is half-up to
// whole cents.
func Recalculate(c *domain.Cart, taxRatePercent float64) {
	for i := range c.Items {
		it := &c.Items[i]
		it.SubtotalCents = roundHalfUp(float64(effectiveUnitPrice(it.UnitPriceCents, it.Discounts)) * float64(it.Quantity))
	}
	subtotal := itemsSubtotal(c.Items)

	// The percentage is authoritative; the amount is derived on every
	// recompute so a changed subtotal never keeps a stale figure.
	global := c.GlobalDiscountCents
	if c.DiscountPercent > 0 {
		global = roundHalfUp(float64(subtotal) * c.DiscountPercent / 100)
	}
	if global > subtotal {
		global = subtotal
	}

	tax := roundHalfUp(float64(subtotal-global) * taxRatePercent / 100)
	c.SubtotalCents = subtotal
	c.GlobalDiscountCents = global
	c.TaxCents = tax
	c.TotalCents = subtotal - global + tax
}

// NewCart discards the current cart and starts a fresh one. The usual path
// after Complete; completed carts accept no further mutation.
func (m *Manager) NewCart() domain.Cart {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holdTimer != nil {
		m.holdTimer.Cancel()
		m.holdTimer = nil
	}
	m.startCartLocked()
	return cloneCart(m.cart)
}

func (m *Manager) mutableLocked() error {
	if !m.started {
		m.startCartLocked()
	}
	if m.cart.Status == domain.CartStatusCompleted {
		return domain.ErrCartCompleted
	}
	return nil
}

func (m *Manager) startCartLocked() {
	actor := m.auth.CurrentUser()
	now := time.Now().UTC()
	m.cart = domain.Cart{
		SaleID:     xid.New("sale"),
		TerminalID: m.cfg.TerminalID,
		OperatorID: actor.ID,
		Status:     domain.CartStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.started = true
}

func (m *Manager) workingCopyLocked() domain.Cart {
	return cloneCart(m.cart)
}

// commitLocked recalculates, persists the snapshot, and only then replaces
// the in-memory cart. A persistence failure leaves the previous state
// untouched.
func (m *Manager) commitLocked(ctx context.Context, next domain.Cart) error {
	Recalculate(&next, m.cfg.TaxRatePercent)
	if m.cfg.MaxGlobalDiscountCents > 0 && next.GlobalDiscountCents > m.cfg.MaxGlobalDiscountCents {
		next.GlobalDiscountCents = m.cfg.MaxGlobalDiscountCents
		next.TaxCents = roundHalfUp(float64(next.SubtotalCents-next.GlobalDiscountCents) * m.cfg.TaxRatePercent / 100)
		next.TotalCents = next.SubtotalCents - next.GlobalDiscountCents + next.TaxCents
	}
	next.UpdatedAt = time.Now().UTC()

	rec, err := store.NewRecord(domain.CollectionCarts, m.cartIDLocked(), next, m.clock.Now(), domain.SyncStatusLocal)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return err
	}
	m.cart = next
	m.bus.Publish(events.CartUpdated, cloneCart(next))
	return nil
}

func (m *Manager) cartIDLocked() string {
	return m.cart.TerminalID + ":" + m.cart.OperatorID
}

var paymentMethods = map[string]bool{
	"cash":     true,
	"card":     true,
	"qris":     true,
	"transfer": true,
}

func validatePayments(payments []domain.PaymentSplit, totalCents int64) error {
	var sum int64
	for _, p := range payments {
		if p.AmountCents <= 0 {
			return fmt.Errorf("%w: payment amounts must be positive", domain.ErrValidation)
		}
		if !paymentMethods[p.Method] {
			return fmt.Errorf("%w: unknown payment method %q", domain.ErrValidation, p.Method)
		}
		if p.Method != "cash" && p.Reference == "" {
			return fmt.Errorf("%w: %s payments need a reference", domain.ErrValidation, p.Method)
		}
		sum += p.AmountCents
	}
	if diff := sum - totalCents; diff > 1 || diff < -1 {
		return fmt.Errorf("%w: payments total %d, cart total %d", domain.ErrPaymentMismatch, sum, totalCents)
	}
	return nil
}

func quantityInCart(c domain.Cart, productID string) int {
	total := 0
	for _, it := range c.Items {
		if it.ProductID == productID {
			total += it.Quantity
		}
	}
	return total
}

func itemsSubtotal(items []domain.CartItem) int64 {
	var sum int64
	for _, it := range items {
		sum += it.SubtotalCents
	}
	return sum
}

func effectiveUnitPrice(unitPriceCents int64, discounts []float64) int64 {
	price := float64(unitPriceCents)
	for _, d := range discounts {
		price *= 1 - d/100
	}
	return roundHalfUp(price)
}

func roundHalfUp(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}

func cloneCart(c domain.Cart) domain.Cart {
	out := c
	out.Items = make([]domain.CartItem, len(c.Items))
	copy(out.Items, c.Items)
	for i := range out.Items {
		if len(c.Items[i].Discounts) > 0 {
			out.Items[i].Discounts = append([]float64{}, c.Items[i].Discounts...)
		}
	}
	return out
}
