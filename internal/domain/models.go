package domain

import (
	"encoding/json"
	"time"
)

// Local collections. Every Record belongs to exactly one of these.
const (
	CollectionProducts      = "products"
	CollectionSales         = "sales"
	CollectionCarts         = "carts"
	CollectionCashboxes     = "cashboxes"
	CollectionCashMovements = "cash_movements"
	CollectionShifts        = "shifts"
	CollectionPendingOps    = "pending_operations"
	CollectionMetadata      = "metadata"
)

type SyncStatus string

const (
	SyncStatusLocal   SyncStatus = "local"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// Record is the unit of local persistence. UpdatedAt is a monotonically
// assigned wall-clock timestamp in unix milliseconds, used for
// last-writer-wins conflict resolution.
type Record struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  int64           `json:"updated_at"`
	SyncStatus SyncStatus      `json:"sync_status"`
}

type OpType string

const (
	OpCreate OpType = "CREATE"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

type OpStatus string

const (
	OpStatusPending OpStatus = "pending"
	OpStatusSynced  OpStatus = "synced"
	OpStatusFailed  OpStatus = "failed"
)

// Queue priorities, lower drains first.
const (
	PrioritySale    = 1
	PriorityCashbox = 2
	PriorityDefault = 5
)

type PendingOperation struct {
	LocalID     int64           `json:"local_id"`
	Type        OpType          `json:"type"`
	Collection  string          `json:"collection"`
	TargetID    string          `json:"target_id"`
	Data        json.RawMessage `json:"data,omitempty"`
	Status      OpStatus        `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	RetryCount  int             `json:"retry_count"`
	LastRetryAt time.Time       `json:"last_retry_at,omitzero"`
	Priority    int             `json:"priority"`
	LastError   string          `json:"last_error,omitempty"`
	// TargetUpdatedAt carries the local record timestamp of the mutation so
	// the remote write participates in last-writer-wins correctly.
	TargetUpdatedAt int64 `json:"target_updated_at,omitempty"`
}

type Product struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	CostCents  int64  `json:"cost_cents"`
	Stock      int    `json:"stock"`
	Active     bool   `json:"active"`
	UpdatedAt  int64  `json:"updated_at"`
}

type CartStatus string

const (
	CartStatusActive    CartStatus = "active"
	CartStatusHold      CartStatus = "hold"
	CartStatusCompleted CartStatus = "completed"
)

type CartItem struct {
	ID                 string    `json:"id"`
	ProductID          string    `json:"product_id"`
	Quantity           int       `json:"quantity"`
	UnitPriceCents     int64     `json:"unit_price_cents"`
	OriginalPriceCents int64     `json:"original_price_cents"`
	CostPriceCents     int64     `json:"cost_price_cents"`
	SubtotalCents      int64     `json:"subtotal_cents"`
	Discounts          []float64 `json:"discounts,omitempty"`
}

type Cart struct {
	SaleID              string     `json:"sale_id"`
	TerminalID          string     `json:"terminal_id"`
	OperatorID          string     `json:"operator_id"`
	Items               []CartItem `json:"items"`
	DiscountPercent     float64    `json:"discount_percent"`
	GlobalDiscountCents int64      `json:"global_discount_cents"`
	Status              CartStatus `json:"status"`
	SubtotalCents       int64      `json:"subtotal_cents"`
	TaxCents            int64      `json:"tax_cents"`
	TotalCents          int64      `json:"total_cents"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type PaymentSplit struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference,omitempty"`
}

// Sale is the remote-durable result of a completed cart. IdempotencyKey makes
// queued CREATEs safe to replay.
type Sale struct {
	ID             string         `json:"id"`
	TerminalID     string         `json:"terminal_id"`
	OperatorID     string         `json:"operator_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Items          []CartItem     `json:"items"`
	SubtotalCents  int64          `json:"subtotal_cents"`
	DiscountCents  int64          `json:"discount_cents"`
	TaxCents       int64          `json:"tax_cents"`
	TotalCents     int64          `json:"total_cents"`
	Payments       []PaymentSplit `json:"payments,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type CashboxStatus string

const (
	CashboxStatusOpen   CashboxStatus = "open"
	CashboxStatusClosed CashboxStatus = "closed"
)

type MovementType string

const (
	MovementOpen       MovementType = "open"
	MovementSale       MovementType = "sale"
	MovementExpense    MovementType = "expense"
	MovementWithdrawal MovementType = "withdrawal"
	MovementDeposit    MovementType = "deposit"
	MovementAdjustment MovementType = "adjustment"
	MovementClose      MovementType = "close"
)

type Movement struct {
	ID          string       `json:"id"`
	CashboxID   string       `json:"cashbox_id"`
	Type        MovementType `json:"type"`
	AmountCents int64        `json:"amount_cents"`
	Description string       `json:"description,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	ActorID     string       `json:"actor_id"`
	Synced      bool         `json:"synced"`
}

type Cashbox struct {
	ID                 string        `json:"id"`
	TerminalID         string        `json:"terminal_id"`
	ShiftID            string        `json:"shift_id"`
	OpenedAt           time.Time     `json:"opened_at"`
	InitialAmountCents int64         `json:"initial_amount_cents"`
	CurrentAmountCents int64         `json:"current_amount_cents"`
	Movements          []Movement    `json:"movements"`
	Status             CashboxStatus `json:"status"`
	ClosedAt           *time.Time    `json:"closed_at,omitempty"`
	FinalAmountCents   int64         `json:"final_amount_cents,omitempty"`
	DifferenceCents    int64         `json:"difference_cents,omitempty"`
	Notes              string        `json:"notes,omitempty"`
	Locked             bool          `json:"locked"`
}

type ShiftStatus string

const (
	ShiftStatusOpen   ShiftStatus = "open"
	ShiftStatusClosed ShiftStatus = "closed"
)

type Shift struct {
	ID          string      `json:"id"`
	TerminalID  string      `json:"terminal_id"`
	CashierName string      `json:"cashier_name"`
	Status      ShiftStatus `json:"status"`
	OpenedAt    time.Time   `json:"opened_at"`
	ClosedAt    *time.Time  `json:"closed_at,omitempty"`
}

// Actor is the authenticated operator of the terminal session.
type Actor struct {
	ID          string
	DisplayName string
	Role        string
}
