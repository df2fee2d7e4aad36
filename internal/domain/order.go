package domain

import (
	"fmt"
	"time"
)

// OrderStatus is the kitchen-facing lifecycle owned by this service.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusCancelRequested OrderStatus = "cancel_requested"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusDone            OrderStatus = "done"
)

// Terminal reports whether no further order-axis transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusDone
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusCancelRequested, OrderStatusCancelled, OrderStatusDone:
		return true
	}
	return false
}

// PaymentStatus mirrors what the payment processor has reported.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusRefunded:
		return true
	}
	return false
}

// StatusPair is the combined state of both axes. Compare-and-swap on the
// ledger is keyed on the pair so a write on one axis cannot silently clobber
// a concurrent write on the other.
type StatusPair struct {
	Order   OrderStatus   `json:"order_status"`
	Payment PaymentStatus `json:"payment_status"`
}

func (p StatusPair) String() string {
	return fmt.Sprintf("%s/%s", p.Order, p.Payment)
}

// RefundFailureKind classifies why the last refund attempt did not complete.
type RefundFailureKind string

const (
	RefundFailureTimeout  RefundFailureKind = "timeout"
	RefundFailureDeclined RefundFailureKind = "declined"
	RefundFailureUnknown  RefundFailureKind = "unknown"
)

// RefundFailure records the most recent failed refund so it can be retried.
type RefundFailure struct {
	Kind        RefundFailureKind
	Message     string
	Attempts    int
	AttemptedAt time.Time
}

// Order is a customer order with its snapshotted lines.
type Order struct {
	ID               int64
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	OwnerID          string
	Phone            string
	Notes            string
	Lines            []OrderLine
	TotalCents       int64
	CheckoutURL      string
	PaymentSessionID string
	PaymentIntentID  string
	AmountPaidCents  int64
	RefundID         string
	RefundedCents    int64
	RefundFailure    *RefundFailure
	CancelledAt      *time.Time
	PaidAt           *time.Time
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Pair returns the current status pair.
func (o Order) Pair() StatusPair {
	return StatusPair{Order: o.Status, Payment: o.PaymentStatus}
}

// Clone returns a deep copy so callers can build the next state without
// aliasing the stored one.
func (o Order) Clone() Order {
	out := o
	if o.Lines != nil {
		out.Lines = append([]OrderLine(nil), o.Lines...)
	}
	if o.RefundFailure != nil {
		rf := *o.RefundFailure
		out.RefundFailure = &rf
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		out.CancelledAt = &t
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		out.PaidAt = &t
	}
	return out
}

// RefundReference is the processor reference a refund should be issued against.
func (o Order) RefundReference() string {
	if o.PaymentIntentID != "" {
		return o.PaymentIntentID
	}
	return o.PaymentSessionID
}

// IdempotencyKey scopes a processor call for purpose to this order. Ids can be
// reissued after the ledger is reset, so the creation time is part of the key.
func (o Order) IdempotencyKey(purpose string) string {
	return fmt.Sprintf("%s-order-%d-%d", purpose, o.ID, o.CreatedAt.UnixMilli())
}

// OrderLine is one snapshotted line. Lines never change after creation.
type OrderLine struct {
	ID             int64
	CatalogItemID  int64
	Name           string
	Quantity       int
	UnitPriceCents int64
}

// SubtotalCents is the line price times quantity.
func (l OrderLine) SubtotalCents() int64 {
	return l.UnitPriceCents * int64(l.Quantity)
}

// SumLines totals a set of lines.
func SumLines(lines []OrderLine) int64 {
	var total int64
	for _, l := range lines {
		total += l.SubtotalCents()
	}
	return total
}

// CatalogItem is a menu entry.
type CatalogItem struct {
	ID          int64
	Name        string
	Description string
	PriceCents  int64
}

// WebhookEvent marks a processor event as applied.
type WebhookEvent struct {
	EventID     string
	Type        string
	OrderID     int64
	ProcessedAt time.Time
}

// OrderFilter narrows admin listings.
type OrderFilter struct {
	Status        OrderStatus
	PaymentStatus PaymentStatus
	AfterID       int64
	Limit         int
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
