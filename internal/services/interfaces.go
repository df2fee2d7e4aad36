package services

import (
	"context"
	"time"

	"github.com/jbites/api/internal/domain"
)

// OrderService places and reads orders. Status changes go through OrderStateMachine.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderID int64) (domain.Order, error)
	ListOrdersByPhone(ctx context.Context, phone string) ([]domain.Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderStateMachine is the only writer of order and payment status.
type OrderStateMachine interface {
	Apply(ctx context.Context, orderID int64, transition Transition) (TransitionResult, error)
	// Refund issues the refund for a cancelled, paid order and books the result.
	Refund(ctx context.Context, orderID int64, actorID string) (TransitionResult, error)
}

// CancellationService drives the cancellation branch for customers and staff.
type CancellationService interface {
	RequestCancellation(ctx context.Context, cmd RequestCancellationCommand) (domain.Order, error)
	ApproveCancellations(ctx context.Context, cmd BulkCancellationCommand) (BulkCancellationResult, error)
	DenyCancellations(ctx context.Context, cmd BulkCancellationCommand) (BulkCancellationResult, error)
	RetryRefund(ctx context.Context, orderID int64, actorID string) (domain.Order, error)
	RetryFailedRefunds(ctx context.Context, limit int) (RefundSweepResult, error)
}

// WebhookIngestor applies processor events exactly once per event id.
type WebhookIngestor interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) (WebhookAck, error)
}

// CatalogService exposes the menu used for order entry.
type CatalogService interface {
	ListItems(ctx context.Context) ([]domain.CatalogItem, error)
	GetItem(ctx context.Context, itemID int64) (domain.CatalogItem, error)
	Seed(ctx context.Context) (int, error)
}

// CreateOrderCommand is a customer order request.
type CreateOrderCommand struct {
	OwnerID string
	Phone   string
	Notes   string
	Lines   []OrderLineRequest
}

// OrderLineRequest asks for Quantity of one catalog item.
type OrderLineRequest struct {
	ItemID   int64
	Quantity int
}

// OrderListFilter narrows the admin order listing.
type OrderListFilter struct {
	Status        domain.OrderStatus
	PaymentStatus domain.PaymentStatus
	PageSize      int
	AfterID       int64
}

// Command names a state machine transition.
type Command string

const (
	CommandMarkReady           Command = "mark_ready"
	CommandRequestCancellation Command = "request_cancellation"
	CommandMarkPaid            Command = "mark_paid"
	CommandApproveCancellation Command = "approve_cancellation"
	CommandDenyCancellation    Command = "deny_cancellation"
	CommandRecordRefund        Command = "record_refund"
	CommandRecordRefundFailure Command = "record_refund_failure"
)

// Transition is one command against an order with the data it carries.
type Transition struct {
	Command Command
	ActorID string
	Reason  string

	// mark_paid
	SessionID       string
	PaymentIntentID string
	AmountCents     int64

	// record_refund
	RefundID          string
	RefundAmountCents int64

	// record_refund_failure
	Failure *domain.RefundFailure
}

// TransitionResult is a committed transition.
type TransitionResult struct {
	Order    domain.Order
	Previous domain.StatusPair
	Event    domain.OrderEvent
}

// RequestCancellationCommand is a customer or staff cancellation request.
type RequestCancellationCommand struct {
	OrderID     int64
	RequesterID string
	IsStaff     bool
	Reason      string
}

// BulkCancellationCommand approves or denies a set of requests.
type BulkCancellationCommand struct {
	OrderIDs []int64
	ActorID  string
}

// CancellationOutcomeStatus summarises one id of a bulk action.
type CancellationOutcomeStatus string

const (
	OutcomeApproved          CancellationOutcomeStatus = "approved"
	OutcomeRefunded          CancellationOutcomeStatus = "refunded"
	OutcomeDenied            CancellationOutcomeStatus = "denied"
	OutcomeRefundFailed      CancellationOutcomeStatus = "refund_failed"
	OutcomeNotFound          CancellationOutcomeStatus = "not_found"
	OutcomeInvalidTransition CancellationOutcomeStatus = "invalid_transition"
	OutcomeError             CancellationOutcomeStatus = "error"
)

// CancellationOutcome is the per-id result of a bulk action.
type CancellationOutcome struct {
	OrderID int64
	Status  CancellationOutcomeStatus
	Reason  string
	Order   *domain.Order
	Err     error
}

// BulkCancellationResult lists outcomes in request order, duplicates removed.
type BulkCancellationResult struct {
	Results []CancellationOutcome
}

// RefundSweepResult reports a background refund retry pass.
type RefundSweepResult struct {
	Attempted int
	Refunded  int
	Failed    int
	Skipped   int
}

// WebhookAck acknowledges an event to the processor.
type WebhookAck struct {
	EventID   string
	EventType string
	OrderID   int64
	Duplicate bool
	Ignored   bool
	Applied   bool
}

// Logger is the structured event logger services write to.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Clock returns the current time.
type Clock func() time.Time

// EventPublisher delivers committed order events.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.OrderEvent) error
}
