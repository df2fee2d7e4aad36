package domain

import "time"

// OrderEventType names the committed transition an OrderEvent describes.
type OrderEventType string

const (
	OrderEventCreated               OrderEventType = "order.created"
	OrderEventReady                 OrderEventType = "order.ready"
	OrderEventCancellationRequested OrderEventType = "order.cancellation_requested"
	OrderEventCancelled             OrderEventType = "order.cancelled"
	OrderEventCancellationDenied    OrderEventType = "order.cancellation_denied"
	OrderEventPaid                  OrderEventType = "order.paid"
	OrderEventRefunded              OrderEventType = "order.refunded"
	OrderEventRefundFailed          OrderEventType = "order.refund_failed"
)

// OrderEventVersion is bumped when the payload shape changes incompatibly.
const OrderEventVersion = 1

// OrderEvent is published after a transition commits. Consumers key on
// OrderID for per-order ordering and dedupe on ID.
type OrderEvent struct {
	ID         string            `json:"id"`
	Type       OrderEventType    `json:"type"`
	Version    int               `json:"version"`
	OrderID    int64             `json:"order_id"`
	From       StatusPair        `json:"from"`
	To         StatusPair        `json:"to"`
	Actor      string            `json:"actor,omitempty"`
	TotalCents int64             `json:"total_cents"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
