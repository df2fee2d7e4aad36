package notifications

import (
	"fmt"

	"github.com/jbites/api/internal/domain"
)

// Kind selects the customer message for a transition.
type Kind string

const (
	KindConfirmed            Kind = "confirmed"
	KindReady                Kind = "ready"
	KindCancellationReceived Kind = "cancellation_received"
	KindCancelledWithRefund  Kind = "cancelled_refund"
	KindCancelled            Kind = "cancelled"
)

// Params fills the message templates.
type Params struct {
	OrderID     int64
	TotalCents  int64
	RefundCents int64
}

// Render returns the message body for kind.
func Render(kind Kind, p Params) (string, error) {
	switch kind {
	case KindConfirmed:
		return fmt.Sprintf("Order #%d confirmed! Total: $%s. We're preparing your food!", p.OrderID, domain.FormatCents(p.TotalCents)), nil
	case KindReady:
		return fmt.Sprintf("Your order #%d is ready for pickup!", p.OrderID), nil
	case KindCancellationReceived:
		return fmt.Sprintf("Order #%d cancellation request received.", p.OrderID), nil
	case KindCancelledWithRefund:
		return fmt.Sprintf("Order #%d cancelled. Refund of $%s has been processed. Please allow 5–10 business days.", p.OrderID, domain.FormatCents(p.RefundCents)), nil
	case KindCancelled:
		return fmt.Sprintf("Order #%d cancelled.", p.OrderID), nil
	default:
		return "", fmt.Errorf("notifications: unknown message kind %q", kind)
	}
}
