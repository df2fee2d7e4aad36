package events

import (
	"context"
	"strconv"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/platform/textutil"
)

// Publisher fans committed order transitions out to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event domain.OrderEvent) error
	Close() error
}

// NoopPublisher drops every event. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, domain.OrderEvent) error { return nil }
func (NoopPublisher) Close() error                                     { return nil }

func orderKey(event domain.OrderEvent) string {
	return strconv.FormatInt(event.OrderID, 10)
}

// headers are the routing attributes copied onto broker message metadata so
// subscribers can filter without decoding the payload.
func headers(event domain.OrderEvent) map[string]string {
	return textutil.NormalizeStringMap(map[string]string{
		"eventId":       event.ID,
		"eventType":     string(event.Type),
		"eventVersion":  strconv.Itoa(event.Version),
		"orderId":       orderKey(event),
		"orderStatus":   string(event.To.Order),
		"paymentStatus": string(event.To.Payment),
	})
}
