package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/jbites/api/internal/domain"
)

// PubSubPublisher publishes order events to a Pub/Sub topic with the order id
// as ordering key.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{topic: topic}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, event domain.OrderEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	key := orderKey(event)
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  headers(event),
		OrderingKey: key,
	})
	if _, err := result.Get(ctx); err != nil {
		// a failed ordered publish pauses the key until resumed
		p.topic.ResumePublish(key)
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// Close flushes pending messages. The owning client is closed by the caller.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return nil
}
