package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jbites/api/internal/domain"
)

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the stable wire format on the Kafka topic.
type Envelope struct {
	EventType    string            `json:"eventType"`
	EventVersion int               `json:"eventVersion"`
	OccurredAt   time.Time         `json:"occurredAt"`
	AggregateID  string            `json:"aggregateId"`
	Data         domain.OrderEvent `json:"data"`
}

// KafkaPublisher writes order events keyed by order id, so every event of an
// order lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 || strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka publisher: brokers and topic are required")
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		BatchTimeout:           10 * time.Millisecond,
	}}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event domain.OrderEvent) error {
	value, err := json.Marshal(Envelope{
		EventType:    string(event.Type),
		EventVersion: event.Version,
		OccurredAt:   event.OccurredAt.UTC(),
		AggregateID:  orderKey(event),
		Data:         event,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	attrs := headers(event)
	msg := kafka.Message{Key: []byte(orderKey(event)), Value: value}
	for k, v := range attrs {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write order event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
