package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/americana-market/api/internal/services"
)

// PubSubSettlementPublisher publishes applied settlement events to a Pub/Sub topic for fulfilment.
type PubSubSettlementPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubSettlementPublisher constructs a Pub/Sub backed settlement event publisher.
func NewPubSubSettlementPublisher(topic *pubsub.Topic) (*PubSubSettlementPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub settlement publisher: topic is required")
	}
	return &PubSubSettlementPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishSettlementEvent sends the applied event and waits for the server id.
func (p *PubSubSettlementPublisher) PublishSettlementEvent(ctx context.Context, message services.SettlementEventMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub settlement publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal settlement event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", message.EventID)
	setAttr(attrs, "dedupeKey", message.DedupeKey)
	setAttr(attrs, "provider", message.Provider)
	setAttr(attrs, "kind", message.Kind)
	setAttr(attrs, "storeId", message.StoreID)
	setAttr(attrs, "orderId", message.OrderID)

	msg := &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	}
	// per-order ordering only applies when the topic has message ordering enabled
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = strings.TrimSpace(message.OrderID)
	}
	result := p.topic.Publish(ctx, msg)

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish settlement event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
