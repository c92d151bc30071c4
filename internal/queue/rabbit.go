package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/jobstream/internal/domain"
)

// Publisher is the part of the RabbitMQ client a queue handle needs.
// *rabbitmq.Client satisfies it.
type Publisher interface {
	DeclareQueue(name string) error
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// RabbitHandle publishes job references as persistent messages routed to a
// durable queue of the same name
type RabbitHandle struct {
	name      string
	publisher Publisher
}

// NewRabbitOpener returns an Opener that declares each queue before first use
func NewRabbitOpener(publisher Publisher) Opener {
	return func(_ context.Context, name string) (Handle, error) {
		if err := publisher.DeclareQueue(name); err != nil {
			return nil, fmt.Errorf("failed to declare queue: %w", err)
		}
		return &RabbitHandle{name: name, publisher: publisher}, nil
	}
}

func (h *RabbitHandle) Name() string {
	return h.name
}

func (h *RabbitHandle) Enqueue(ctx context.Context, msg domain.QueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	return h.publisher.PublishWithRetry(ctx, h.name, body, "application/json")
}

// Close is a no-op; the shared client is closed by its owner
func (h *RabbitHandle) Close() error {
	return nil
}
