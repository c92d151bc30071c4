package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one queue message awaiting acknowledgement
type Delivery struct {
	Message domain.QueueMessage
	Tag     uint64

	ack  func() error
	nack func(requeue bool) error
}

// Ack confirms the message was handled
func (d Delivery) Ack() error {
	return d.ack()
}

// Nack rejects the message, putting it back on the queue when requeue is set
func (d Delivery) Nack(requeue bool) error {
	return d.nack(requeue)
}

// Source yields deliveries until ctx is done or the underlying queues close
type Source interface {
	Deliveries(ctx context.Context) (<-chan Delivery, error)
}

// AMQPConsumer starts a manual-ack consumer on a queue
type AMQPConsumer interface {
	Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// RabbitSource consumes job references from RabbitMQ queues
type RabbitSource struct {
	consumer AMQPConsumer
	queues   []string
	tag      string
	prefetch int
	logger   *slog.Logger
}

// NewRabbitSource creates a source consuming queues with consumer tag tag
func NewRabbitSource(consumer AMQPConsumer, queues []string, tag string, prefetch int, logger *slog.Logger) *RabbitSource {
	return &RabbitSource{
		consumer: consumer,
		queues:   queues,
		tag:      tag,
		prefetch: prefetch,
		logger:   logger,
	}
}

func (s *RabbitSource) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	upstream := make([]<-chan amqp.Delivery, 0, len(s.queues))
	for _, queue := range s.queues {
		deliveries, err := s.consumer.Consume(queue, fmt.Sprintf("%s-%s", s.tag, queue), s.prefetch)
		if err != nil {
			return nil, fmt.Errorf("failed to start consuming %s: %w", queue, err)
		}
		upstream = append(upstream, deliveries)
	}

	out := make(chan Delivery)
	var wg sync.WaitGroup
	for i, deliveries := range upstream {
		wg.Add(1)
		go func(queue string, deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			s.forward(ctx, queue, deliveries, out)
		}(s.queues[i], deliveries)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (s *RabbitSource) forward(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, out chan<- Delivery) {
	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-deliveries:
			if !ok {
				s.logger.Warn("RabbitMQ delivery channel closed", slog.String("queue", queue))
				return
			}

			msg, err := decodeMessage(d.Body)
			if err != nil {
				s.logger.Error("Dropping malformed queue message",
					slog.String("queue", queue),
					slog.String("body", string(d.Body)),
					slog.Any("error", err),
				)
				// Malformed messages never become valid; dead-letter them
				if nackErr := d.Nack(false, false); nackErr != nil {
					s.logger.Error("Failed to NACK malformed message", slog.Any("error", nackErr))
				}
				continue
			}

			select {
			case out <- Delivery{
				Message: msg,
				Tag:     d.DeliveryTag,
				ack:     func() error { return d.Ack(false) },
				nack:    func(requeue bool) error { return d.Nack(false, requeue) },
			}:
			case <-ctx.Done():
				if nackErr := d.Nack(false, true); nackErr != nil {
					s.logger.Error("Failed to NACK message on shutdown", slog.Any("error", nackErr))
				}
				return
			}
		}
	}
}

func decodeMessage(body []byte) (domain.QueueMessage, error) {
	var msg domain.QueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if _, err := uuid.Parse(msg.Payload.JobID); err != nil {
		return msg, fmt.Errorf("%w: job id %q is not a UUID", ErrInvalidMessage, msg.Payload.JobID)
	}
	return msg, nil
}

const requeueTimeout = time.Second

// MemoryQueue is the delivery side of an in-process queue
type MemoryQueue interface {
	Name() string
	Messages() <-chan domain.QueueMessage
	Enqueue(ctx context.Context, msg domain.QueueMessage) error
}

// MemorySource consumes in-process queues. A requeued message is appended
// to the back of its queue.
type MemorySource struct {
	queues []MemoryQueue
	logger *slog.Logger
}

// NewMemorySource creates a source over in-process queues
func NewMemorySource(logger *slog.Logger, queues ...MemoryQueue) *MemorySource {
	return &MemorySource{queues: queues, logger: logger}
}

func (s *MemorySource) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	var wg sync.WaitGroup
	var tags atomic.Uint64

	for _, q := range s.queues {
		wg.Add(1)
		go func(q MemoryQueue) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-q.Messages():
					if !ok {
						return
					}
					d := Delivery{
						Message: msg,
						Tag:     tags.Add(1),
						ack:     func() error { return nil },
						nack: func(requeue bool) error {
							if !requeue {
								return nil
							}
							ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
							defer cancel()
							return q.Enqueue(ctx, msg)
						},
					}
					select {
					case out <- d:
					case <-ctx.Done():
						if err := d.Nack(true); err != nil {
							s.logger.Error("Failed to requeue message on shutdown",
								slog.String("queue", q.Name()),
								slog.Any("error", err),
							)
						}
						return
					}
				}
			}
		}(q)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}
