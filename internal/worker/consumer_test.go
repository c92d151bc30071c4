package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ackRecord struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records []ackRecord
}

func (f *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, ackRecord{tag: tag, ack: true})
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, ackRecord{tag: tag, requeue: requeue})
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) snapshot() []ackRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ackRecord(nil), f.records...)
}

type fakeConsumer struct {
	queues map[string]chan amqp.Delivery
	tags   []string
	err    error
}

func (f *fakeConsumer) Consume(queue, consumerTag string, _ int) (<-chan amqp.Delivery, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tags = append(f.tags, consumerTag)
	return f.queues[queue], nil
}

func TestRabbitSource_ForwardsValidMessages(t *testing.T) {
	acks := &fakeAcknowledger{}
	main := make(chan amqp.Delivery, 4)
	consumer := &fakeConsumer{queues: map[string]chan amqp.Delivery{"main-queue": main}}

	main <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: []byte(`{not json`)}
	main <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, Body: []byte(`{"queueName":"main-queue","jobName":"demo","payload":{"jobId":"nope"}}`)}
	main <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 3, Body: []byte(`{"queueName":"main-queue","jobName":"demo","payload":{"jobId":"6f1c2a4e-7d7b-4a41-9d0e-0d7c9b7f3a10"}}`)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := NewRabbitSource(consumer, []string{"main-queue"}, "worker-1", 4, slog.New(slog.DiscardHandler))
	deliveries, err := source.Deliveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-1-main-queue"}, consumer.tags)

	var d Delivery
	select {
	case d = <-deliveries:
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	assert.Equal(t, uint64(3), d.Tag)
	assert.Equal(t, "demo", d.Message.JobName)
	assert.Equal(t, "6f1c2a4e-7d7b-4a41-9d0e-0d7c9b7f3a10", d.Message.Payload.JobID)
	require.NoError(t, d.Ack())

	assert.Equal(t, []ackRecord{
		{tag: 1, requeue: false},
		{tag: 2, requeue: false},
		{tag: 3, ack: true},
	}, acks.snapshot())

	close(main)
	select {
	case _, open := <-deliveries:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("deliveries not closed")
	}
}

func TestRabbitSource_ConsumeError(t *testing.T) {
	consumer := &fakeConsumer{err: errors.New("channel closed")}
	source := NewRabbitSource(consumer, []string{"main-queue"}, "worker-1", 1, slog.New(slog.DiscardHandler))

	_, err := source.Deliveries(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start consuming main-queue")
}
