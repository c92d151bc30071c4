package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	routingKey  string
	body        string
	contentType string
}

type fakePublisher struct {
	mu         sync.Mutex
	declared   []string
	messages   []published
	declareErr error
	publishErr error
}

func (p *fakePublisher) DeclareQueue(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declareErr != nil {
		return p.declareErr
	}
	p.declared = append(p.declared, name)
	return nil
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, routingKey string, body []byte, contentType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.messages = append(p.messages, published{routingKey, string(body), contentType})
	return nil
}

func TestRabbitHandle_Enqueue(t *testing.T) {
	pub := &fakePublisher{}
	broker := NewBroker(NewRabbitOpener(pub), slog.New(slog.DiscardHandler))

	ctx := context.Background()
	require.NoError(t, broker.Enqueue(ctx, "main-queue", "demo", domain.JobRef{JobID: "job-1"}))
	require.NoError(t, broker.Enqueue(ctx, "main-queue", "", domain.JobRef{JobID: "job-2"}))

	assert.Equal(t, []string{"main-queue"}, pub.declared, "queue declared once")
	require.Len(t, pub.messages, 2)
	assert.Equal(t, "main-queue", pub.messages[0].routingKey)
	assert.Equal(t, "application/json", pub.messages[0].contentType)
	assert.JSONEq(t, `{"queueName":"main-queue","jobName":"demo","payload":{"jobId":"job-1"}}`, pub.messages[0].body)
	assert.JSONEq(t, `{"queueName":"main-queue","jobName":"generic-job","payload":{"jobId":"job-2"}}`, pub.messages[1].body)
}

func TestRabbitHandle_Errors(t *testing.T) {
	t.Run("declare failure", func(t *testing.T) {
		pub := &fakePublisher{declareErr: errors.New("access refused")}
		broker := NewBroker(NewRabbitOpener(pub), slog.New(slog.DiscardHandler))

		err := broker.Enqueue(context.Background(), "main-queue", "demo", domain.JobRef{JobID: "a"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to declare queue")
		assert.Empty(t, broker.Queues())
	})

	t.Run("publish failure", func(t *testing.T) {
		pub := &fakePublisher{publishErr: errors.New("channel closed")}
		broker := NewBroker(NewRabbitOpener(pub), slog.New(slog.DiscardHandler))

		err := broker.Enqueue(context.Background(), "main-queue", "demo", domain.JobRef{JobID: "a"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "channel closed")
	})
}
