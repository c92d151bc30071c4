package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(open Opener) *Broker {
	return NewBroker(open, slog.New(slog.DiscardHandler))
}

func TestBroker_EnqueueDefaults(t *testing.T) {
	broker := newTestBroker(NewMemoryOpener(4))
	defer broker.Close()

	ctx := context.Background()
	require.NoError(t, broker.Enqueue(ctx, "", "", domain.JobRef{JobID: "job-1"}))

	h, err := broker.Open(ctx, domain.DefaultQueueName)
	require.NoError(t, err)
	mem := h.(*MemoryHandle)
	require.Equal(t, 1, mem.Len())

	msg := <-mem.Messages()
	assert.Equal(t, domain.QueueMessage{
		QueueName: "main-queue",
		JobName:   "generic-job",
		Payload:   domain.JobRef{JobID: "job-1"},
	}, msg)
	assert.Equal(t, []string{"main-queue"}, broker.Queues())
}

func TestBroker_ConcurrentFirstUseOpensOnce(t *testing.T) {
	var opens atomic.Int32
	gate := make(chan struct{})
	base := NewMemoryOpener(256)

	broker := newTestBroker(func(ctx context.Context, name string) (Handle, error) {
		opens.Add(1)
		<-gate
		return base(ctx, name)
	})
	defer broker.Close()

	const callers = 50
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- broker.Enqueue(context.Background(), "reports", "render", domain.JobRef{JobID: "j"})
		}()
	}

	// let the callers pile up behind the first open
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), opens.Load())

	h, err := broker.Open(context.Background(), "reports")
	require.NoError(t, err)
	assert.Equal(t, callers, h.(*MemoryHandle).Len())
}

func TestBroker_OpenFailureIsNotCached(t *testing.T) {
	var calls atomic.Int32
	base := NewMemoryOpener(1)
	broker := newTestBroker(func(ctx context.Context, name string) (Handle, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return base(ctx, name)
	})
	defer broker.Close()

	err := broker.Enqueue(context.Background(), "main-queue", "demo", domain.JobRef{JobID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open queue main-queue")

	require.NoError(t, broker.Enqueue(context.Background(), "main-queue", "demo", domain.JobRef{JobID: "a"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestBroker_Close(t *testing.T) {
	broker := newTestBroker(NewMemoryOpener(1))

	h, err := broker.Open(context.Background(), "main-queue")
	require.NoError(t, err)
	require.NoError(t, broker.Close())

	_, ok := <-h.(*MemoryHandle).Messages()
	assert.False(t, ok, "handle should be closed")

	err = broker.Enqueue(context.Background(), "main-queue", "demo", domain.JobRef{JobID: "a"})
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

func TestMemoryHandle_FullQueueRespectsContext(t *testing.T) {
	h, err := NewMemoryOpener(1)(context.Background(), "q")
	require.NoError(t, err)

	require.NoError(t, h.Enqueue(context.Background(), domain.QueueMessage{}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Enqueue(ctx, domain.QueueMessage{}), context.DeadlineExceeded)

	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.Enqueue(context.Background(), domain.QueueMessage{}), ErrQueueClosed)
}
