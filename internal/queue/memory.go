package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/cuongbtq/jobstream/internal/domain"
)

const defaultMemoryCapacity = 1024

// ErrQueueClosed is returned when enqueueing on a closed memory queue
var ErrQueueClosed = errors.New("queue closed")

// MemoryHandle is a bounded in-process queue. Enqueue blocks while the queue
// is full until the context is done.
type MemoryHandle struct {
	name string
	ch   chan domain.QueueMessage

	mu     sync.RWMutex
	closed bool
}

// NewMemoryOpener returns an Opener creating in-process queues of the given capacity
func NewMemoryOpener(capacity int) Opener {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return func(_ context.Context, name string) (Handle, error) {
		return &MemoryHandle{name: name, ch: make(chan domain.QueueMessage, capacity)}, nil
	}
}

func (h *MemoryHandle) Name() string {
	return h.name
}

func (h *MemoryHandle) Enqueue(ctx context.Context, msg domain.QueueMessage) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrQueueClosed
	}

	select {
	case h.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages is the delivery side of the queue. It is closed by Close.
func (h *MemoryHandle) Messages() <-chan domain.QueueMessage {
	return h.ch
}

// Len returns the number of undelivered messages
func (h *MemoryHandle) Len() int {
	return len(h.ch)
}

func (h *MemoryHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.closed {
		h.closed = true
		close(h.ch)
	}
	return nil
}
