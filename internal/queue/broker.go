package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cuongbtq/jobstream/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Handle is an open queue that accepts job references
type Handle interface {
	Name() string
	Enqueue(ctx context.Context, msg domain.QueueMessage) error
	Close() error
}

// Opener opens the handle for a queue name. It is called at most once per
// name for the lifetime of a Broker.
type Opener func(ctx context.Context, name string) (Handle, error)

// Broker is the registry of queue handles. Handles are opened lazily on first
// use and reused afterwards; concurrent first use of the same name shares a
// single open.
type Broker struct {
	open   Opener
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]Handle
	closed  bool
	group   singleflight.Group
}

// ErrBrokerClosed is returned by Enqueue after Close
var ErrBrokerClosed = errors.New("queue broker closed")

// NewBroker creates a broker that opens handles with open
func NewBroker(open Opener, logger *slog.Logger) *Broker {
	return &Broker{
		open:    open,
		logger:  logger,
		handles: make(map[string]Handle),
	}
}

// Enqueue appends one job reference to the named queue
func (b *Broker) Enqueue(ctx context.Context, queueName, jobName string, ref domain.JobRef) error {
	if queueName == "" {
		queueName = domain.DefaultQueueName
	}
	if jobName == "" {
		jobName = domain.DefaultJobName
	}

	h, err := b.Open(ctx, queueName)
	if err != nil {
		return err
	}

	msg := domain.QueueMessage{
		QueueName: queueName,
		JobName:   jobName,
		Payload:   ref,
	}
	if err := h.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("failed to enqueue job %s on %s: %w", ref.JobID, queueName, err)
	}

	b.logger.Debug("Job enqueued",
		slog.String("job_id", ref.JobID),
		slog.String("queue", queueName),
		slog.String("job_name", jobName),
	)
	return nil
}

// Open returns the handle for name, opening it if this is the first use
func (b *Broker) Open(ctx context.Context, name string) (Handle, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	if h, ok := b.handles[name]; ok {
		b.mu.Unlock()
		return h, nil
	}
	b.mu.Unlock()

	v, err, _ := b.group.Do(name, func() (interface{}, error) {
		b.mu.Lock()
		if h, ok := b.handles[name]; ok {
			b.mu.Unlock()
			return h, nil
		}
		b.mu.Unlock()

		h, err := b.open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to open queue %s: %w", name, err)
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			_ = h.Close()
			return nil, ErrBrokerClosed
		}
		b.handles[name] = h

		b.logger.Info("Queue handle opened", slog.String("queue", name))
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Handle), nil
}

// Queues returns the names of the open queues, sorted
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.handles))
	for name := range b.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every open handle. The broker cannot be used afterwards.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	handles := b.handles
	b.handles = make(map[string]Handle)
	b.mu.Unlock()

	var errs []error
	for name, h := range handles {
		if err := h.Close(); err != nil {
			b.logger.Error("Failed to close queue handle",
				slog.String("queue", name),
				slog.Any("error", err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
