package resultbus

import (
	"context"
	"sync"
)

const memorySubscriptionBuffer = 256

// MemoryTransport is an in-process pub/sub used by tests and single-binary
// deployments. Publish blocks while a subscriber's buffer is full.
type MemoryTransport struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewMemoryTransport creates an empty in-process transport
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (t *MemoryTransport) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		transport: t,
		channel:   channel,
		ch:        make(chan []byte, memorySubscriptionBuffer),
	}

	t.mu.Lock()
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[*memorySubscription]struct{})
	}
	t.subs[channel][sub] = struct{}{}
	t.mu.Unlock()

	return sub, nil
}

func (t *MemoryTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for sub := range t.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers returns the number of transport subscriptions on channel
func (t *MemoryTransport) Subscribers(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[channel])
}

type memorySubscription struct {
	transport *MemoryTransport
	channel   string
	ch        chan []byte
	once      sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		t := s.transport
		t.mu.Lock()
		delete(t.subs[s.channel], s)
		if len(t.subs[s.channel]) == 0 {
			delete(t.subs, s.channel)
		}
		t.mu.Unlock()
		close(s.ch)
	})
	return nil
}
