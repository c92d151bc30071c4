package resultbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cuongbtq/jobstream/internal/domain"
)

// DefaultBufferSize is the per-listener event buffer when none is configured
const DefaultBufferSize = 64

var (
	// ErrOverrun is reported by a listener that fell a full buffer behind
	ErrOverrun = errors.New("listener fell behind and was closed")

	// ErrTransportClosed is reported when the underlying subscription ended
	ErrTransportClosed = errors.New("result transport closed")

	// ErrBusClosed is returned by Subscribe after Close
	ErrBusClosed = errors.New("result bus closed")
)

// Subscription is one transport-level subscription to a channel
type Subscription interface {
	// Messages yields raw payloads and is closed when the subscription ends
	Messages() <-chan []byte
	Close() error
}

// Transport is the pub/sub system result events travel over
type Transport interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Publish(ctx context.Context, channel string, payload []byte) error
}

type topic struct {
	channel   string
	sub       Subscription
	ready     chan struct{}
	err       error
	refs      int
	listeners map[*Listener]struct{}
}

// Bus multiplexes listeners over transport subscriptions. All listeners of
// a channel share one subscription, opened by the first and released by the
// last.
type Bus struct {
	transport  Transport
	logger     *slog.Logger
	bufferSize int

	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

// New creates a Bus. bufferSize bounds how many undelivered events a
// listener may hold before it is closed with ErrOverrun.
func New(transport Transport, bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		transport:  transport,
		logger:     logger,
		bufferSize: bufferSize,
		topics:     make(map[string]*topic),
	}
}

// Publish sends a result event for a job. body must be a JSON object.
func (b *Bus) Publish(ctx context.Context, jobID string, body json.RawMessage) error {
	if _, err := domain.ParseResultEvent("", body); err != nil {
		return err
	}
	channel := domain.ResultChannel(jobID)
	if err := b.transport.Publish(ctx, channel, body); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a listener on channel. Concurrent first subscribers
// wait on a single transport subscribe. The caller must Close the listener.
func (b *Bus) Subscribe(ctx context.Context, channel string) (*Listener, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	t, ok := b.topics[channel]
	opener := !ok
	if opener {
		t = &topic{
			channel:   channel,
			ready:     make(chan struct{}),
			listeners: make(map[*Listener]struct{}),
		}
		b.topics[channel] = t
	}
	t.refs++
	b.mu.Unlock()

	if opener {
		b.open(ctx, t)
	} else {
		select {
		case <-t.ready:
		case <-ctx.Done():
			b.unref(t)
			return nil, ctx.Err()
		}
	}

	if t.err != nil {
		b.unref(t)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, t.err)
	}

	l := &Listener{
		bus:    b,
		topic:  t,
		events: make(chan domain.ResultEvent, b.bufferSize),
	}

	b.mu.Lock()
	if t.sub == nil {
		// the transport ended between open and registration
		b.mu.Unlock()
		b.unref(t)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, ErrTransportClosed)
	}
	t.listeners[l] = struct{}{}
	b.mu.Unlock()

	return l, nil
}

func (b *Bus) open(ctx context.Context, t *topic) {
	sub, err := b.transport.Subscribe(ctx, t.channel)

	b.mu.Lock()
	if err != nil {
		t.err = err
		if b.topics[t.channel] == t {
			delete(b.topics, t.channel)
		}
		b.logger.Error("Failed to subscribe to result channel",
			slog.String("channel", t.channel),
			slog.Any("error", err),
		)
	} else {
		t.sub = sub
		b.logger.Debug("Subscribed to result channel", slog.String("channel", t.channel))
	}
	close(t.ready)
	b.mu.Unlock()

	if err == nil {
		go b.pump(t, sub)
	}
}

// pump fans transport messages out to the topic's listeners until the
// subscription ends
func (b *Bus) pump(t *topic, sub Subscription) {
	for raw := range sub.Messages() {
		ev, err := domain.ParseResultEvent(t.channel, raw)
		if err != nil {
			b.logger.Warn("Skipping malformed result message",
				slog.String("channel", t.channel),
				slog.Int("size", len(raw)),
				slog.Any("error", err),
			)
			continue
		}

		b.mu.Lock()
		for l := range t.listeners {
			select {
			case l.events <- ev:
			default:
				b.logger.Warn("Result listener overrun, closing",
					slog.String("channel", t.channel),
					slog.Int("buffer_size", cap(l.events)),
				)
				l.end(ErrOverrun)
				delete(t.listeners, l)
			}
		}
		b.mu.Unlock()
	}

	b.mu.Lock()
	for l := range t.listeners {
		l.end(ErrTransportClosed)
		delete(t.listeners, l)
	}
	t.sub = nil
	if b.topics[t.channel] == t {
		delete(b.topics, t.channel)
	}
	b.mu.Unlock()
}

// unref drops one reference and releases the transport subscription when
// it was the last
func (b *Bus) unref(t *topic) {
	b.mu.Lock()
	t.refs--
	var sub Subscription
	if t.refs == 0 {
		if b.topics[t.channel] == t {
			delete(b.topics, t.channel)
		}
		sub = t.sub
		t.sub = nil
	}
	b.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			b.logger.Warn("Failed to close result subscription",
				slog.String("channel", t.channel),
				slog.Any("error", err),
			)
		}
		b.logger.Debug("Released result channel", slog.String("channel", t.channel))
	}
}

// Listeners returns the number of open listeners on channel
func (b *Bus) Listeners(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[channel]; ok {
		return t.refs
	}
	return 0
}

// Topics returns the channels with at least one listener, sorted
func (b *Bus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.topics))
	for name := range b.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close ends every listener and releases all transport subscriptions
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	var subs []Subscription
	for name, t := range b.topics {
		for l := range t.listeners {
			l.end(ErrTransportClosed)
			delete(t.listeners, l)
		}
		if t.sub != nil {
			subs = append(subs, t.sub)
			t.sub = nil
		}
		delete(b.topics, name)
	}
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Listener receives the events of one channel in publish order
type Listener struct {
	bus   *Bus
	topic *topic

	// guarded by bus.mu
	events   chan domain.ResultEvent
	ended    bool
	err      error
	released bool
}

// Events yields result events. It is closed when the listener is closed,
// overruns, or the transport ends; Err tells which.
func (l *Listener) Events() <-chan domain.ResultEvent {
	return l.events
}

// Err returns why the event channel was closed, or nil
func (l *Listener) Err() error {
	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()
	return l.err
}

// Close unregisters the listener. It is safe to call more than once.
func (l *Listener) Close() {
	l.bus.mu.Lock()
	l.end(nil)
	delete(l.topic.listeners, l)
	release := !l.released
	l.released = true
	l.bus.mu.Unlock()

	if release {
		l.bus.unref(l.topic)
	}
}

// end closes the event channel once; callers hold bus.mu
func (l *Listener) end(err error) {
	if l.ended {
		return
	}
	l.ended = true
	l.err = err
	close(l.events)
}
