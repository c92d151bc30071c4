package resultbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTransport(t *testing.T) (*RedisTransport, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTransport(client), mr
}

func TestRedisTransport_PublishSubscribe(t *testing.T) {
	transport, mr := newRedisTransport(t)
	bus := New(transport, 8, slog.New(slog.DiscardHandler))
	defer bus.Close()

	ctx := context.Background()
	channel := domain.ResultChannel("job-42")

	l, err := bus.Subscribe(ctx, channel)
	require.NoError(t, err)
	assert.Equal(t, 1, mr.PubSubNumSub(channel)[channel])

	require.NoError(t, bus.Publish(ctx, "job-42", json.RawMessage(`{"progress":50}`)))
	require.NoError(t, bus.Publish(ctx, "job-42", json.RawMessage(`{"progress":100,"finished":true}`)))

	first := receive(t, l)
	assert.JSONEq(t, `{"progress":50}`, string(first.Body))
	assert.False(t, first.Finished)

	second := receive(t, l)
	assert.True(t, second.Finished)

	l.Close()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] == 0
	}, waitFor, 10*time.Millisecond)
}

func TestRedisTransport_SkipsMalformedPayload(t *testing.T) {
	transport, mr := newRedisTransport(t)
	bus := New(transport, 8, slog.New(slog.DiscardHandler))
	defer bus.Close()

	channel := domain.ResultChannel("job-1")
	l, err := bus.Subscribe(context.Background(), channel)
	require.NoError(t, err)
	defer l.Close()

	mr.Publish(channel, "{broken")
	mr.Publish(channel, `{"ok":true}`)

	assert.JSONEq(t, `{"ok":true}`, string(receive(t, l).Body))
}

func TestRedisTransport_SubscribeFailure(t *testing.T) {
	transport, mr := newRedisTransport(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := transport.Subscribe(ctx, domain.ResultChannel("job-1"))
	assert.Error(t, err)
}
