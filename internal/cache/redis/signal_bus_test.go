package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*SignalBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return NewSignalBus(c, 100), mr
}

func TestNewFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New(ctx, ClientConfig{Addr: addr})
	require.Error(t, err)
}

func TestStreamRecent(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, bus.StreamAppend(ctx, "arena:evals", []byte(p)))
	}

	msgs, err := bus.StreamRecent(ctx, "arena:evals", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", string(msgs[0].Payload))
	assert.Equal(t, "two", string(msgs[1].Payload))
	assert.NotEmpty(t, msgs[0].ID)

	msgs, err = bus.StreamRecent(ctx, "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPublishSubscribe(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "arena:eval")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "arena:eval", []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPatternSubscribe(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "arena:*")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "arena:session", []byte("started")))

	select {
	case msg := <-ch:
		assert.Equal(t, "started", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("arena:*"))
	assert.True(t, hasPattern("arena:?"))
	assert.False(t, hasPattern("arena:eval"))
}
