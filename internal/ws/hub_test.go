package ws

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(queueSize int) *Client {
	return NewClient(uuid.New().String(), uuid.New(), queueSize)
}

func TestPublishReachesSubscribers(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 8)
	c := newTestClient(8)
	hub.Register(c)
	hub.Subscribe(c, "ticker:BTC-USD")

	hub.Publish("ticker:BTC-USD", []byte("one"))

	data, ok := c.TryNext()
	require.True(t, ok)
	assert.Equal(t, "one", string(data))
}

func TestPublishSkipsOtherTopics(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 8)
	c := newTestClient(8)
	hub.Register(c)
	hub.Subscribe(c, "ticker:BTC-USD")

	hub.Publish("ticker:ETH-USD", []byte("other"))

	_, ok := c.TryNext()
	assert.False(t, ok)
}

func TestSlowConsumerDropsOldest(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 2)
	c := newTestClient(2)
	hub.Register(c)
	hub.Subscribe(c, "t")

	hub.Publish("t", []byte("a"))
	hub.Publish("t", []byte("b"))
	hub.Publish("t", []byte("c"))

	data, ok := c.TryNext()
	require.True(t, ok)
	assert.Equal(t, "b", string(data), "oldest event must be the one dropped")
	data, ok = c.TryNext()
	require.True(t, ok)
	assert.Equal(t, "c", string(data))
	_, ok = c.TryNext()
	assert.False(t, ok)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 8)
	c := newTestClient(8)
	hub.Register(c)
	hub.Subscribe(c, "t")
	hub.Unsubscribe(c, "t")

	hub.Publish("t", []byte("a"))
	_, ok := c.TryNext()
	assert.False(t, ok)
}

func TestRemoveTearsDownAllSubscriptions(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 8)
	c := newTestClient(8)
	hub.Register(c)
	hub.Subscribe(c, "t1")
	hub.Subscribe(c, "t2")

	hub.Remove(c)

	hub.Publish("t1", []byte("a"))
	hub.Publish("t2", []byte("b"))
	_, ok := c.TryNext()
	assert.False(t, ok)
	assert.True(t, c.Closed())
}

func TestSubscribeAfterRemoveIsIgnored(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 8)
	c := newTestClient(8)
	hub.Register(c)
	hub.Remove(c)

	hub.Subscribe(c, "t")
	hub.Publish("t", []byte("a"))
	_, ok := c.TryNext()
	assert.False(t, ok)
}

func TestNextUnblocksOnClose(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 8)
	c := newTestClient(8)
	hub.Register(c)

	done := make(chan bool, 1)
	go func() {
		_, ok := c.Next()
		done <- ok
	}()

	hub.Remove(c)
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock on close")
	}
}

func TestNextDeliversInOrder(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 8)
	c := newTestClient(8)
	hub.Register(c)
	hub.Subscribe(c, "t")

	hub.Publish("t", []byte("1"))
	hub.Publish("t", []byte("2"))

	data, ok := c.Next()
	require.True(t, ok)
	assert.Equal(t, "1", string(data))
	data, ok = c.Next()
	require.True(t, ok)
	assert.Equal(t, "2", string(data))
}
