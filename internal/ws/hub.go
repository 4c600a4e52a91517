// Package ws multiplexes price and order-state events onto subscribed
// client connections.
package ws

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianex/tradecore/pkg/metrics"
)

const ordersTopicPrefix = "orders:"

// OrdersTopic names the realtime topic carrying an account's order events.
func OrdersTopic(accountID uuid.UUID) string {
	return ordersTopicPrefix + accountID.String()
}

// Hub tracks per-connection subscription sets and fans events out to them.
//
// Delivery is at-most-once and best-effort: each connection has a bounded
// outbound queue and the oldest queued event is dropped on overflow, so a
// slow consumer never blocks publishers or other subscribers.
type Hub struct {
	logger    *zap.Logger
	queueSize int

	mu      sync.RWMutex
	topics  map[string]map[*Client]struct{}
	clients map[*Client]map[string]struct{}
}

func NewHub(logger *zap.Logger, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		logger:    logger,
		queueSize: queueSize,
		topics:    make(map[string]map[*Client]struct{}),
		clients:   make(map[*Client]map[string]struct{}),
	}
}

// Register admits a new connection with an empty subscription set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = make(map[string]struct{})
	h.mu.Unlock()
	metrics.WSConnections.Inc()
}

// Remove destroys a connection's subscription atomically: the client is
// dropped from every topic fan-out set and its queue is closed.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	subs, ok := h.clients[c]
	if ok {
		for topic := range subs {
			delete(h.topics[topic], c)
			if len(h.topics[topic]) == 0 {
				delete(h.topics, topic)
			}
		}
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		c.close()
		metrics.WSConnections.Dec()
	}
}

// Subscribe adds the connection to a topic's fan-out set.
func (h *Hub) Subscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.clients[c]
	if !ok {
		return
	}
	subs[topic] = struct{}{}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][c] = struct{}{}
}

// Unsubscribe removes the connection from a topic's fan-out set.
func (h *Hub) Unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.clients[c]
	if !ok {
		return
	}
	delete(subs, topic)
	delete(h.topics[topic], c)
	if len(h.topics[topic]) == 0 {
		delete(h.topics, topic)
	}
}

// Publish enqueues an event for every connection subscribed to the topic.
// Never blocks; queue overflow drops that connection's oldest event.
func (h *Hub) Publish(topic string, data []byte) {
	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		subscribers = append(subscribers, c)
	}
	h.mu.RUnlock()

	for _, c := range subscribers {
		if dropped := c.enqueue(data); dropped {
			metrics.WSEventsDropped.Inc()
			h.logger.Debug("dropped oldest event for slow consumer",
				zap.String("client_id", c.id), zap.String("topic", topic))
		}
	}
}

// Client is one realtime connection's outbound side: a bounded FIFO ring
// that drops its oldest entry when full.
type Client struct {
	id        string
	accountID uuid.UUID

	mu     sync.Mutex
	buf    [][]byte
	start  int
	count  int
	closed bool
	notify chan struct{}
}

// NewClient creates a connection handle owned by accountID with the given
// queue capacity.
func NewClient(id string, accountID uuid.UUID, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Client{
		id:        id,
		accountID: accountID,
		buf:       make([][]byte, queueSize),
		notify:    make(chan struct{}, 1),
	}
}

// AccountID returns the authenticated owner of the connection.
func (c *Client) AccountID() uuid.UUID { return c.accountID }

// enqueue appends an event, evicting the oldest entry when the ring is
// full. Returns true when an event was dropped.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	dropped := false
	if c.count == len(c.buf) {
		c.start = (c.start + 1) % len(c.buf)
		c.count--
		dropped = true
	}
	c.buf[(c.start+c.count)%len(c.buf)] = data
	c.count++
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until an event is available or the client is closed.
func (c *Client) Next() ([]byte, bool) {
	for {
		c.mu.Lock()
		if c.count > 0 {
			data := c.buf[c.start]
			c.buf[c.start] = nil
			c.start = (c.start + 1) % len(c.buf)
			c.count--
			c.mu.Unlock()
			return data, true
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil, false
		}
		<-c.notify
	}
}

// TryNext returns the next queued event without blocking.
func (c *Client) TryNext() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return nil, false
	}
	data := c.buf[c.start]
	c.buf[c.start] = nil
	c.start = (c.start + 1) % len(c.buf)
	c.count--
	return data, true
}

// Closed reports whether the client has been removed from the hub.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
