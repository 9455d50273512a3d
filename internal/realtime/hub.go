// Package realtime is a small websocket pub/sub relay. Clients subscribe to
// topics and every frame published to a topic is delivered to all of its
// subscribers, the publisher included.
package realtime

import (
	"sync"
	"time"

	"resume-collab/internal/models"

	"github.com/sirupsen/logrus"
)

/*
LEARNING: RELAY HUB

The hub owns the topic → connections index. Publishes go through one buffered
channel drained by a single goroutine, so frames from one publisher reach
every subscriber in the order they were sent.

Key Concepts:
1. **sync.RWMutex**: subscriptions are read on every publish, written rarely
2. **Buffered Send channels**: a slow client never blocks the hub
3. **Eviction**: a client whose buffer is full is disconnected, not waited on
*/

// Hub routes published frames to topic subscribers.
type Hub struct {
	topics map[string]map[*Client]bool
	mu     sync.RWMutex

	register   chan *Client
	unregister chan *Client
	publish    chan publication

	clients map[*Client]bool // owned by the run goroutine

	log  logrus.FieldLogger
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type publication struct {
	topic string
	data  []byte
}

// NewHub returns a stopped hub; call Start.
func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		topics:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan publication, 256),
		clients:    make(map[*Client]bool),
		log:        log,
		done:       make(chan struct{}),
	}
}

// Start begins the hub event loop.
func (h *Hub) Start() {
	h.log.Info("🔄 Starting realtime relay hub...")
	h.wg.Add(1)
	go h.run()
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.log.WithField("client", c.id).Debug("relay client registered")

		case c := <-h.unregister:
			h.drop(c)

		case p := <-h.publish:
			h.deliver(p)
		}
	}
}

// drop removes a client from every topic and closes its send queue.
// Only called from the run goroutine.
func (h *Hub) drop(c *Client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)

	h.mu.Lock()
	for topic := range c.topics {
		if subs, ok := h.topics[topic]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	h.mu.Unlock()

	c.closeSend()
	h.log.WithField("client", c.id).Debug("relay client removed")
}

func (h *Hub) deliver(p publication) {
	frame := models.Frame{Op: models.FrameMessage, Topic: p.topic, Data: p.data}

	h.mu.RLock()
	subs := make([]*Client, 0, len(h.topics[p.topic]))
	for c := range h.topics[p.topic] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		if !c.enqueue(frame) {
			// Buffer full - connection is slow/dead
			h.log.WithField("client", c.id).Warn("⚠️  relay client buffer full, closing connection")
			h.drop(c)
		}
	}
}

// subscribe is called from the client's read goroutine; the subscription
// is in place when it returns, before the ack is queued.
func (h *Hub) subscribe(c *Client, topic string) {
	if c.isClosed() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]bool)
	}
	h.topics[topic][c] = true
	c.topics[topic] = true
}

func (h *Hub) unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.topics, topic)
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Publish queues data for every subscriber of topic.
func (h *Hub) Publish(topic string, data []byte) bool {
	select {
	case h.publish <- publication{topic: topic, data: data}:
		return true
	case <-h.done:
		return false
	}
}

// Subscribers returns how many clients listen on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Shutdown closes every client and stops the loop.
func (h *Hub) Shutdown() {
	h.once.Do(func() {
		h.log.Info("🛑 Shutting down realtime relay...")
		close(h.done)
		h.wg.Wait()
		h.log.Info("✓ Realtime relay shutdown complete")
	})
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)
