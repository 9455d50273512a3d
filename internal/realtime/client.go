package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"resume-collab/internal/middleware"
	"resume-collab/internal/models"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

// Client is one relay websocket connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	// topics is guarded by hub.mu
	topics map[string]bool

	mu     sync.Mutex
	send   chan models.Frame
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:     ksuid.New().String(),
		hub:    hub,
		conn:   conn,
		topics: make(map[string]bool),
		send:   make(chan models.Frame, sendBuffer),
	}
}

// enqueue hands f to the write pump. It reports false when the buffer is
// full or the client is gone.
func (c *Client) enqueue(f models.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump reads frames from the connection.
// Learning: Each client has its own goroutine reading from the WebSocket
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.WithError(err).WithField("client", c.id).Warn("relay websocket error")
			}
			return
		}

		var f models.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.enqueue(models.Frame{Op: models.FrameError, Error: "malformed frame"})
			continue
		}
		c.handle(ctx, f)
	}
}

func (c *Client) handle(ctx context.Context, f models.Frame) {
	if f.Topic == "" {
		c.enqueue(models.Frame{Op: models.FrameError, Ref: f.Ref, Error: "topic is required"})
		return
	}

	switch f.Op {
	case models.FrameSubscribe:
		c.hub.subscribe(c, f.Topic)
		c.enqueue(models.Frame{Op: models.FrameAck, Topic: f.Topic, Ref: f.Ref})

	case models.FrameUnsubscribe:
		c.hub.unsubscribe(c, f.Topic)
		if f.Ref != "" {
			c.enqueue(models.Frame{Op: models.FrameAck, Topic: f.Topic, Ref: f.Ref})
		}

	case models.FramePublish:
		_, span := middleware.StartSpan(ctx, "Relay.Publish",
			attribute.String("relay.topic", f.Topic),
			attribute.Int("message.size", len(f.Data)),
		)
		ok := c.hub.Publish(f.Topic, f.Data)
		span.End()
		if f.Ref != "" {
			if ok {
				c.enqueue(models.Frame{Op: models.FrameAck, Topic: f.Topic, Ref: f.Ref})
			} else {
				c.enqueue(models.Frame{Op: models.FrameError, Topic: f.Topic, Ref: f.Ref, Error: "relay shutting down"})
			}
		}

	default:
		c.enqueue(models.Frame{Op: models.FrameError, Topic: f.Topic, Ref: f.Ref, Error: "unknown op " + string(f.Op)})
	}
}

// WritePump writes queued frames to the connection.
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
