package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"resume-collab/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const wsWriteWait = 10 * time.Second

// WebSocketBus is a client of the realtime relay. One connection carries
// every topic this process subscribes to.
type WebSocketBus struct {
	conn *websocket.Conn
	log  logrus.FieldLogger

	// gorilla connections allow one concurrent writer
	wmu sync.Mutex

	mu       sync.Mutex
	handlers map[string]map[uint64]Handler
	pending  map[string]chan error
	nextID   uint64
	closed   bool

	done chan struct{}
}

// DialWebSocketBus connects to the relay at url (ws:// or wss://).
func DialWebSocketBus(ctx context.Context, url string, log logrus.FieldLogger) (*WebSocketBus, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", url, err)
	}
	b := &WebSocketBus{
		conn:     conn,
		log:      log,
		handlers: make(map[string]map[uint64]Handler),
		pending:  make(map[string]chan error),
		done:     make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *WebSocketBus) readLoop() {
	defer close(b.done)
	for {
		var f models.Frame
		if err := b.conn.ReadJSON(&f); err != nil {
			b.mu.Lock()
			closing := b.closed
			b.closed = true
			for ref, ch := range b.pending {
				ch <- ErrBusClosed
				delete(b.pending, ref)
			}
			b.mu.Unlock()
			if !closing {
				b.log.WithError(err).Warn("⚠️  relay connection lost")
			}
			return
		}

		switch f.Op {
		case models.FrameAck, models.FrameError:
			b.resolve(f)
		case models.FrameMessage:
			b.mu.Lock()
			hs := make([]Handler, 0, len(b.handlers[f.Topic]))
			for _, h := range b.handlers[f.Topic] {
				hs = append(hs, h)
			}
			b.mu.Unlock()
			for _, h := range hs {
				h(f.Data)
			}
		default:
			b.log.WithField("op", f.Op).Debug("ignoring unexpected relay frame")
		}
	}
}

func (b *WebSocketBus) resolve(f models.Frame) {
	if f.Ref == "" {
		if f.Error != "" {
			b.log.WithField("topic", f.Topic).Warn("relay error: " + f.Error)
		}
		return
	}
	b.mu.Lock()
	ch, ok := b.pending[f.Ref]
	delete(b.pending, f.Ref)
	b.mu.Unlock()
	if !ok {
		return
	}
	if f.Op == models.FrameError {
		ch <- fmt.Errorf("relay rejected %s: %s", f.Topic, f.Error)
		return
	}
	ch <- nil
}

func (b *WebSocketBus) write(f models.Frame) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	b.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return b.conn.WriteJSON(f)
}

// request writes f and waits for the relay to acknowledge it.
func (b *WebSocketBus) request(ctx context.Context, f models.Frame) error {
	ch := make(chan error, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.nextID++
	f.Ref = strconv.FormatUint(b.nextID, 10)
	b.pending[f.Ref] = ch
	b.mu.Unlock()

	if err := b.write(f); err != nil {
		b.mu.Lock()
		delete(b.pending, f.Ref)
		b.mu.Unlock()
		return fmt.Errorf("failed to write %s frame: %w", f.Op, err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, f.Ref)
		b.mu.Unlock()
		return ctx.Err()
	}
}

func (b *WebSocketBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[uint64]Handler)
	}
	b.handlers[topic][id] = h
	b.mu.Unlock()

	sub := &wsSub{bus: b, topic: topic, id: id}
	// the relay treats repeated subscribes as no-ops, so every local
	// subscriber waits for its own ack
	if err := b.request(ctx, models.Frame{Op: models.FrameSubscribe, Topic: topic}); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return sub, nil
}

func (b *WebSocketBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	if err := b.write(models.Frame{Op: models.FramePublish, Topic: topic, Data: data}); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close drops the relay connection and waits for the reader to exit.
func (b *WebSocketBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	// best-effort close handshake
	b.wmu.Lock()
	b.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = b.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.wmu.Unlock()

	err := b.conn.Close()
	<-b.done
	return err
}

type wsSub struct {
	bus   *WebSocketBus
	topic string
	id    uint64
	once  sync.Once
}

func (s *wsSub) Close() error {
	var err error
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		set := b.handlers[s.topic]
		delete(set, s.id)
		last := len(set) == 0
		if last {
			delete(b.handlers, s.topic)
		}
		closed := b.closed
		b.mu.Unlock()

		if last && !closed {
			// no ack wait: Close may run on the read goroutine
			err = b.write(models.Frame{Op: models.FrameUnsubscribe, Topic: s.topic})
		}
	})
	return err
}
