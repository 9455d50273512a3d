package transport

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

const memoryBufferSize = 256

// MemoryBus is an in-process Bus. Each subscriber has its own buffered
// queue and delivery goroutine; a full queue drops the message.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
	closed bool
	log    logrus.FieldLogger
}

type memorySub struct {
	bus   *MemoryBus
	topic string
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus(log logrus.FieldLogger) *MemoryBus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MemoryBus{
		topics: make(map[string]map[*memorySub]struct{}),
		log:    log,
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	s := &memorySub{
		bus:   b,
		topic: topic,
		queue: make(chan []byte, memoryBufferSize),
		done:  make(chan struct{}),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySub]struct{})
	}
	b.topics[topic][s] = struct{}{}

	go s.deliver(h)
	return s, nil
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	for s := range b.topics[topic] {
		msg := append([]byte(nil), data...)
		select {
		case s.queue <- msg:
		default:
			b.log.WithField("topic", topic).Warn("⚠️  subscriber queue full, dropping message")
		}
	}
	return nil
}

// Subscribers reports how many subscriptions a topic has.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close stops every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySub
	for _, set := range b.topics {
		for s := range set {
			subs = append(subs, s)
		}
	}
	b.topics = make(map[string]map[*memorySub]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

func (s *memorySub) deliver(h Handler) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			h(msg)
		}
	}
}

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	if set, ok := s.bus.topics[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}
