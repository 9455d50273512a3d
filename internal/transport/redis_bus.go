package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBus runs channels over Redis PUBLISH/SUBSCRIBE, so peers connected
// to different server processes share a session.
type RedisBus struct {
	client *redis.Client
	prefix string
	log    logrus.FieldLogger
}

// NewRedisBus wraps an existing client. Topics are namespaced with prefix.
func NewRedisBus(client *redis.Client, prefix string, log logrus.FieldLogger) *RedisBus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisBus{client: client, prefix: prefix, log: log}
}

// DialRedis connects to addr and verifies the server answers.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

type redisSub struct {
	pubsub *redis.PubSub
	once   sync.Once
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.prefix+topic)

	// Wait for the subscribe confirmation; messages published before it
	// would otherwise be silently missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	msgs := pubsub.Channel()
	go func() {
		for msg := range msgs {
			h([]byte(msg.Payload))
		}
		b.log.WithField("topic", topic).Debug("redis subscription closed")
	}()

	return &redisSub{pubsub: pubsub}, nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := b.client.Publish(ctx, b.prefix+topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}
