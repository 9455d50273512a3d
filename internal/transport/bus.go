// Package transport relays sync and control envelopes between the peers of
// one collaboration session over a broadcast+presence channel.
package transport

import (
	"context"
	"errors"
)

/*
LEARNING: A SMALL SUBSTRATE CONTRACT

Every pub/sub system we can run on (an in-process map, Redis PUBLISH/SUBSCRIBE,
our own websocket relay) agrees on one thing: publish bytes to a topic and get
them delivered to everyone subscribed to it. Presence (who is here) is built
once on top of that in channel.go instead of once per substrate.

Delivery is best-effort. Substrates may drop a message for a slow subscriber,
and nothing is replayed after a reconnect; the CRDT layer re-converges through
full state exchanges and periodic digests.
*/

// ErrBusClosed is returned when publishing or subscribing on a closed bus.
var ErrBusClosed = errors.New("bus closed")

// Handler receives one published message. Handlers for a single subscription
// are called sequentially, in the order the substrate delivered the messages.
type Handler func(data []byte)

// Subscription is an active topic subscription.
type Subscription interface {
	// Close stops delivery. It must not wait for an in-flight handler to
	// return, so it is safe to call from inside one.
	Close() error
}

// Bus is the minimal topic pub/sub a channel runs on.
type Bus interface {
	// Subscribe returns once the substrate has confirmed the subscription.
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Publish(ctx context.Context, topic string, data []byte) error
}
