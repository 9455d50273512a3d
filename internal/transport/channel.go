package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"resume-collab/internal/models"

	"github.com/sirupsen/logrus"
)

/*
LEARNING: PRESENCE OVER PLAIN PUB/SUB

A channel only has "publish to everyone" to work with, so presence is a small
gossip protocol on the same topic:

  join       announce myself (sent on subscribe and on every Track)
  here       answer a join, addressed to the newcomer, so it learns about us
  heartbeat  periodic "still here" carrying my metadata
  leave      sent on unsubscribe

A peer that stops heart-beating is swept after the presence timeout. Join
events fire once per distinct peer, however many join/here/heartbeat frames
announce it.
*/

// PresenceEventType is join or leave.
type PresenceEventType string

const (
	PresenceJoin  PresenceEventType = "join"
	PresenceLeave PresenceEventType = "leave"
)

// PresenceEvent reports a remote peer entering or leaving a channel.
type PresenceEvent struct {
	Type   PresenceEventType
	PeerID string
	Meta   models.PresenceMeta
}

// ErrChannelClosed is returned by operations on an unsubscribed channel.
var ErrChannelClosed = errors.New("channel closed")

// Channel is the broadcast+presence contract the adapter depends on.
type Channel interface {
	OnBroadcast(fn func(payload []byte))
	OnPresence(fn func(PresenceEvent))
	// Track sets the metadata announced for this peer.
	Track(ctx context.Context, meta models.PresenceMeta) error
	// Subscribe returns once the substrate acknowledged the subscription.
	Subscribe(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	Unsubscribe() error
}

// Realtime hands out channels by name.
type Realtime interface {
	Channel(name, selfPeerID string) Channel
}

// Options tune the presence protocol.
type Options struct {
	Heartbeat time.Duration
	Timeout   time.Duration
	Logger    logrus.FieldLogger
}

func (o *Options) defaults() {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 5 * time.Second
	}
	if o.Timeout <= o.Heartbeat {
		o.Timeout = 4 * o.Heartbeat
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Client implements Realtime on top of any Bus.
type Client struct {
	bus  Bus
	opts Options
}

// NewClient returns a Realtime backed by bus.
// Returns concrete type - "Accept interfaces, return structs"
func NewClient(bus Bus, opts Options) *Client {
	opts.defaults()
	return &Client{bus: bus, opts: opts}
}

func (c *Client) Channel(name, selfPeerID string) Channel {
	return &busChannel{
		bus:   c.bus,
		topic: name,
		self:  selfPeerID,
		opts:  c.opts,
		log: c.opts.Logger.WithFields(logrus.Fields{
			"channel": name,
			"peer_id": selfPeerID,
		}),
		peers: make(map[string]*remotePeer),
	}
}

type frameKind string

const (
	frameBroadcast frameKind = "broadcast"
	frameJoin      frameKind = "join"
	frameHere      frameKind = "here"
	frameHeartbeat frameKind = "heartbeat"
	frameLeave     frameKind = "leave"
)

// channelFrame is what a busChannel publishes on its topic.
type channelFrame struct {
	Kind    frameKind            `json:"kind"`
	From    string               `json:"from"`
	To      string               `json:"to,omitempty"`
	Meta    *models.PresenceMeta `json:"meta,omitempty"`
	Payload []byte               `json:"payload,omitempty"`
}

type remotePeer struct {
	meta     models.PresenceMeta
	lastSeen time.Time
}

type busChannel struct {
	bus   Bus
	topic string
	self  string
	opts  Options
	log   logrus.FieldLogger

	mu          sync.Mutex
	meta        *models.PresenceMeta
	sub         Subscription
	subscribed  bool
	closed      bool
	stop        chan struct{}
	loopDone    chan struct{}
	peers       map[string]*remotePeer
	onBroadcast []func([]byte)
	onPresence  []func(PresenceEvent)
}

func (c *busChannel) OnBroadcast(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBroadcast = append(c.onBroadcast, fn)
}

func (c *busChannel) OnPresence(fn func(PresenceEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPresence = append(c.onPresence, fn)
}

func (c *busChannel) Track(ctx context.Context, meta models.PresenceMeta) error {
	meta = meta.Normalize()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.meta = &meta
	subscribed := c.subscribed
	c.mu.Unlock()

	if !subscribed {
		return nil
	}
	return c.publish(ctx, channelFrame{Kind: frameJoin, Meta: &meta})
}

func (c *busChannel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.bus.Subscribe(ctx, c.topic, c.handle)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Close()
		return ErrChannelClosed
	}
	c.sub = sub
	c.subscribed = true
	c.stop = make(chan struct{})
	c.loopDone = make(chan struct{})
	meta := c.meta
	c.mu.Unlock()

	go c.presenceLoop()

	if meta != nil {
		if err := c.publish(ctx, channelFrame{Kind: frameJoin, Meta: meta}); err != nil {
			c.log.WithError(err).Warn("⚠️  failed to announce presence")
		}
	}
	return nil
}

func (c *busChannel) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	ok := c.subscribed && !c.closed
	c.mu.Unlock()
	if !ok {
		return ErrChannelClosed
	}
	return c.publish(ctx, channelFrame{Kind: frameBroadcast, Payload: payload})
}

// Unsubscribe announces leave, stops the heartbeat and drops the
// subscription. It is idempotent.
func (c *busChannel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasSubscribed := c.subscribed
	c.subscribed = false
	sub, stop, loopDone := c.sub, c.stop, c.loopDone
	c.peers = make(map[string]*remotePeer)
	c.mu.Unlock()

	if !wasSubscribed {
		return nil
	}

	close(stop)
	<-loopDone

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.publish(ctx, channelFrame{Kind: frameLeave}); err != nil {
		c.log.WithError(err).Debug("leave announcement not delivered")
	}
	return sub.Close()
}

func (c *busChannel) publish(ctx context.Context, f channelFrame) error {
	f.From = c.self
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", f.Kind, err)
	}
	return c.bus.Publish(ctx, c.topic, data)
}

func (c *busChannel) handle(data []byte) {
	var f channelFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.WithError(err).Warn("dropping undecodable channel frame")
		return
	}
	if f.From == "" || f.From == c.self {
		return
	}

	switch f.Kind {
	case frameBroadcast:
		c.mu.Lock()
		fns := slices.Clone(c.onBroadcast)
		active := c.subscribed
		c.mu.Unlock()
		if !active {
			return
		}
		for _, fn := range fns {
			fn(f.Payload)
		}

	case frameJoin:
		c.seen(f.From, f.Meta)
		c.mu.Lock()
		meta := c.meta
		active := c.subscribed
		c.mu.Unlock()
		if active && meta != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.Heartbeat)
			if err := c.publish(ctx, channelFrame{Kind: frameHere, To: f.From, Meta: meta}); err != nil {
				c.log.WithError(err).Debug("failed to answer join")
			}
			cancel()
		}

	case frameHere:
		if f.To != c.self {
			return
		}
		c.seen(f.From, f.Meta)

	case frameHeartbeat:
		c.seen(f.From, f.Meta)

	case frameLeave:
		c.left(f.From)
	}
}

// seen records activity from a peer and emits join the first time.
func (c *busChannel) seen(peerID string, meta *models.PresenceMeta) {
	if meta == nil {
		return
	}
	m := meta.Normalize()

	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return
	}
	p, known := c.peers[peerID]
	if known {
		p.lastSeen = time.Now()
		p.meta = m
		c.mu.Unlock()
		return
	}
	c.peers[peerID] = &remotePeer{meta: m, lastSeen: time.Now()}
	fns := slices.Clone(c.onPresence)
	c.mu.Unlock()

	ev := PresenceEvent{Type: PresenceJoin, PeerID: peerID, Meta: m}
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *busChannel) left(peerID string) {
	c.mu.Lock()
	p, known := c.peers[peerID]
	if !known {
		c.mu.Unlock()
		return
	}
	delete(c.peers, peerID)
	fns := slices.Clone(c.onPresence)
	c.mu.Unlock()

	ev := PresenceEvent{Type: PresenceLeave, PeerID: peerID, Meta: p.meta}
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *busChannel) presenceLoop() {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer func() {
		ticker.Stop()
		close(c.loopDone)
	}()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			meta := c.meta
			c.mu.Unlock()
			if meta != nil {
				ctx, cancel := context.WithTimeout(context.Background(), c.opts.Heartbeat)
				if err := c.publish(ctx, channelFrame{Kind: frameHeartbeat, Meta: meta}); err != nil {
					c.log.WithError(err).Debug("heartbeat not delivered")
				}
				cancel()
			}
			c.sweep()
		}
	}
}

// sweep drops peers that have not been heard from within the timeout.
func (c *busChannel) sweep() {
	cutoff := time.Now().Add(-c.opts.Timeout)
	c.mu.Lock()
	var stale []string
	for id, p := range c.peers {
		if p.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		c.log.WithField("remote_peer", id).Info("peer timed out")
		c.left(id)
	}
}
