package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"resume-collab/internal/middleware"
	"resume-collab/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// ErrNotReady is returned by Send before Connect or after Disconnect.
// Sends are best-effort, so callers usually just log it.
var ErrNotReady = errors.New("transport not connected")

// ChannelName is the channel every peer of one session subscribes to.
func ChannelName(logicalID, sessionID string) string {
	return "resume:" + logicalID + ":session:" + sessionID
}

// Message is an envelope addressed to this peer, payload already decoded.
type Message struct {
	Envelope models.Envelope
	Data     []byte
}

// Adapter connects one peer to one session channel and translates between
// envelopes and the channel's raw broadcast payloads.
type Adapter struct {
	rt        Realtime
	logicalID string
	sessionID string
	log       logrus.FieldLogger

	mu           sync.Mutex
	ch           Channel
	ready        bool
	selfPeerID   string
	peers        map[string]models.PresenceMeta
	onMessage    []func(Message)
	onPeerJoined []func(peerID string, meta models.PresenceMeta)
	onPeerLeft   []func(peerID string)
}

// NewAdapter returns a disconnected adapter for one session.
func NewAdapter(rt Realtime, logicalID, sessionID string, log logrus.FieldLogger) *Adapter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Adapter{
		rt:        rt,
		logicalID: logicalID,
		sessionID: sessionID,
		log: log.WithFields(logrus.Fields{
			"resume_id":  logicalID,
			"session_id": sessionID,
		}),
		peers: make(map[string]models.PresenceMeta),
	}
}

func (a *Adapter) ChannelName() string { return ChannelName(a.logicalID, a.sessionID) }

// OnMessage registers fn for envelopes addressed to this peer.
func (a *Adapter) OnMessage(fn func(Message)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMessage = append(a.onMessage, fn)
}

// OnPeerJoined registers fn, called once per distinct remote peer.
func (a *Adapter) OnPeerJoined(fn func(peerID string, meta models.PresenceMeta)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPeerJoined = append(a.onPeerJoined, fn)
}

func (a *Adapter) OnPeerLeft(fn func(peerID string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPeerLeft = append(a.onPeerLeft, fn)
}

// Connect subscribes to the session channel and announces meta. It returns
// once the subscription is acknowledged.
func (a *Adapter) Connect(ctx context.Context, selfPeerID string, meta models.PresenceMeta) error {
	ctx, span := middleware.StartSpan(ctx, "Transport.Connect",
		attribute.String("resume.id", a.logicalID),
		attribute.String("session.id", a.sessionID),
		attribute.String("peer.id", selfPeerID),
	)
	defer span.End()

	a.mu.Lock()
	if a.ch != nil {
		a.mu.Unlock()
		return fmt.Errorf("transport already connected to %s", a.ChannelName())
	}
	a.selfPeerID = selfPeerID
	ch := a.rt.Channel(a.ChannelName(), selfPeerID)
	a.ch = ch
	a.mu.Unlock()

	ch.OnBroadcast(a.handleBroadcast)
	ch.OnPresence(a.handlePresence)

	if err := ch.Track(ctx, meta); err != nil {
		a.abort(ch)
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to track presence: %w", err)
	}
	if err := ch.Subscribe(ctx); err != nil {
		a.abort(ch)
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to subscribe to %s: %w", a.ChannelName(), err)
	}

	a.mu.Lock()
	a.ready = a.ch == ch
	a.mu.Unlock()

	a.log.WithField("peer_id", selfPeerID).Info("🔌 transport connected")
	return nil
}

func (a *Adapter) abort(ch Channel) {
	ch.Unsubscribe()
	a.mu.Lock()
	if a.ch == ch {
		a.ch = nil
	}
	a.mu.Unlock()
}

// Ready reports whether Send will reach the channel.
func (a *Adapter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

func (a *Adapter) SelfPeerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selfPeerID
}

// Peers returns the remote peers currently present.
func (a *Adapter) Peers() map[string]models.PresenceMeta {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]models.PresenceMeta, len(a.peers))
	for id, m := range a.peers {
		out[id] = m
	}
	return out
}

// Send wraps payload in an envelope and broadcasts it. An empty targetID
// addresses every peer. While not connected the send is dropped and logged.
func (a *Adapter) Send(ctx context.Context, typ models.MessageType, targetID string, payload []byte) error {
	a.mu.Lock()
	ch, ready, self := a.ch, a.ready, a.selfPeerID
	a.mu.Unlock()

	if !ready {
		a.log.WithField("message_type", typ).Debug("transport not ready, dropping send")
		return ErrNotReady
	}

	env := models.Envelope{
		SenderID:    self,
		TargetID:    targetID,
		MessageType: typ,
		DocumentID:  a.logicalID,
	}
	env.EncodePayload(payload)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := ch.Send(ctx, data); err != nil {
		a.log.WithError(err).Warn("⚠️  send failed")
		return err
	}
	return nil
}

// Disconnect leaves the channel. Safe to call more than once.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	ch := a.ch
	a.ch = nil
	a.ready = false
	a.peers = make(map[string]models.PresenceMeta)
	a.mu.Unlock()

	if ch == nil {
		return nil
	}
	a.log.Info("transport disconnected")
	return ch.Unsubscribe()
}

func (a *Adapter) handleBroadcast(raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		a.log.WithError(err).Warn("dropping malformed envelope")
		return
	}

	// accepted from subscribe onwards: replies to our own join can arrive
	// before Connect returns
	a.mu.Lock()
	self, attached := a.selfPeerID, a.ch != nil
	fns := slices.Clone(a.onMessage)
	a.mu.Unlock()

	switch {
	case !attached:
		return
	case env.SenderID == self:
		return
	case !env.IsBroadcast() && env.TargetID != self:
		return
	case env.DocumentID != "" && env.DocumentID != a.logicalID:
		a.log.WithField("document_id", env.DocumentID).Warn("dropping envelope for another document")
		return
	}

	data, err := env.DecodePayload()
	if err != nil {
		a.log.WithError(err).WithField("sender", env.SenderID).Warn("dropping envelope")
		return
	}
	msg := Message{Envelope: env, Data: data}
	for _, fn := range fns {
		fn(msg)
	}
}

func (a *Adapter) handlePresence(ev PresenceEvent) {
	a.mu.Lock()
	if ev.PeerID == a.selfPeerID || a.ch == nil {
		a.mu.Unlock()
		return
	}

	switch ev.Type {
	case PresenceJoin:
		if _, known := a.peers[ev.PeerID]; known {
			a.mu.Unlock()
			return
		}
		a.peers[ev.PeerID] = ev.Meta
		fns := slices.Clone(a.onPeerJoined)
		a.mu.Unlock()
		a.log.WithFields(logrus.Fields{"remote_peer": ev.PeerID, "user": ev.Meta.UserName}).Info("👋 peer joined")
		for _, fn := range fns {
			fn(ev.PeerID, ev.Meta)
		}

	case PresenceLeave:
		if _, known := a.peers[ev.PeerID]; !known {
			a.mu.Unlock()
			return
		}
		delete(a.peers, ev.PeerID)
		fns := slices.Clone(a.onPeerLeft)
		a.mu.Unlock()
		a.log.WithField("remote_peer", ev.PeerID).Info("peer left")
		for _, fn := range fns {
			fn(ev.PeerID)
		}

	default:
		a.mu.Unlock()
	}
}
