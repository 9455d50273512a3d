// Package collaboration runs the share/join lifecycle of one resume: it wires
// a document to a session channel so local changes go out as sync envelopes
// and remote ones are merged in.
package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"resume-collab/internal/document"
	"resume-collab/internal/middleware"
	"resume-collab/internal/models"
	"resume-collab/internal/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: ATTACH, DON'T OWN

The controller never owns the document; the document manager does. Sharing
only adds two taps:

  doc.OnChange   local change  → broadcast a sync "change" envelope
  adapter        remote "sync" → doc.ReceiveSync, reply to the sender if asked

Catch-up happens through full state exchanges: on connect a peer broadcasts
its state, and every peer answers a newcomer with its state addressed to it.
A periodic digest broadcast (anti-entropy) repairs anything lost by the
best-effort transport.
*/

var (
	// ErrDocumentNotReady means the document manager has not finished loading.
	ErrDocumentNotReady = errors.New("document is not ready for collaboration")
	// ErrInvalidSession is returned for an empty session id or a resume id
	// that does not match the managed document.
	ErrInvalidSession = errors.New("invalid collaboration session")
)

// State of the controller
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "idle"
	}
}

// MarshalJSON renders the state name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// DocumentSource is what the controller needs from the document manager
type DocumentSource interface {
	Document() (*document.Document, error)
	LogicalID() string
}

type Options struct {
	// ShareBaseURL is the page guests open; resume and session are added as
	// query parameters.
	ShareBaseURL string
	// AntiEntropyInterval between digest broadcasts; zero disables them.
	AntiEntropyInterval time.Duration
	SendTimeout         time.Duration
	Logger              logrus.FieldLogger
	Now                 func() time.Time
	NewSessionID        func() string
	NewPeerID           func() string
}

func (o *Options) defaults() {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewSessionID == nil {
		o.NewSessionID = NewSessionID
	}
	if o.NewPeerID == nil {
		o.NewPeerID = uuid.NewString
	}
}

// NewSessionID returns 16 lowercase hex characters of a random UUID.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// StartParams identify the host starting a share.
type StartParams struct {
	LogicalID string
	UserID    string
	UserName  string
}

// JoinParams identify a guest joining an existing share.
type JoinParams struct {
	LogicalID string
	SessionID string
	UserID    string
	UserName  string
}

// Info is a snapshot of the controller for projections.
type Info struct {
	State   State                        `json:"state"`
	Session *models.CollaborationSession `json:"session,omitempty"`
}

type session struct {
	info    models.CollaborationSession
	peerID  string
	adapter *transport.Adapter
	doc     *document.Document
	detach  func()
	stop    chan struct{}
	done    chan struct{}
}

// Controller drives one resume's collaboration session.
type Controller struct {
	docs DocumentSource
	rt   transport.Realtime
	opts Options

	// opMu serializes start/join/stop; callbacks never take it except the
	// remote-termination goroutine
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	active    *session
	listeners map[int]func(Info)
	nextID    int
}

// NewController returns an idle controller.
// Returns concrete type - "Accept interfaces, return structs"
func NewController(docs DocumentSource, rt transport.Realtime, opts Options) *Controller {
	opts.defaults()
	return &Controller{
		docs:      docs,
		rt:        rt,
		opts:      opts,
		listeners: make(map[int]func(Info)),
	}
}

// StartSharing opens a fresh session as host. A session that is already
// active is stopped first.
func (c *Controller) StartSharing(ctx context.Context, p StartParams) (*models.CollaborationSession, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	sessionID := c.opts.NewSessionID()
	return c.connect(ctx, p.LogicalID, sessionID, models.RoleHost, p.UserID, p.UserName)
}

// JoinSession attaches to a host's session as guest. Joining the session
// that is already active is a no-op.
func (c *Controller) JoinSession(ctx context.Context, p JoinParams) (*models.CollaborationSession, error) {
	if p.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidSession)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state == StateActive && c.active.info.SessionID == p.SessionID && c.active.info.ResumeID == p.LogicalID {
		info := copySession(c.active.info)
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	return c.connect(ctx, p.LogicalID, p.SessionID, models.RoleGuest, p.UserID, p.UserName)
}

// StopSharing leaves the active session. A host first tells the guests the
// share has ended.
func (c *Controller) StopSharing(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.teardown(ctx, true)
}

func (c *Controller) connect(ctx context.Context, logicalID, sessionID string, role models.Role, userID, userName string) (*models.CollaborationSession, error) {
	ctx, span := middleware.StartSpan(ctx, "Collaboration.Connect",
		attribute.String("resume.id", logicalID),
		attribute.String("session.id", sessionID),
		attribute.String("session.role", string(role)),
	)
	defer span.End()

	doc, err := c.docs.Document()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentNotReady, err)
	}
	if logicalID == "" {
		logicalID = c.docs.LogicalID()
	}
	if logicalID != c.docs.LogicalID() {
		return nil, fmt.Errorf("%w: document holds resume %s, not %s", ErrInvalidSession, c.docs.LogicalID(), logicalID)
	}

	// replacing a session is silent: the previous one just ends
	c.teardown(ctx, true)

	peerID := c.opts.NewPeerID()
	log := c.opts.Logger.WithFields(logrus.Fields{
		"resume_id":  logicalID,
		"session_id": sessionID,
		"peer_id":    peerID,
		"role":       role,
	})

	s := &session{
		info: models.CollaborationSession{
			SessionID:    sessionID,
			ResumeID:     logicalID,
			Role:         role,
			ChannelName:  transport.ChannelName(logicalID, sessionID),
			StartedAt:    c.opts.Now(),
			Participants: make(map[string]models.Participant),
		},
		peerID:  peerID,
		adapter: transport.NewAdapter(c.rt, logicalID, sessionID, c.opts.Logger),
		doc:     doc,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if role == models.RoleHost {
		s.info.ShareURL = c.shareURL(logicalID, sessionID)
	}

	s.adapter.OnMessage(func(m transport.Message) { c.onMessage(s, m) })
	s.adapter.OnPeerJoined(func(id string, meta models.PresenceMeta) { c.onPeerJoined(s, id, meta) })
	s.adapter.OnPeerLeft(func(id string) { c.onPeerLeft(s, id) })

	c.mu.Lock()
	c.state = StateConnecting
	c.active = s
	c.mu.Unlock()
	c.notify()

	meta := models.PresenceMeta{
		UserID:   userID,
		UserName: userName,
		Color:    models.ColorFor(userID),
		Role:     role,
	}
	if err := s.adapter.Connect(ctx, peerID, meta); err != nil {
		c.mu.Lock()
		if c.active == s {
			c.active = nil
			c.state = StateIdle
		}
		c.mu.Unlock()
		c.notify()
		middleware.AddSpanError(ctx, err)
		log.WithError(err).Error("failed to connect collaboration session")
		return nil, fmt.Errorf("failed to connect session %s: %w", sessionID, err)
	}

	s.detach = doc.OnChange(func(ev document.ChangeEvent) { c.onDocChange(s, ev) })

	// peers that were already present learn our state
	c.sendSync(s, "", doc.StateMessage())

	if c.opts.AntiEntropyInterval > 0 {
		go c.antiEntropy(s)
	} else {
		close(s.done)
	}

	c.mu.Lock()
	c.state = StateActive
	info := copySession(s.info)
	c.mu.Unlock()
	c.notify()

	log.Info("🤝 collaboration session active")
	return info, nil
}

// teardown ends the active session, if any. Must hold opMu.
func (c *Controller) teardown(ctx context.Context, announce bool) {
	c.mu.Lock()
	s := c.active
	c.active = nil
	c.state = StateIdle
	c.mu.Unlock()
	if s == nil {
		return
	}

	if announce && s.info.Role == models.RoleHost {
		payload, _ := json.Marshal(models.ControlMessage{Type: models.ControlShareEnded})
		sendCtx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
		if err := s.adapter.Send(sendCtx, models.MessageTypeControl, "", payload); err != nil {
			c.opts.Logger.WithError(err).WithField("session_id", s.info.SessionID).Warn("⚠️  share-ended not delivered")
		}
		cancel()
	}

	if s.detach != nil {
		s.detach()
	}
	close(s.stop)
	<-s.done
	if err := s.adapter.Disconnect(); err != nil {
		c.opts.Logger.WithError(err).Debug("transport disconnect")
	}
	c.notify()

	c.opts.Logger.WithFields(logrus.Fields{
		"resume_id":  s.info.ResumeID,
		"session_id": s.info.SessionID,
	}).Info("collaboration session ended")
}

// remoteEnded handles share-ended from the host: leave without announcing.
func (c *Controller) remoteEnded(s *session) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if !c.isCurrent(s) {
		return
	}
	c.opts.Logger.WithField("session_id", s.info.SessionID).Info("host ended the share")
	c.teardown(context.Background(), false)
}

func (c *Controller) isCurrent(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == s
}

func (c *Controller) onDocChange(s *session, ev document.ChangeEvent) {
	// remote changes are not re-broadcast: their author already did
	if ev.Origin != document.OriginLocal || len(ev.Changes) == 0 {
		return
	}
	if !c.isCurrent(s) {
		return
	}
	c.sendSync(s, "", document.ChangesMessage(ev.Changes))
}

func (c *Controller) onMessage(s *session, m transport.Message) {
	if !c.isCurrent(s) {
		return
	}
	log := c.opts.Logger.WithFields(logrus.Fields{
		"session_id": s.info.SessionID,
		"sender":     m.Envelope.SenderID,
	})

	switch m.Envelope.MessageType {
	case models.MessageTypeSync:
		msg, err := document.DecodeSyncMessage(m.Data)
		if err != nil {
			log.WithError(err).Warn("dropping undecodable sync message")
			return
		}
		reply, err := s.doc.ReceiveSync(msg)
		if err != nil {
			log.WithError(err).Warn("failed to apply sync message")
			return
		}
		if reply != nil {
			c.sendSync(s, m.Envelope.SenderID, reply)
		}

	case models.MessageTypeControl:
		var cm models.ControlMessage
		if err := json.Unmarshal(m.Data, &cm); err != nil {
			log.WithError(err).Warn("dropping undecodable control message")
			return
		}
		if cm.Type == models.ControlShareEnded && s.info.Role == models.RoleGuest {
			// leaving unsubscribes the channel this callback runs on
			go c.remoteEnded(s)
		}

	default:
		log.WithField("message_type", m.Envelope.MessageType).Debug("ignoring unknown message type")
	}
}

func (c *Controller) onPeerJoined(s *session, peerID string, meta models.PresenceMeta) {
	if peerID == s.peerID {
		return
	}
	c.mu.Lock()
	if c.active != s {
		c.mu.Unlock()
		return
	}
	s.info.Participants[peerID] = models.Participant{
		PeerID:      peerID,
		UserID:      meta.UserID,
		DisplayName: meta.UserName,
		Color:       meta.Color,
		Role:        meta.Role,
		JoinedAt:    c.opts.Now(),
	}
	c.mu.Unlock()
	c.notify()

	c.sendSync(s, peerID, s.doc.StateMessage())
}

func (c *Controller) onPeerLeft(s *session, peerID string) {
	c.mu.Lock()
	if c.active != s {
		c.mu.Unlock()
		return
	}
	delete(s.info.Participants, peerID)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) sendSync(s *session, target string, msg *document.SyncMessage) {
	data, err := document.EncodeSyncMessage(msg)
	if err != nil {
		c.opts.Logger.WithError(err).Error("failed to encode sync message")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
	defer cancel()
	// best-effort: a lost message is repaired by the next state exchange
	_ = s.adapter.Send(ctx, models.MessageTypeSync, target, data)
}

func (c *Controller) antiEntropy(s *session) {
	defer close(s.done)
	ticker := time.NewTicker(c.opts.AntiEntropyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			c.sendSync(s, "", s.doc.HeadsMessage())
		}
	}
}

func (c *Controller) shareURL(logicalID, sessionID string) string {
	u, err := url.Parse(c.opts.ShareBaseURL)
	if err != nil || c.opts.ShareBaseURL == "" {
		u = &url.URL{Path: "/resume"}
	}
	q := u.Query()
	q.Set("resume", logicalID)
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

// State returns the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a copy of the current state and session.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{State: c.state}
	if c.active != nil {
		info.Session = copySession(c.active.info)
	}
	return info
}

// OnChange registers fn for state and participant updates. The returned
// func removes it.
func (c *Controller) OnChange(fn func(Info)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Controller) notify() {
	info := c.Info()
	c.mu.Lock()
	fns := make([]func(Info), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(info)
	}
}

func copySession(s models.CollaborationSession) *models.CollaborationSession {
	out := s
	out.Participants = make(map[string]models.Participant, len(s.Participants))
	for k, v := range s.Participants {
		out.Participants[k] = v
	}
	return &out
}
