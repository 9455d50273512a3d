// Package docmanager owns one replicated resume per logical id: it loads or
// creates the document, debounces snapshot saves and reports sync status.
package docmanager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"resume-collab/internal/debounce"
	"resume-collab/internal/document"
	"resume-collab/internal/middleware"
	"resume-collab/internal/persistence"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: LOAD-OR-CREATE WITHOUT FORKING

Two replicas opening the same resume for the first time must end up editing
the same CRDT document, not two unrelated ones. The loading order is:

  1. stored handle → open the local replica (no network cost)
  2. stored snapshot → import it under the stored handle
  3. nothing stored → create, seed, and persist once right away

Step 3 persists immediately so the next replica to initialize finds the
handle in step 1 or 2 instead of creating its own.
*/

var (
	ErrNoOwner   = errors.New("no owner: persistence requires a signed-in user")
	ErrNotReady  = errors.New("document manager is not ready")
	ErrDestroyed = errors.New("document manager was destroyed")
)

// State of a Manager
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDestroyed:
		return "destroyed"
	default:
		return "uninitialized"
	}
}

// Store is what the manager needs from the replicated document store
type Store interface {
	Create(ctx context.Context, opts document.CreateOptions) (*document.Document, error)
	Open(ctx context.Context, h document.Handle) (*document.Document, error)
	Import(ctx context.Context, h document.Handle, snapshot []byte) (*document.Document, error)
	Release(h document.Handle)
}

// Persistence is what the manager needs from the durable backend
type Persistence interface {
	LoadLogicalDocument(ctx context.Context, logicalID string) (*persistence.Loaded, error)
	SaveSnapshot(ctx context.Context, s persistence.Snapshot) (bool, error)
	LoadLegacy(ctx context.Context, logicalID string) (*document.Seed, error)
}

// Status is the sync indicator shown to users.
type Status struct {
	IsSyncing      bool       `json:"isSyncing"`
	LastSyncTime   *time.Time `json:"lastSyncTime"`
	SyncError      *string    `json:"syncError"`
	PendingChanges int        `json:"pendingChanges"`
}

// SavedEvent is passed to OnSaved hooks after a snapshot reached the backend.
type SavedEvent struct {
	LogicalID string
	OwnerID   string
	Resume    *document.Resume
}

type Options struct {
	AutosaveDelay time.Duration
	SaveTimeout   time.Duration
	Logger        logrus.FieldLogger
	Now           func() time.Time
}

func (o *Options) defaults() {
	if o.AutosaveDelay <= 0 {
		o.AutosaveDelay = 3 * time.Second
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager is the sole owner of one logical resume's document.
type Manager struct {
	store   Store
	persist Persistence
	opts    Options
	saver   *debounce.Debouncer

	mu          sync.Mutex
	state       State
	logicalID   string
	ownerID     string
	doc         *document.Document
	ready       chan struct{}
	initErr     error
	unsubscribe func()
	status      Status

	hmu             sync.Mutex
	statusListeners map[int]func(Status)
	savedHooks      []func(SavedEvent)
	nextListener    int

	// saveMu keeps debounced and manual saves from overlapping
	saveMu sync.Mutex
}

// NewManager returns an uninitialized manager
// Returns concrete type - "Accept interfaces, return structs"
func NewManager(store Store, persist Persistence, opts Options) *Manager {
	opts.defaults()
	m := &Manager{
		store:           store,
		persist:         persist,
		opts:            opts,
		statusListeners: make(map[int]func(Status)),
	}
	m.saver = debounce.New(opts.AutosaveDelay, m.autosave)
	return m
}

// Initialize loads or creates the document for logicalID. Calls made while
// another Initialize is running wait for it and share its result.
func (m *Manager) Initialize(ctx context.Context, logicalID, ownerID string) (*document.Document, error) {
	if ownerID == "" {
		return nil, ErrNoOwner
	}

	m.mu.Lock()
	switch m.state {
	case StateReady:
		defer m.mu.Unlock()
		if logicalID != m.logicalID {
			return nil, m.holdsOther()
		}
		return m.doc, nil
	case StateDestroyed:
		m.mu.Unlock()
		return nil, ErrDestroyed
	case StateInitializing:
		if logicalID != m.logicalID {
			err := m.holdsOther()
			m.mu.Unlock()
			return nil, err
		}
		ready := m.ready
		m.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state != StateReady {
			return nil, m.initErr
		}
		return m.doc, nil
	}

	m.state = StateInitializing
	m.logicalID = logicalID
	m.ownerID = ownerID
	m.ready = make(chan struct{})
	ready := m.ready
	m.mu.Unlock()

	doc, created, err := m.load(ctx, logicalID, ownerID)

	m.mu.Lock()
	if err != nil {
		m.state = StateUninitialized
		m.initErr = err
		close(ready)
		m.mu.Unlock()
		return nil, err
	}
	if m.state == StateDestroyed {
		// Destroy raced with the load
		m.mu.Unlock()
		close(ready)
		m.store.Release(doc.Handle())
		return nil, ErrDestroyed
	}
	m.doc = doc
	m.initErr = nil
	m.mu.Unlock()

	if created {
		// persist once so other replicas converge on this handle
		if err := m.save(ctx, doc); err != nil {
			m.opts.Logger.WithError(err).WithField("resume_id", logicalID).Warn("⚠️  initial save failed, will retry on next change")
		}
	}

	m.mu.Lock()
	m.state = StateReady
	m.unsubscribe = doc.OnChange(m.onDocChange)
	close(ready)
	m.mu.Unlock()

	m.opts.Logger.WithFields(logrus.Fields{
		"resume_id": logicalID,
		"handle":    doc.Handle(),
		"created":   created,
	}).Info("✓ document ready")
	return doc, nil
}

// holdsOther must be called with mu held.
func (m *Manager) holdsOther() error {
	return fmt.Errorf("manager already holds resume %s", m.logicalID)
}

// load walks the ordered strategy: local replica, snapshot import, create.
func (m *Manager) load(ctx context.Context, logicalID, ownerID string) (*document.Document, bool, error) {
	ctx, span := middleware.StartSpan(ctx, "DocumentManager.Initialize",
		attribute.String("resume.id", logicalID),
	)
	defer span.End()

	log := m.opts.Logger.WithField("resume_id", logicalID)

	loaded, err := m.persist.LoadLogicalDocument(ctx, logicalID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		log.WithError(err).Warn("⚠️  unexpected load error, creating a new document")
	}
	if loaded != nil {
		if loaded.Handle != "" {
			doc, err := m.store.Open(ctx, loaded.Handle)
			if err == nil {
				if loaded.Snapshot != nil {
					// bring a stale local replica up to the stored state
					if _, err := m.store.Import(ctx, loaded.Handle, loaded.Snapshot); err != nil {
						log.WithError(err).Warn("⚠️  stored snapshot could not be merged into local replica")
					}
				}
				span.SetAttributes(attribute.String("load.source", "local"))
				return doc, false, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, false, ctxErr
			}
			log.WithError(err).Debug("no local replica, falling back to snapshot")
		}
		if loaded.Snapshot != nil {
			h := loaded.Handle
			if h == "" {
				h = document.NewHandle()
			}
			doc, err := m.store.Import(ctx, h, loaded.Snapshot)
			if err == nil {
				span.SetAttributes(attribute.String("load.source", "snapshot"))
				return doc, false, nil
			}
			middleware.AddSpanError(ctx, err)
			log.WithError(err).Error("stored snapshot is unreadable, creating a new document")
		}
	}

	seed, err := m.persist.LoadLegacy(ctx, logicalID)
	if err != nil {
		seed = nil
	}
	doc, err := m.store.Create(ctx, document.CreateOptions{DocumentID: logicalID, OwnerID: ownerID, Seed: seed})
	if err != nil && seed != nil {
		log.WithError(err).Warn("⚠️  legacy resume_config could not seed the document, using defaults")
		doc, err = m.store.Create(ctx, document.CreateOptions{DocumentID: logicalID, OwnerID: ownerID})
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, false, fmt.Errorf("failed to create document: %w", err)
	}
	span.SetAttributes(attribute.String("load.source", "created"))
	return doc, true, nil
}

func (m *Manager) onDocChange(ev document.ChangeEvent) {
	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		return
	}
	if ev.Origin == document.OriginLocal {
		m.status.PendingChanges++
	}
	m.mu.Unlock()

	// remote changes are saved too: the merged state is what gets persisted
	m.saver.Trigger()
	m.notifyStatus()
}

// Change applies fn to the document and schedules a debounced save.
func (m *Manager) Change(fn func(*document.Draft) error) error {
	doc, err := m.Document()
	if err != nil {
		return err
	}
	return doc.Change(fn)
}

// ManualSync drops any pending autosave and saves now.
func (m *Manager) ManualSync(ctx context.Context) error {
	doc, err := m.Document()
	if err != nil {
		return err
	}
	m.saver.Cancel()
	return m.save(ctx, doc)
}

// Flush saves only if there are unsaved local changes.
func (m *Manager) Flush(ctx context.Context) error {
	if m.Status().PendingChanges == 0 && !m.saver.Pending() {
		return nil
	}
	return m.ManualSync(ctx)
}

func (m *Manager) autosave() {
	m.mu.Lock()
	doc, state := m.doc, m.state
	m.mu.Unlock()
	if state != StateReady {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SaveTimeout)
	defer cancel()
	if err := m.save(ctx, doc); err != nil {
		m.opts.Logger.WithError(err).WithField("resume_id", m.LogicalID()).Error("autosave failed")
	}
}

func (m *Manager) save(ctx context.Context, doc *document.Document) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	ctx, span := middleware.StartSpan(ctx, "DocumentManager.Save",
		attribute.String("resume.id", m.LogicalID()),
	)
	defer span.End()

	m.mu.Lock()
	pending := m.status.PendingChanges
	m.status.IsSyncing = true
	logicalID, ownerID := m.logicalID, m.ownerID
	m.mu.Unlock()
	m.notifyStatus()

	view, err := doc.View()
	var data []byte
	if err == nil {
		data, err = doc.Serialize()
	}
	if err == nil {
		_, err = m.persist.SaveSnapshot(ctx, persistence.Snapshot{
			LogicalID: logicalID,
			OwnerID:   ownerID,
			Handle:    doc.Handle(),
			Data:      data,
			Heads:     doc.Heads(),
			Version:   view.Metadata.Version,
		})
	}

	m.mu.Lock()
	m.status.IsSyncing = false
	if err != nil {
		msg := err.Error()
		m.status.SyncError = &msg
	} else {
		now := m.opts.Now()
		m.status.LastSyncTime = &now
		m.status.SyncError = nil
		m.status.PendingChanges -= pending
		if m.status.PendingChanges < 0 {
			m.status.PendingChanges = 0
		}
	}
	m.mu.Unlock()
	m.notifyStatus()

	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	m.fireSaved(SavedEvent{LogicalID: logicalID, OwnerID: ownerID, Resume: view})
	return nil
}

// Destroy cancels the pending autosave and releases the document. A save
// already running is allowed to finish.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.state == StateDestroyed {
		m.mu.Unlock()
		return
	}
	prev, logicalID := m.state, m.logicalID
	m.state = StateDestroyed
	doc, unsubscribe := m.doc, m.unsubscribe
	m.doc, m.unsubscribe = nil, nil
	m.mu.Unlock()

	m.saver.Stop()
	if unsubscribe != nil {
		unsubscribe()
	}
	if doc != nil {
		m.store.Release(doc.Handle())
	}
	m.opts.Logger.WithFields(logrus.Fields{
		"resume_id": logicalID,
		"from":      prev.String(),
	}).Info("document manager destroyed")
}

// Document returns the live document once the manager is ready.
func (m *Manager) Document() (*document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateReady:
		return m.doc, nil
	case StateDestroyed:
		return nil, ErrDestroyed
	default:
		return nil, ErrNotReady
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) LogicalID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logicalID
}

func (m *Manager) OwnerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ownerID
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStatus registers fn for status updates. The returned func removes it.
func (m *Manager) OnStatus(fn func(Status)) func() {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.nextListener++
	id := m.nextListener
	m.statusListeners[id] = fn
	return func() {
		m.hmu.Lock()
		defer m.hmu.Unlock()
		delete(m.statusListeners, id)
	}
}

// OnSaved registers fn to run after every successful save.
func (m *Manager) OnSaved(fn func(SavedEvent)) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.savedHooks = append(m.savedHooks, fn)
}

func (m *Manager) notifyStatus() {
	st := m.Status()
	m.hmu.Lock()
	ls := make([]func(Status), 0, len(m.statusListeners))
	for _, fn := range m.statusListeners {
		ls = append(ls, fn)
	}
	m.hmu.Unlock()
	for _, fn := range ls {
		fn(st)
	}
}

func (m *Manager) fireSaved(ev SavedEvent) {
	m.hmu.Lock()
	hooks := slices.Clone(m.savedHooks)
	m.hmu.Unlock()
	for _, fn := range hooks {
		fn(ev)
	}
}
