// Package editor exposes one resume to a UI host: a reactive State plus the
// imperative operations the UI calls. A Registry keeps one live Editor per
// resume in the process.
package editor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"resume-collab/internal/document"
	"resume-collab/internal/models"
	"resume-collab/internal/services/collaboration"
	"resume-collab/internal/services/docmanager"
	"resume-collab/internal/transport"

	"github.com/sirupsen/logrus"
)

// Deps are the shared collaborators every editor is built from.
type Deps struct {
	Store       docmanager.Store
	Persistence docmanager.Persistence
	Realtime    transport.Realtime
}

type Options struct {
	AutosaveDelay       time.Duration
	SaveTimeout         time.Duration
	AntiEntropyInterval time.Duration
	ShareBaseURL        string
	Logger              logrus.FieldLogger
	Now                 func() time.Time
}

// Editor is the client state projection of one resume.
type Editor struct {
	manager *docmanager.Manager
	collab  *collaboration.Controller
	log     logrus.FieldLogger

	mu       sync.Mutex
	state    State
	loading  bool
	unsubs   []func()
	subs     map[int]func(State)
	nextSub  int
	closed   bool
	closeErr error
}

// New builds an editor that has not loaded anything yet.
func New(deps Deps, opts Options) *Editor {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	manager := docmanager.NewManager(deps.Store, deps.Persistence, docmanager.Options{
		AutosaveDelay: opts.AutosaveDelay,
		SaveTimeout:   opts.SaveTimeout,
		Logger:        opts.Logger,
		Now:           opts.Now,
	})
	e := &Editor{
		manager: manager,
		collab: collaboration.NewController(manager, deps.Realtime, collaboration.Options{
			ShareBaseURL:        opts.ShareBaseURL,
			AntiEntropyInterval: opts.AntiEntropyInterval,
			Logger:              opts.Logger,
			Now:                 opts.Now,
		}),
		log:  opts.Logger,
		subs: make(map[int]func(State)),
	}
	e.state = project(nil, docmanager.Status{}, collaboration.Info{}, false)
	return e
}

// Open loads the resume. Calling it again after success is a no-op.
func (e *Editor) Open(ctx context.Context, logicalID, ownerID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return docmanager.ErrDestroyed
	}
	e.loading = true
	e.mu.Unlock()
	e.refresh()

	doc, err := e.manager.Initialize(ctx, logicalID, ownerID)

	e.mu.Lock()
	e.loading = false
	if err == nil && e.unsubs == nil && !e.closed {
		e.unsubs = []func(){
			doc.OnChange(func(document.ChangeEvent) { e.refresh() }),
			e.manager.OnStatus(func(docmanager.Status) { e.refresh() }),
			e.collab.OnChange(func(collaboration.Info) { e.refresh() }),
		}
	}
	e.mu.Unlock()
	e.refresh()
	return err
}

func (e *Editor) refresh() {
	var view *document.Resume
	if doc, err := e.manager.Document(); err == nil {
		if v, err := doc.View(); err == nil {
			view = v
		} else {
			e.log.WithError(err).Warn("failed to materialize resume")
		}
	}

	status, info := e.manager.Status(), e.collab.Info()

	e.mu.Lock()
	st := project(view, status, info, e.loading)
	e.state = st
	fns := make([]func(State), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// State returns the latest projection.
func (e *Editor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe calls fn with every new State. The returned func removes it.
func (e *Editor) Subscribe(fn func(State)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSub++
	id := e.nextSub
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// UpdateForm merges partial into a section, keeping fields it does not name.
func (e *Editor) UpdateForm(section string, partial map[string]any) error {
	id, err := document.ParseSection(section)
	if err != nil {
		return err
	}
	return e.manager.Change(func(d *document.Draft) error {
		return d.MergeSection(id, partial)
	})
}

// UpdateOrder replaces the section order. Basics is always moved first.
func (e *Editor) UpdateOrder(order []string) error {
	return e.manager.Change(func(d *document.Draft) error {
		return d.SetOrder(order)
	})
}

// ToggleVisibility flips a section's hidden flag and returns the new value.
func (e *Editor) ToggleVisibility(section string) (bool, error) {
	id, err := document.ParseSection(section)
	if err != nil {
		return false, err
	}
	var hidden bool
	err = e.manager.Change(func(d *document.Draft) error {
		var err error
		hidden, err = d.ToggleHidden(id)
		return err
	})
	return hidden, err
}

// ManualSync saves now, bypassing the autosave delay.
func (e *Editor) ManualSync(ctx context.Context) error {
	return e.manager.ManualSync(ctx)
}

// StartSharing opens a new session with this user as host.
func (e *Editor) StartSharing(ctx context.Context, userID, userName string) (*models.CollaborationSession, error) {
	return e.collab.StartSharing(ctx, collaboration.StartParams{
		LogicalID: e.manager.LogicalID(),
		UserID:    userID,
		UserName:  userName,
	})
}

// JoinSession attaches to an existing session as guest.
func (e *Editor) JoinSession(ctx context.Context, sessionID, userID, userName string) (*models.CollaborationSession, error) {
	return e.collab.JoinSession(ctx, collaboration.JoinParams{
		LogicalID: e.manager.LogicalID(),
		SessionID: sessionID,
		UserID:    userID,
		UserName:  userName,
	})
}

func (e *Editor) StopSharing(ctx context.Context) {
	e.collab.StopSharing(ctx)
}

// OnSaved registers fn to run after every successful snapshot save.
func (e *Editor) OnSaved(fn func(docmanager.SavedEvent)) {
	e.manager.OnSaved(fn)
}

func (e *Editor) LogicalID() string { return e.manager.LogicalID() }

// Close leaves any session, writes unsaved local changes and releases the
// document. The flush is best-effort; its error is returned after teardown.
func (e *Editor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		defer e.mu.Unlock()
		return e.closeErr
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	e.collab.StopSharing(ctx)

	var err error
	if e.manager.State() == docmanager.StateReady {
		if ferr := e.manager.Flush(ctx); ferr != nil {
			err = fmt.Errorf("failed to flush before close: %w", ferr)
			e.log.WithError(ferr).WithField("resume_id", e.manager.LogicalID()).Warn("⚠️  unsaved changes lost on close")
		}
	}

	for _, fn := range unsubs {
		fn()
	}
	e.manager.Destroy()

	e.mu.Lock()
	e.closeErr = err
	e.mu.Unlock()
	return err
}
