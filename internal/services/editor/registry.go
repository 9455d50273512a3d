package editor

import (
	"context"
	"errors"
	"sync"

	"resume-collab/internal/services/docmanager"

	"github.com/sirupsen/logrus"
)

// ErrRegistryClosed is returned by Open after Shutdown.
var ErrRegistryClosed = errors.New("editor registry is shut down")

// Registry owns the live editors of this process, one per resume.
type Registry struct {
	deps Deps
	opts Options

	mu      sync.Mutex
	editors map[string]*Editor
	saved   []func(docmanager.SavedEvent)
	closed  bool
}

func NewRegistry(deps Deps, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Registry{
		deps:    deps,
		opts:    opts,
		editors: make(map[string]*Editor),
	}
}

// OnSaved registers fn on every editor the registry creates from now on.
func (r *Registry) OnSaved(fn func(docmanager.SavedEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, fn)
}

// Open returns the live editor for logicalID, creating and loading it if
// needed. Concurrent opens of one resume share a single editor.
func (r *Registry) Open(ctx context.Context, logicalID, ownerID string) (*Editor, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	e, ok := r.editors[logicalID]
	if !ok {
		e = New(r.deps, r.opts)
		for _, fn := range r.saved {
			e.OnSaved(fn)
		}
		r.editors[logicalID] = e
	}
	r.mu.Unlock()

	if err := e.Open(ctx, logicalID, ownerID); err != nil {
		if !ok {
			r.mu.Lock()
			if r.editors[logicalID] == e {
				delete(r.editors, logicalID)
			}
			r.mu.Unlock()
			e.Close(context.Background())
		}
		return nil, err
	}
	return e, nil
}

// Get returns the live editor for logicalID, if any.
func (r *Registry) Get(logicalID string) (*Editor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.editors[logicalID]
	return e, ok
}

// Close removes and closes the editor for logicalID.
func (r *Registry) Close(ctx context.Context, logicalID string) error {
	r.mu.Lock()
	e, ok := r.editors[logicalID]
	delete(r.editors, logicalID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return e.Close(ctx)
}

// Len returns the number of live editors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.editors)
}

// Shutdown closes every editor and refuses new ones.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	editors := r.editors
	r.editors = make(map[string]*Editor)
	r.mu.Unlock()

	var errs []error
	for id, e := range editors {
		if err := e.Close(ctx); err != nil {
			r.opts.Logger.WithError(err).WithField("resume_id", id).Warn("⚠️  editor closed with error")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
