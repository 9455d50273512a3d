package document

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/sirupsen/logrus"
)

// Store opens, creates and imports replicas. It keeps at most one live
// Document per handle.
type Store struct {
	replicas ReplicaStore
	actor    string
	log      logrus.FieldLogger
	now      func() time.Time

	mu        sync.Mutex
	open      map[Handle]*Document
	onCreated []func(*Document)
}

type StoreOption func(*Store)

// WithActor fixes the replica id stamped on local writes. Every process or
// test peer needs a distinct one. Ids that are not already hex are hex
// encoded, since automerge actor ids are bytes.
func WithActor(actor string) StoreOption {
	return func(s *Store) { s.actor = actorHex(actor) }
}

func actorHex(actor string) string {
	if b, err := hex.DecodeString(actor); err == nil && len(b) > 0 {
		return actor
	}
	return hex.EncodeToString([]byte(actor))
}

func WithLogger(log logrus.FieldLogger) StoreOption {
	return func(s *Store) { s.log = log }
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(replicas ReplicaStore, opts ...StoreOption) *Store {
	s := &Store{
		replicas: replicas,
		actor:    automerge.NewActorID(),
		log:      logrus.StandardLogger(),
		now:      time.Now,
		open:     make(map[Handle]*Document),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Actor() string { return s.actor }

// OnCreated registers fn to run after Create. Import and Open never fire it.
func (s *Store) OnCreated(fn func(*Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCreated = append(s.onCreated, fn)
}

// CreateOptions describe a new document.
type CreateOptions struct {
	DocumentID string // logical resume id, recorded in metadata
	OwnerID    string
	Seed       *Seed // nil means DefaultSeed
}

// Create allocates a new replica with a fresh handle and metadata version 1.
func (s *Store) Create(ctx context.Context, opts CreateOptions) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := opts.Seed
	if seed == nil {
		seed = DefaultSeed()
	}

	doc, err := s.newDoc()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := (&Draft{doc: doc}).applySeed(seed); err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	err = writeMetadata(doc, Metadata{
		DocumentID: opts.DocumentID,
		OwnerID:    opts.OwnerID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	if _, err := doc.Commit("create", automerge.CommitOptions{Time: &now}); err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	h := NewHandle()
	d := newDocument(h, doc, s.actor, s.replicas, s.log, s.now)
	d.saveReplicaLocked()

	s.mu.Lock()
	s.open[h] = d
	hooks := slices.Clone(s.onCreated)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(d)
	}
	s.log.WithFields(logrus.Fields{"handle": h, "resume_id": opts.DocumentID}).Info("document created")
	return d, nil
}

// Open attaches to a replica found in local storage. It returns ErrNotFound
// when the handle is unknown locally or its stored bytes are unusable.
func (s *Store) Open(ctx context.Context, h Handle) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.open[h]; ok {
		return d, nil
	}
	data, err := s.replicas.Get(h)
	if errors.Is(err, ErrReplicaNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local replica %s: %w", h, err)
	}
	doc, err := s.load(data)
	if err != nil {
		s.log.WithError(err).WithField("handle", h).Warn("⚠️  local replica is corrupt, ignoring it")
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, h, err)
	}
	d := newDocument(h, doc, s.actor, s.replicas, s.log, s.now)
	s.open[h] = d
	return d, nil
}

// Import rebuilds a replica from Serialize output under the given handle.
// If the handle is already live the snapshot is merged into it instead.
func (s *Store) Import(ctx context.Context, h Handle, snapshot []byte) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := s.load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to import snapshot: %w", err)
	}

	s.mu.Lock()
	live, ok := s.open[h]
	if !ok {
		d := newDocument(h, doc, s.actor, s.replicas, s.log, s.now)
		s.open[h] = d
		s.mu.Unlock()
		d.mu.Lock()
		d.saveReplicaLocked()
		d.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	if err := live.mergeDoc(doc); err != nil {
		return nil, fmt.Errorf("failed to merge snapshot: %w", err)
	}
	return live, nil
}

func (s *Store) newDoc() (*automerge.Doc, error) {
	doc := automerge.New()
	if err := doc.SetActorID(s.actor); err != nil {
		return nil, fmt.Errorf("invalid actor %q: %w", s.actor, err)
	}
	return doc, nil
}

// load restores saved bytes and stamps this store's actor on the result.
func (s *Store) load(data []byte) (*automerge.Doc, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty snapshot", ErrCorrupt)
	}
	doc, err := automerge.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := doc.SetActorID(s.actor); err != nil {
		return nil, fmt.Errorf("invalid actor %q: %w", s.actor, err)
	}
	return doc, nil
}

// Release drops the live instance of h. The local replica is kept.
func (s *Store) Release(h Handle) {
	s.mu.Lock()
	d, ok := s.open[h]
	delete(s.open, h)
	s.mu.Unlock()
	if ok {
		d.clearListeners()
	}
}

// Delete releases h and removes its local replica.
func (s *Store) Delete(h Handle) error {
	s.Release(h)
	if err := s.replicas.Delete(h); err != nil {
		return fmt.Errorf("failed to delete local replica %s: %w", h, err)
	}
	return nil
}
