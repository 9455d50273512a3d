package document

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/sirupsen/logrus"
)

// Origin tells listeners where a change came from.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// ChangeEvent is delivered to OnChange listeners after every mutation that
// changed the document. Changes holds the encoded automerge changes for local
// edits and for remote incremental changes; it is nil when a full state was
// merged. Resume is nil only if the merged document could not be rendered.
type ChangeEvent struct {
	Handle  Handle
	Resume  *Resume
	Origin  Origin
	Changes []byte
}

type listener struct {
	id int
	fn func(ChangeEvent)
}

// Document is one live replica of a resume.
type Document struct {
	handle   Handle
	actor    string
	replicas ReplicaStore
	log      logrus.FieldLogger
	now      func() time.Time

	// mu guards doc and serializes mutations so events are queued in
	// application order.
	mu  sync.Mutex
	doc *automerge.Doc

	lmu       sync.Mutex
	listeners []listener
	nextID    int
	queue     []ChangeEvent
	draining  bool
}

func newDocument(h Handle, doc *automerge.Doc, actor string, replicas ReplicaStore, log logrus.FieldLogger, now func() time.Time) *Document {
	return &Document{
		handle:   h,
		actor:    actor,
		doc:      doc,
		replicas: replicas,
		log:      log.WithField("handle", h),
		now:      now,
	}
}

func (d *Document) Handle() Handle { return d.handle }

// Actor is the hex actor id stamped on local writes.
func (d *Document) Actor() string { return d.actor }

// Change applies fn as one automerge commit. When fn wrote anything the
// metadata version and updatedAt are bumped in the same commit. If fn fails
// nothing it wrote survives.
func (d *Document) Change(fn func(*Draft) error) error {
	d.mu.Lock()
	before := d.doc.Heads()
	dr := &Draft{doc: d.doc}
	err := fn(dr)
	if err == nil && dr.dirty {
		err = bumpMetadata(d.doc, d.now())
	}
	if err == nil && dr.dirty {
		now := d.now()
		if _, cerr := d.doc.Commit("edit", automerge.CommitOptions{Time: &now}); cerr != nil {
			err = fmt.Errorf("failed to commit change: %w", cerr)
		}
	}
	if err != nil {
		if dr.dirty {
			d.rollbackLocked(before)
		}
		d.mu.Unlock()
		return err
	}
	if !dr.dirty {
		d.mu.Unlock()
		return nil
	}

	changes, err := d.doc.Changes(before...)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to collect changes: %w", err)
	}
	d.commitLocked(automerge.SaveChanges(changes), OriginLocal)
	d.mu.Unlock()

	d.drain()
	return nil
}

// rollbackLocked replaces the doc with a fork at heads, dropping whatever was
// written since. The dropped ops never left this process.
func (d *Document) rollbackLocked(heads []automerge.ChangeHash) {
	var (
		fresh *automerge.Doc
		err   error
	)
	if len(heads) == 0 {
		fresh = automerge.New()
	} else if fresh, err = d.doc.Fork(heads...); err != nil {
		d.log.WithError(err).Error("failed to roll back aborted change")
		return
	}
	if err := fresh.SetActorID(d.actor); err != nil {
		d.log.WithError(err).Error("failed to roll back aborted change")
		return
	}
	d.doc = fresh
}

// ReceiveSync merges a sync message from a peer and returns the reply the
// peer should get, if any. A state reply goes out when the peer's heads
// differ from ours after merging, so an exchange settles within two rounds.
func (d *Document) ReceiveSync(msg *SyncMessage) (*SyncMessage, error) {
	d.mu.Lock()
	before := d.headsLocked()

	var (
		reply   *SyncMessage
		changes []byte
	)
	switch msg.Kind {
	case KindChanges:
		chs, err := automerge.LoadChanges(msg.Changes)
		if err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if err := d.doc.Apply(chs...); err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("failed to apply changes: %w", err)
		}
		changes = msg.Changes
		for _, ch := range chs {
			// automerge queues changes whose dependencies it has not seen
			if _, err := d.doc.Change(ch.Hash()); err != nil {
				reply = d.headsMessageLocked()
				break
			}
		}
	case KindState:
		other, err := automerge.Load(msg.State)
		if err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if _, err := d.doc.Merge(other); err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("failed to merge state: %w", err)
		}
		if !sameHeads(d.headsLocked(), msg.Heads) {
			reply = d.stateMessageLocked()
		}
	case KindHeads:
		if !sameHeads(before, msg.Heads) {
			reply = d.stateMessageLocked()
		}
	default:
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown sync message kind %q", ErrCorrupt, msg.Kind)
	}

	if !sameHeads(before, d.headsLocked()) {
		d.commitLocked(changes, OriginRemote)
	}
	d.mu.Unlock()

	d.drain()
	return reply, nil
}

func (d *Document) mergeDoc(other *automerge.Doc) error {
	d.mu.Lock()
	before := d.headsLocked()
	if _, err := d.doc.Merge(other); err != nil {
		d.mu.Unlock()
		return err
	}
	if !sameHeads(before, d.headsLocked()) {
		d.commitLocked(nil, OriginRemote)
	}
	d.mu.Unlock()

	d.drain()
	return nil
}

// commitLocked writes the replica to local storage and queues the event.
func (d *Document) commitLocked(changes []byte, origin Origin) {
	d.saveReplicaLocked()

	view, err := d.viewLocked()
	if err != nil {
		// the doc merged but could not be rendered; listeners still need
		// to learn that it moved
		d.log.WithError(err).Error("failed to materialize document")
	}

	d.lmu.Lock()
	d.queue = append(d.queue, ChangeEvent{
		Handle:  d.handle,
		Resume:  view,
		Origin:  origin,
		Changes: changes,
	})
	d.lmu.Unlock()
}

func (d *Document) saveReplicaLocked() {
	if err := d.replicas.Put(d.handle, d.doc.Save()); err != nil {
		d.log.WithError(err).Warn("failed to store local replica")
	}
}

// drain delivers queued events. Only one goroutine drains at a time, so a
// listener that changes the document again sees its event delivered after
// the current one instead of deadlocking.
func (d *Document) drain() {
	d.lmu.Lock()
	if d.draining {
		d.lmu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		ev := d.queue[0]
		d.queue = d.queue[1:]
		ls := slices.Clone(d.listeners)
		d.lmu.Unlock()

		for _, l := range ls {
			l.fn(ev)
		}

		d.lmu.Lock()
	}
	d.draining = false
	d.lmu.Unlock()
}

// OnChange registers fn for every later change. The returned func removes it.
func (d *Document) OnChange(fn func(ChangeEvent)) func() {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.nextID++
	id := d.nextID
	d.listeners = append(d.listeners, listener{id: id, fn: fn})
	return func() {
		d.lmu.Lock()
		defer d.lmu.Unlock()
		for i, l := range d.listeners {
			if l.id == id {
				d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
				return
			}
		}
	}
}

// View returns the current materialized resume.
func (d *Document) View() (*Resume, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewLocked()
}

func (d *Document) viewLocked() (*Resume, error) {
	raw, err := json.Marshal(d.doc.Root().Interface())
	if err != nil {
		return nil, fmt.Errorf("failed to render document: %w", err)
	}
	return decodeResume(raw)
}

// Serialize returns a full snapshot for Store.Import.
func (d *Document) Serialize() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save(), nil
}

// Heads is the sorted, hex encoded merge frontier stored next to snapshots.
func (d *Document) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headsLocked()
}

// Digest identifies the document history; replicas with equal digests hold
// the same content.
func (d *Document) Digest() string {
	return strings.Join(d.Heads(), ",")
}

func (d *Document) headsLocked() []string {
	heads := d.doc.Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	slices.Sort(out)
	return out
}

// StateMessage carries the whole document and its heads.
func (d *Document) StateMessage() *SyncMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateMessageLocked()
}

// HeadsMessage announces the heads without content.
func (d *Document) HeadsMessage() *SyncMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headsMessageLocked()
}

func (d *Document) stateMessageLocked() *SyncMessage {
	return &SyncMessage{Kind: KindState, State: d.doc.Save(), Heads: d.headsLocked()}
}

func (d *Document) headsMessageLocked() *SyncMessage {
	return &SyncMessage{Kind: KindHeads, Heads: d.headsLocked()}
}

func (d *Document) clearListeners() {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.listeners = nil
}
