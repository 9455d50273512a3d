package document

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestStore(actor string, replicas ReplicaStore) *Store {
	if replicas == nil {
		replicas = NewMemoryReplicaStore()
	}
	return NewStore(replicas, WithActor(actor), WithLogger(quietLogger()))
}

func mustCreate(t *testing.T, s *Store) *Document {
	t.Helper()
	d, err := s.Create(context.Background(), CreateOptions{DocumentID: "r1", OwnerID: "u1"})
	require.NoError(t, err)
	return d
}

func TestCreate_DefaultsAndMetadata(t *testing.T) {
	s := newTestStore("a", nil)
	created := 0
	s.OnCreated(func(*Document) { created++ })

	d := mustCreate(t, s)
	assert.Equal(t, 1, created)

	r, err := d.View()
	require.NoError(t, err)
	assert.Equal(t, DefaultOrder(), r.Order)
	assert.Len(t, r.Content, len(Sections))
	assert.JSONEq(t, `{"items":[]}`, string(r.Content[string(WorkExperience)]))
	assert.Equal(t, 1, r.Metadata.Version)
	assert.Equal(t, "r1", r.Metadata.DocumentID)
	assert.Equal(t, "u1", r.Metadata.OwnerID)
	assert.False(t, r.Hidden(Hobbies))

	_, err = ParseHandle(string(d.Handle()))
	assert.NoError(t, err)
}

func TestChange_BumpsMetadata(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore(NewMemoryReplicaStore(), WithActor("a"), WithLogger(quietLogger()), WithClock(func() time.Time { return now }))
	d := mustCreate(t, s)

	now = now.Add(time.Hour)
	require.NoError(t, d.Change(func(dr *Draft) error {
		return dr.SetField(Basics, "name", "Alice")
	}))

	r, err := d.View()
	require.NoError(t, err)
	assert.Equal(t, 2, r.Metadata.Version)
	assert.True(t, r.Metadata.UpdatedAt.Equal(now))
	assert.JSONEq(t, `"Alice"`, string(mustField(t, r, Basics, "name")))

	// a transaction that writes nothing leaves the version alone
	require.NoError(t, d.Change(func(dr *Draft) error { return nil }))
	r, err = d.View()
	require.NoError(t, err)
	assert.Equal(t, 2, r.Metadata.Version)
}

func mustField(t *testing.T, r *Resume, s SectionID, field string) []byte {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(r.Content[string(s)], &m))
	v, ok := m[field]
	require.True(t, ok, "missing %s.%s", s, field)
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestDraft_MergeSectionKeepsOtherFields(t *testing.T) {
	d := mustCreate(t, newTestStore("a", nil))
	require.NoError(t, d.Change(func(dr *Draft) error {
		return dr.MergeSection(Basics, map[string]any{"name": "Alice", "phone": "123"})
	}))
	require.NoError(t, d.Change(func(dr *Draft) error {
		return dr.MergeSection(Basics, map[string]any{"email": "a@x.com"})
	}))

	r, err := d.View()
	require.NoError(t, err)
	assert.JSONEq(t, `"Alice"`, string(mustField(t, r, Basics, "name")))
	assert.JSONEq(t, `"123"`, string(mustField(t, r, Basics, "phone")))
	assert.JSONEq(t, `"a@x.com"`, string(mustField(t, r, Basics, "email")))
}

func TestDraft_OrderValidation(t *testing.T) {
	d := mustCreate(t, newTestStore("a", nil))

	err := d.Change(func(dr *Draft) error { return dr.SetOrder([]string{"basics", "hobbies"}) })
	require.ErrorIs(t, err, ErrInvalidOrder)

	dup := DefaultOrder()
	dup[1] = dup[2]
	err = d.Change(func(dr *Draft) error { return dr.SetOrder(dup) })
	require.ErrorIs(t, err, ErrInvalidOrder)

	reversed := DefaultOrder()
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	require.NoError(t, d.Change(func(dr *Draft) error { return dr.SetOrder(reversed) }))

	r, err := d.View()
	require.NoError(t, err)
	assert.Equal(t, string(Basics), r.Order[0])
	assert.ElementsMatch(t, DefaultOrder(), r.Order)
	assert.Equal(t, string(Hobbies), r.Order[1])
}

func TestDraft_Visibility(t *testing.T) {
	d := mustCreate(t, newTestStore("a", nil))

	err := d.Change(func(dr *Draft) error { return dr.SetHidden(Basics, true) })
	require.ErrorIs(t, err, ErrBasicsHidden)

	err = d.Change(func(dr *Draft) error { return dr.SetHidden("nope", true) })
	require.ErrorIs(t, err, ErrUnknownSection)

	var hidden bool
	require.NoError(t, d.Change(func(dr *Draft) error {
		var err error
		hidden, err = dr.ToggleHidden(Hobbies)
		return err
	}))
	assert.True(t, hidden)

	r, err := d.View()
	require.NoError(t, err)
	assert.True(t, r.Hidden(Hobbies))
	assert.False(t, r.Hidden(Basics))
}

func TestOpen_NotFoundAndReopen(t *testing.T) {
	ctx := context.Background()
	replicas := NewMemoryReplicaStore()
	s := newTestStore("a", replicas)

	_, err := s.Open(ctx, NewHandle())
	require.ErrorIs(t, err, ErrNotFound)

	d := mustCreate(t, s)
	require.NoError(t, d.Change(func(dr *Draft) error { return dr.SetField(Basics, "name", "Alice") }))
	s.Release(d.Handle())

	// a fresh store on the same local storage finds the replica offline
	other := newTestStore("a", replicas)
	reopened, err := other.Open(ctx, d.Handle())
	require.NoError(t, err)
	r, err := reopened.View()
	require.NoError(t, err)
	assert.JSONEq(t, `"Alice"`, string(mustField(t, r, Basics, "name")))

	same, err := other.Open(ctx, d.Handle())
	require.NoError(t, err)
	assert.Same(t, reopened, same)
}

func TestOpen_CorruptReplicaIsNotFound(t *testing.T) {
	replicas := NewMemoryReplicaStore()
	h := NewHandle()
	require.NoError(t, replicas.Put(h, []byte("garbage")))

	_, err := newTestStore("a", replicas).Open(context.Background(), h)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestImport_DoesNotFireCreatedAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	src := mustCreate(t, newTestStore("a", nil))
	require.NoError(t, src.Change(func(dr *Draft) error {
		if err := dr.SetField(Basics, "name", "Alice"); err != nil {
			return err
		}
		return dr.SetHidden(Hobbies, true)
	}))
	snapshot, err := src.Serialize()
	require.NoError(t, err)

	dst := newTestStore("b", nil)
	created := 0
	dst.OnCreated(func(*Document) { created++ })

	imported, err := dst.Import(ctx, src.Handle(), snapshot)
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	want, err := src.View()
	require.NoError(t, err)
	got, err := imported.View()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = dst.Import(ctx, NewHandle(), []byte("{"))
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestImport_MergesIntoLiveDocument(t *testing.T) {
	ctx := context.Background()
	a := mustCreate(t, newTestStore("a", nil))
	snapshot, err := a.Serialize()
	require.NoError(t, err)

	bs := newTestStore("b", nil)
	b, err := bs.Import(ctx, a.Handle(), snapshot)
	require.NoError(t, err)

	require.NoError(t, a.Change(func(dr *Draft) error { return dr.SetField(Basics, "name", "Alice") }))
	snapshot, err = a.Serialize()
	require.NoError(t, err)

	var events []ChangeEvent
	b.OnChange(func(ev ChangeEvent) { events = append(events, ev) })
	again, err := bs.Import(ctx, a.Handle(), snapshot)
	require.NoError(t, err)
	assert.Same(t, b, again)
	require.Len(t, events, 1)
	assert.Equal(t, OriginRemote, events[0].Origin)
}

func TestReceiveSync_ConvergesAndTagsOrigin(t *testing.T) {
	ctx := context.Background()
	a := mustCreate(t, newTestStore("a", nil))
	require.NoError(t, a.Change(func(dr *Draft) error { return dr.SetField(Basics, "name", "Alice") }))

	snapshot, err := a.Serialize()
	require.NoError(t, err)
	b, err := newTestStore("b", nil).Import(ctx, a.Handle(), snapshot)
	require.NoError(t, err)

	var fromA, fromB []ChangeEvent
	a.OnChange(func(ev ChangeEvent) { fromA = append(fromA, ev) })
	b.OnChange(func(ev ChangeEvent) { fromB = append(fromB, ev) })

	require.NoError(t, b.Change(func(dr *Draft) error { return dr.SetField(Basics, "phone", "123") }))
	require.NoError(t, a.Change(func(dr *Draft) error { return dr.SetField(Basics, "email", "a@x.com") }))

	require.Len(t, fromA, 1)
	require.Len(t, fromB, 1)
	assert.Equal(t, OriginLocal, fromA[0].Origin)
	require.NotEmpty(t, fromA[0].Changes)

	_, err = b.ReceiveSync(ChangesMessage(fromA[0].Changes))
	require.NoError(t, err)
	_, err = a.ReceiveSync(ChangesMessage(fromB[0].Changes))
	require.NoError(t, err)

	require.Len(t, fromB, 2)
	assert.Equal(t, OriginRemote, fromB[1].Origin)

	ra, err := a.View()
	require.NoError(t, err)
	rb, err := b.View()
	require.NoError(t, err)
	for _, field := range []string{"name", "phone", "email"} {
		assert.Equal(t, mustField(t, ra, Basics, field), mustField(t, rb, Basics, field), field)
	}
	assert.Equal(t, a.Digest(), b.Digest())
	assert.Len(t, a.Heads(), 2)

	// replaying the same change is a no-op and fires nothing
	_, err = b.ReceiveSync(ChangesMessage(fromA[0].Changes))
	require.NoError(t, err)
	assert.Len(t, fromB, 2)
}

// pair returns a document and a second replica of it in another store
func pair(t *testing.T) (*Document, *Document) {
	t.Helper()
	a := mustCreate(t, newTestStore("a", nil))
	snapshot, err := a.Serialize()
	require.NoError(t, err)
	b, err := newTestStore("b", nil).Import(context.Background(), a.Handle(), snapshot)
	require.NoError(t, err)
	return a, b
}

// lastChanges records the encoded changes of every local edit on d
func lastChanges(d *Document) func() []byte {
	var latest []byte
	d.OnChange(func(ev ChangeEvent) {
		if ev.Origin == OriginLocal {
			latest = ev.Changes
		}
	})
	return func() []byte { return latest }
}

func items(t *testing.T, d *Document, s SectionID) []map[string]any {
	t.Helper()
	r, err := d.View()
	require.NoError(t, err)
	var section struct {
		Items []map[string]any `json:"items"`
	}
	require.NoError(t, json.Unmarshal(r.Content[string(s)], &section))
	return section.Items
}

func TestReceiveSync_ConcurrentAppendsKeepBoth(t *testing.T) {
	a, b := pair(t)
	fromA, fromB := lastChanges(a), lastChanges(b)

	require.NoError(t, a.Change(func(dr *Draft) error {
		return dr.MergeSection(EduBackground, map[string]any{"items": []any{map[string]any{"school": "MIT"}}})
	}))
	require.NoError(t, b.Change(func(dr *Draft) error {
		return dr.MergeSection(EduBackground, map[string]any{"items": []any{map[string]any{"school": "Stanford"}}})
	}))

	_, err := b.ReceiveSync(ChangesMessage(fromA()))
	require.NoError(t, err)
	_, err = a.ReceiveSync(ChangesMessage(fromB()))
	require.NoError(t, err)

	got := items(t, a, EduBackground)
	require.Len(t, got, 2)
	assert.Equal(t, got, items(t, b, EduBackground))
	schools := []any{got[0]["school"], got[1]["school"]}
	assert.ElementsMatch(t, []any{"MIT", "Stanford"}, schools)
}

func TestReceiveSync_ConcurrentFieldEditsOnOneEntry(t *testing.T) {
	a, b := pair(t)
	fromA, fromB := lastChanges(a), lastChanges(b)

	require.NoError(t, a.Change(func(dr *Draft) error {
		return dr.MergeSection(WorkExperience, map[string]any{"items": []any{map[string]any{"company": "Acme"}}})
	}))
	_, err := b.ReceiveSync(ChangesMessage(fromA()))
	require.NoError(t, err)

	// both sides resend the whole entry with one field changed
	require.NoError(t, a.Change(func(dr *Draft) error {
		return dr.MergeSection(WorkExperience, map[string]any{"items": []any{map[string]any{"company": "Acme", "title": "Engineer"}}})
	}))
	require.NoError(t, b.Change(func(dr *Draft) error {
		return dr.MergeSection(WorkExperience, map[string]any{"items": []any{map[string]any{"company": "Acme", "city": "Berlin"}}})
	}))
	_, err = b.ReceiveSync(ChangesMessage(fromA()))
	require.NoError(t, err)
	_, err = a.ReceiveSync(ChangesMessage(fromB()))
	require.NoError(t, err)

	got := items(t, a, WorkExperience)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"company": "Acme", "title": "Engineer", "city": "Berlin"}, got[0])
	assert.Equal(t, got, items(t, b, WorkExperience))
}

func TestDraft_MergeSectionTrimsList(t *testing.T) {
	d := mustCreate(t, newTestStore("a", nil))
	require.NoError(t, d.Change(func(dr *Draft) error {
		return dr.MergeSection(SkillSpecialty, map[string]any{"items": []any{
			map[string]any{"name": "Go"}, map[string]any{"name": "SQL"}, map[string]any{"name": "Rust"},
		}})
	}))
	require.NoError(t, d.Change(func(dr *Draft) error {
		return dr.MergeSection(SkillSpecialty, map[string]any{"items": []any{map[string]any{"name": "Go", "level": "expert"}}})
	}))

	assert.Equal(t, []map[string]any{{"name": "Go", "level": "expert"}}, items(t, d, SkillSpecialty))
}

func TestChange_FailedChangeLeavesNoTrace(t *testing.T) {
	a, b := pair(t)
	fromA := lastChanges(a)
	events := 0
	a.OnChange(func(ChangeEvent) { events++ })
	heads := a.Heads()

	err := a.Change(func(dr *Draft) error {
		if err := dr.SetField(Basics, "name", "Ghost"); err != nil {
			return err
		}
		return dr.SetHidden(Basics, true)
	})
	require.ErrorIs(t, err, ErrBasicsHidden)
	assert.Equal(t, heads, a.Heads())
	assert.Zero(t, events)
	r, err := a.View()
	require.NoError(t, err)
	assert.JSONEq(t, `""`, string(mustField(t, r, Basics, "name")))
	assert.Equal(t, 1, r.Metadata.Version)

	// the replica keeps writing under its own actor afterwards
	require.NoError(t, a.Change(func(dr *Draft) error { return dr.SetField(Basics, "name", "Alice") }))
	_, err = b.ReceiveSync(ChangesMessage(fromA()))
	require.NoError(t, err)
	assert.Equal(t, a.Digest(), b.Digest())
}

func TestReceiveSync_HeadsExchangeSettles(t *testing.T) {
	a, b := pair(t)
	require.NoError(t, a.Change(func(dr *Draft) error { return dr.SetField(Basics, "name", "Alice") }))
	require.NoError(t, b.Change(func(dr *Draft) error { return dr.SetField(Basics, "phone", "123") }))

	reply, err := b.ReceiveSync(a.HeadsMessage())
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, KindState, reply.Kind)

	reply, err = a.ReceiveSync(reply)
	require.NoError(t, err)
	require.NotNil(t, reply, "b still lacks a's edit")

	reply, err = b.ReceiveSync(reply)
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, a.Digest(), b.Digest())

	reply, err = a.ReceiveSync(b.HeadsMessage())
	require.NoError(t, err)
	assert.Nil(t, reply, "in sync")
}

func TestReceiveSync_MissingDependencyAsksForState(t *testing.T) {
	a, b := pair(t)
	fromA := lastChanges(a)

	require.NoError(t, a.Change(func(dr *Draft) error { return dr.SetField(Basics, "name", "A") }))
	require.NoError(t, a.Change(func(dr *Draft) error { return dr.SetField(Basics, "name", "B") }))

	// b never saw the first edit
	reply, err := b.ReceiveSync(ChangesMessage(fromA()))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, KindHeads, reply.Kind)

	state, err := a.ReceiveSync(reply)
	require.NoError(t, err)
	require.NotNil(t, state)
	_, err = b.ReceiveSync(state)
	require.NoError(t, err)
	assert.Equal(t, a.Digest(), b.Digest())

	r, err := b.View()
	require.NoError(t, err)
	assert.JSONEq(t, `"B"`, string(mustField(t, r, Basics, "name")))
}

func TestDecodeSyncMessage(t *testing.T) {
	_, err := DecodeSyncMessage([]byte("nope"))
	assert.ErrorIs(t, err, ErrCorrupt)
	_, err = DecodeSyncMessage([]byte(`{"kind":"gossip"}`))
	assert.ErrorIs(t, err, ErrCorrupt)
	_, err = DecodeSyncMessage([]byte(`{"kind":"state"}`))
	assert.ErrorIs(t, err, ErrCorrupt)

	a := mustCreate(t, newTestStore("a", nil))
	data, err := EncodeSyncMessage(a.StateMessage())
	require.NoError(t, err)
	msg, err := DecodeSyncMessage(data)
	require.NoError(t, err)
	assert.Equal(t, a.Heads(), msg.Heads)

	_, err = a.ReceiveSync(&SyncMessage{Kind: KindChanges, Changes: []byte("junk")})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOnChange_ReentrantChangeKeepsOrder(t *testing.T) {
	d := mustCreate(t, newTestStore("a", nil))
	var versions []int
	d.OnChange(func(ev ChangeEvent) {
		versions = append(versions, ev.Resume.Metadata.Version)
		if ev.Resume.Metadata.Version == 2 {
			require.NoError(t, d.Change(func(dr *Draft) error { return dr.SetField(Basics, "phone", "1") }))
		}
	})

	require.NoError(t, d.Change(func(dr *Draft) error { return dr.SetField(Basics, "name", "A") }))
	assert.Equal(t, []int{2, 3}, versions)
}

func TestChange_ConcurrentCallsSerialize(t *testing.T) {
	d := mustCreate(t, newTestStore("a", nil))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Change(func(dr *Draft) error { return dr.SetField(Basics, "name", "x") }))
		}()
	}
	wg.Wait()

	r, err := d.View()
	require.NoError(t, err)
	assert.Equal(t, 21, r.Metadata.Version)
}

func TestOnChange_Unsubscribe(t *testing.T) {
	d := mustCreate(t, newTestStore("a", nil))
	calls := 0
	cancel := d.OnChange(func(ChangeEvent) { calls++ })
	require.NoError(t, d.Change(func(dr *Draft) error { return dr.SetField(Basics, "name", "A") }))
	cancel()
	require.NoError(t, d.Change(func(dr *Draft) error { return dr.SetField(Basics, "name", "B") }))
	assert.Equal(t, 1, calls)
}

func TestBoltReplicaStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replicas.db")
	store, err := OpenBoltReplicaStore(path)
	require.NoError(t, err)

	h := NewHandle()
	_, err = store.Get(h)
	require.ErrorIs(t, err, ErrReplicaNotFound)

	require.NoError(t, store.Put(h, []byte("snapshot")))
	require.NoError(t, store.Close())

	store, err = OpenBoltReplicaStore(path)
	require.NoError(t, err)
	defer store.Close()

	data, err := store.Get(h)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot"), data)

	require.NoError(t, store.Delete(h))
	_, err = store.Get(h)
	require.ErrorIs(t, err, ErrReplicaNotFound)
}

func TestNormalizeOrderAndParseHandle(t *testing.T) {
	order := DefaultOrder()
	order[0], order[3] = order[3], order[0]
	got, err := NormalizeOrder(order)
	require.NoError(t, err)
	assert.Equal(t, string(Basics), got[0])
	assert.Len(t, got, len(Sections))

	_, err = ParseHandle("r1")
	assert.ErrorIs(t, err, ErrInvalidHandle)
	_, err = ParseHandle("doc:not-a-ksuid")
	assert.ErrorIs(t, err, ErrInvalidHandle)
}
