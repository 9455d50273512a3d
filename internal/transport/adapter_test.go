package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"resume-collab/internal/models"
	"resume-collab/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects what an adapter delivers
type recorder struct {
	mu     sync.Mutex
	msgs   []Message
	joined []string
	left   []string
}

func (r *recorder) attach(a *Adapter) {
	a.OnMessage(func(m Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.msgs = append(r.msgs, m)
	})
	a.OnPeerJoined(func(id string, _ models.PresenceMeta) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.joined = append(r.joined, id)
	})
	a.OnPeerLeft(func(id string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.left = append(r.left, id)
	})
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func (r *recorder) joins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.joined...)
}

func (r *recorder) leaves() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.left...)
}

func connectPeer(t *testing.T, rt Realtime, peerID string, role models.Role) (*Adapter, *recorder) {
	t.Helper()
	a := NewAdapter(rt, "resume-1", "sess-1", telemetry.Discard())
	rec := &recorder{}
	rec.attach(a)
	require.NoError(t, a.Connect(context.Background(), peerID, models.PresenceMeta{UserID: "user-" + peerID, UserName: peerID, Role: role}))
	t.Cleanup(func() { a.Disconnect() })
	return a, rec
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "resume:r1:session:abc", ChannelName("r1", "abc"))
	assert.NotEqual(t, ChannelName("r1", "s1"), ChannelName("r1", "s2"))
}

func TestAdapter_SendBeforeConnectIsDropped(t *testing.T) {
	rt := NewClient(NewMemoryBus(telemetry.Discard()), fastOptions())
	a := NewAdapter(rt, "resume-1", "sess-1", telemetry.Discard())

	err := a.Send(context.Background(), models.MessageTypeSync, "", []byte("x"))
	assert.ErrorIs(t, err, ErrNotReady)
	assert.False(t, a.Ready())
}

func TestAdapter_BroadcastAndTargeted(t *testing.T) {
	ctx := context.Background()
	rt := NewClient(NewMemoryBus(telemetry.Discard()), fastOptions())

	host, hostRec := connectPeer(t, rt, "host", models.RoleHost)
	_, g1Rec := connectPeer(t, rt, "g1", models.RoleGuest)
	_, g2Rec := connectPeer(t, rt, "g2", models.RoleGuest)

	require.NoError(t, host.Send(ctx, models.MessageTypeSync, "", []byte{0x00, 0xff, 0x10}))
	require.NoError(t, host.Send(ctx, models.MessageTypeSync, "g1", []byte("only g1")))

	require.Eventually(t, func() bool { return len(g1Rec.messages()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(g2Rec.messages()) == 1 }, time.Second, 5*time.Millisecond)

	g1 := g1Rec.messages()
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, g1[0].Data, "binary payload survives the base64 envelope")
	assert.Equal(t, "host", g1[0].Envelope.SenderID)
	assert.Equal(t, "resume-1", g1[0].Envelope.DocumentID)
	assert.Equal(t, []byte("only g1"), g1[1].Data)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, g2Rec.messages(), 1, "targeted envelope is discarded by other peers")
	assert.Empty(t, hostRec.messages(), "sender never receives its own envelope")
}

func TestAdapter_DropsForeignAndMalformedEnvelopes(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(telemetry.Discard())
	rt := NewClient(bus, fastOptions())
	_, rec := connectPeer(t, rt, "me", models.RoleGuest)

	raw := NewClient(bus, fastOptions()).Channel(ChannelName("resume-1", "sess-1"), "intruder")
	require.NoError(t, raw.Subscribe(ctx))
	defer raw.Unsubscribe()

	other, _ := json.Marshal(models.Envelope{SenderID: "intruder", MessageType: models.MessageTypeSync, DocumentID: "resume-2", Payload: "AA=="})
	badPayload, _ := json.Marshal(models.Envelope{SenderID: "intruder", MessageType: models.MessageTypeSync, Payload: "%%%"})
	good, _ := json.Marshal(models.Envelope{SenderID: "intruder", MessageType: models.MessageTypeControl, Payload: "AQ=="})

	require.NoError(t, raw.Send(ctx, other))
	require.NoError(t, raw.Send(ctx, []byte("not json")))
	require.NoError(t, raw.Send(ctx, badPayload))
	require.NoError(t, raw.Send(ctx, good))

	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.MessageTypeControl, rec.messages()[0].Envelope.MessageType)
	assert.Equal(t, []byte{0x01}, rec.messages()[0].Data)
}

func TestAdapter_PeerJoinedOnceAndLeft(t *testing.T) {
	ctx := context.Background()
	rt := NewClient(NewMemoryBus(telemetry.Discard()), fastOptions())

	host, hostRec := connectPeer(t, rt, "host", models.RoleHost)
	guest := NewAdapter(rt, "resume-1", "sess-1", telemetry.Discard())
	require.NoError(t, guest.Connect(ctx, "guest", models.PresenceMeta{UserID: "u2", UserName: "Guest"}))

	require.Eventually(t, func() bool { return len(hostRec.joins()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"guest"}, hostRec.joins())
	assert.Contains(t, host.Peers(), "guest")
	assert.NotContains(t, host.Peers(), "host")

	// heartbeats keep arriving; the join must not repeat
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, hostRec.joins(), 1)

	require.NoError(t, guest.Disconnect())
	require.NoError(t, guest.Disconnect())
	require.Eventually(t, func() bool { return len(hostRec.leaves()) == 1 }, time.Second, 5*time.Millisecond)
	assert.NotContains(t, host.Peers(), "guest")
	assert.False(t, guest.Ready())
}

func TestAdapter_ConnectTwiceFails(t *testing.T) {
	rt := NewClient(NewMemoryBus(telemetry.Discard()), fastOptions())
	a, _ := connectPeer(t, rt, "p", models.RoleHost)
	assert.Error(t, a.Connect(context.Background(), "p", models.PresenceMeta{}))
	assert.True(t, a.Ready())
	assert.Equal(t, "p", a.SelfPeerID())
}
