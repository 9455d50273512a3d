package realtime

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"resume-collab/internal/models"
	"resume-collab/internal/telemetry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(telemetry.Discard())
	hub.Start()
	srv := httptest.NewServer(NewHandler(hub))
	t.Cleanup(func() {
		srv.Close()
		hub.Shutdown()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) models.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f models.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestRelay_SubscribeAck(t *testing.T) {
	hub, url := startRelay(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(models.Frame{Op: models.FrameSubscribe, Topic: "t1", Ref: "1"}))
	f := readFrame(t, conn)
	assert.Equal(t, models.FrameAck, f.Op)
	assert.Equal(t, "1", f.Ref)
	assert.Equal(t, 1, hub.Subscribers("t1"))
}

func TestRelay_PublishReachesAllSubscribers(t *testing.T) {
	_, url := startRelay(t)
	a := dial(t, url)
	b := dial(t, url)
	other := dial(t, url)

	for _, c := range []*websocket.Conn{a, b} {
		require.NoError(t, c.WriteJSON(models.Frame{Op: models.FrameSubscribe, Topic: "room", Ref: "sub"}))
		require.Equal(t, models.FrameAck, readFrame(t, c).Op)
	}
	require.NoError(t, other.WriteJSON(models.Frame{Op: models.FrameSubscribe, Topic: "elsewhere", Ref: "x"}))
	require.Equal(t, models.FrameAck, readFrame(t, other).Op)

	require.NoError(t, a.WriteJSON(models.Frame{Op: models.FramePublish, Topic: "room", Data: []byte("hello")}))

	for _, c := range []*websocket.Conn{a, b} {
		f := readFrame(t, c)
		assert.Equal(t, models.FrameMessage, f.Op)
		assert.Equal(t, "room", f.Topic)
		assert.Equal(t, []byte("hello"), f.Data)
	}

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var f models.Frame
	assert.Error(t, other.ReadJSON(&f), "subscriber of another topic must not receive the frame")
}

func TestRelay_PerPublisherOrder(t *testing.T) {
	_, url := startRelay(t)
	pub := dial(t, url)
	sub := dial(t, url)

	require.NoError(t, sub.WriteJSON(models.Frame{Op: models.FrameSubscribe, Topic: "seq", Ref: "1"}))
	require.Equal(t, models.FrameAck, readFrame(t, sub).Op)

	for i := 0; i < 20; i++ {
		require.NoError(t, pub.WriteJSON(models.Frame{Op: models.FramePublish, Topic: "seq", Data: []byte{byte(i)}}))
	}
	for i := 0; i < 20; i++ {
		f := readFrame(t, sub)
		require.Equal(t, []byte{byte(i)}, f.Data)
	}
}

func TestRelay_Unsubscribe(t *testing.T) {
	hub, url := startRelay(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(models.Frame{Op: models.FrameSubscribe, Topic: "t", Ref: "1"}))
	readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(models.Frame{Op: models.FrameUnsubscribe, Topic: "t", Ref: "2"}))
	f := readFrame(t, conn)
	assert.Equal(t, "2", f.Ref)
	assert.Equal(t, 0, hub.Subscribers("t"))
}

func TestRelay_Errors(t *testing.T) {
	_, url := startRelay(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(models.Frame{Op: "bogus", Topic: "t", Ref: "1"}))
	f := readFrame(t, conn)
	assert.Equal(t, models.FrameError, f.Op)
	assert.Equal(t, "1", f.Ref)

	require.NoError(t, conn.WriteJSON(models.Frame{Op: models.FrameSubscribe, Ref: "2"}))
	f = readFrame(t, conn)
	assert.Equal(t, models.FrameError, f.Op)
	assert.Contains(t, f.Error, "topic")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f = readFrame(t, conn)
	assert.Equal(t, models.FrameError, f.Op)
}

func TestRelay_DisconnectRemovesSubscriptions(t *testing.T) {
	hub, url := startRelay(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(models.Frame{Op: models.FrameSubscribe, Topic: "t", Ref: "1"}))
	readFrame(t, conn)
	require.Equal(t, 1, hub.Subscribers("t"))

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("t") == 0 }, 2*time.Second, 10*time.Millisecond)
}
