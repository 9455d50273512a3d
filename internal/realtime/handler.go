package realtime

import (
	"context"
	"net/http"

	"resume-collab/internal/middleware"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: CORS validation for WebSocket connections
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// relay peers are other server processes and trusted UI hosts
		return true
	},
}

// Handler upgrades relay connections and attaches them to a hub.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles GET /realtime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := middleware.StartSpan(r.Context(), "Relay.Connect",
		attribute.String("remote.addr", r.RemoteAddr),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.WithError(err).Warn("failed to upgrade relay websocket")
		middleware.AddSpanError(ctx, err)
		return
	}

	c := newClient(h.hub, conn)
	if !h.hub.join(c) {
		conn.Close()
		return
	}

	// the request context ends when ServeHTTP returns; pumps outlive it
	pumpCtx := context.WithoutCancel(ctx)

	// Start read and write pumps in separate goroutines
	// Learning: Separate goroutines prevent deadlock between reading and writing
	go c.WritePump()
	go c.ReadPump(pumpCtx)

	h.hub.log.WithField("client", c.id).Info("✓ relay connection established")
}
