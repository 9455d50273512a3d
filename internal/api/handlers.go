package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"resume-collab/internal/document"
	"resume-collab/internal/middleware"
	"resume-collab/internal/services/collaboration"
	"resume-collab/internal/services/docmanager"
	"resume-collab/internal/services/editor"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Identity headers set by the UI host in front of this service
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
)

var errNotOpen = errors.New("resume is not open on this server")

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	editors EditorRegistry
	mirror  MirrorStats // may be nil
	relay   http.Handler
	log     logrus.FieldLogger
}

func NewHandler(editors EditorRegistry, mirror MirrorStats, relay http.Handler, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		editors: editors,
		mirror:  mirror,
		relay:   relay,
		log:     log,
	}
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, document.ErrUnknownSection),
		errors.Is(err, document.ErrInvalidOrder),
		errors.Is(err, document.ErrBasicsHidden),
		errors.Is(err, collaboration.ErrInvalidSession):
		return http.StatusBadRequest
	case errors.Is(err, docmanager.ErrNoOwner):
		return http.StatusUnauthorized
	case errors.Is(err, errNotOpen),
		errors.Is(err, docmanager.ErrNotReady),
		errors.Is(err, docmanager.ErrDestroyed),
		errors.Is(err, collaboration.ErrDocumentNotReady):
		return http.StatusConflict
	case errors.Is(err, editor.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		middleware.AddSpanError(r.Context(), err)
		h.log.WithError(err).WithFields(logrus.Fields{
			"request_id": middleware.GetRequestID(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// live returns the already opened editor named in the route
func (h *Handler) live(r *http.Request) (*editor.Editor, error) {
	e, ok := h.editors.Get(mux.Vars(r)["id"])
	if !ok {
		return nil, errNotOpen
	}
	return e, nil
}

// Resume handlers

func (h *Handler) OpenResume(w http.ResponseWriter, r *http.Request) {
	e, err := h.editors.Open(r.Context(), mux.Vars(r)["id"], r.Header.Get(HeaderUserID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e.State())
}

func (h *Handler) GetResume(w http.ResponseWriter, r *http.Request) {
	e, err := h.live(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e.State())
}

func (h *Handler) UpdateSection(w http.ResponseWriter, r *http.Request) {
	e, err := h.live(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var partial map[string]any
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := e.UpdateForm(mux.Vars(r)["section"], partial); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e.State())
}

func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	e, err := h.live(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var req struct {
		Order []string `json:"order"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := e.UpdateOrder(req.Order); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e.State())
}

func (h *Handler) ToggleVisibility(w http.ResponseWriter, r *http.Request) {
	e, err := h.live(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	section := mux.Vars(r)["section"]
	hidden, err := e.ToggleVisibility(section)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"section": section,
		"hidden":  hidden,
	})
}

// ManualSync saves now and reports the resulting status
func (h *Handler) ManualSync(w http.ResponseWriter, r *http.Request) {
	e, err := h.live(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := e.ManualSync(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e.State())
}

// Collaboration handlers

func (h *Handler) StartSharing(w http.ResponseWriter, r *http.Request) {
	e, err := h.live(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	sess, err := e.StartSharing(r.Context(), r.Header.Get(HeaderUserID), r.Header.Get(HeaderUserName))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) JoinSession(w http.ResponseWriter, r *http.Request) {
	e, err := h.live(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := e.JoinSession(r.Context(), req.SessionID, r.Header.Get(HeaderUserID), r.Header.Get(HeaderUserName))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) StopSharing(w http.ResponseWriter, r *http.Request) {
	e, err := h.live(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	e.StopSharing(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// CloseResume flushes unsaved changes and releases the editor
func (h *Handler) CloseResume(w http.ResponseWriter, r *http.Request) {
	if err := h.editors.Close(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"editors": h.editors.Len(),
	}
	if h.mirror != nil {
		body["mirror_queue"] = h.mirror.QueueLength()
		body["mirror_written"] = h.mirror.Written()
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleRealtime serves the relay websocket other processes connect to
func (h *Handler) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	if h.relay == nil {
		http.Error(w, "realtime relay disabled", http.StatusNotFound)
		return
	}
	h.relay.ServeHTTP(w, r)
}
