package auth

import (
	"net/http"

	"github.com/mnehpets/flagdeck/endpoint"
	"github.com/mnehpets/flagdeck/session"
)

// Handler serves the login and logout routes:
//
//	GET  /login   start the handshake, 302 to the provider
//	POST /logout  end the session, 303 to /
//
// The callback lands on the redirect URI, which the console serves; it calls
// Controller.Resume from there.
type Handler struct {
	mux        *http.ServeMux
	controller *Controller

	// OnLogout, if set, is called with the ID of every session that logs out.
	OnLogout func(sessionID string)
}

// NewHandler returns a Handler. processors run before each route and must
// include the session processor.
func NewHandler(controller *Controller, processors ...endpoint.Processor) *Handler {
	h := &Handler{mux: http.NewServeMux(), controller: controller}
	h.mux.Handle("GET /login", endpoint.Handler(h.login, processors...))
	h.mux.Handle("POST /logout", endpoint.Handler(h.logout, processors...))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	target, err := h.controller.Initiate(w, r)
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "failed to start login", err)
	}
	return &endpoint.RedirectRenderer{URL: target, Status: http.StatusFound}, nil
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "", session.ErrNilSession)
	}
	id := sess.ID()
	h.controller.Logout(r.Context(), sess)
	if h.OnLogout != nil && id != "" {
		h.OnLogout(id)
	}
	return &endpoint.RedirectRenderer{URL: "/", Status: http.StatusSeeOther}, nil
}
