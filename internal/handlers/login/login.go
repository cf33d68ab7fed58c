// Package login implements GitHub sign-in for the control panel.
package login

import (
	"log/slog"
	"net/http"

	"github.com/tomyedwab/etes/audit"
	"github.com/tomyedwab/etes/internal/httputils"
	"github.com/tomyedwab/etes/sessions"
)

// Handler serves /login, /logout and /authorize. A nil OAuth service
// disables sign-in.
type Handler struct {
	oauth   *sessions.OAuthService
	cookies *sessions.CookieCodec
	audit   *audit.Logger
	logger  *slog.Logger
}

func NewHandler(oauth *sessions.OAuthService, cookies *sessions.CookieCodec, auditLog *audit.Logger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		oauth:   oauth,
		cookies: cookies,
		audit:   auditLog,
		logger:  logger.With("component", "login"),
	}
}

// HandleLogin stores a fresh OAuth state in the CSRF cookie and sends the
// browser to GitHub.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil {
		http.Error(w, "Sign-in is not configured", http.StatusNotFound)
		return
	}
	state, err := sessions.NewState()
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusInternalServerError)
		return
	}
	cookie, err := h.cookies.CSRFCookie(state)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, cookie)
	http.Redirect(w, r, h.oauth.AuthCodeURL(state), http.StatusSeeOther)
}
