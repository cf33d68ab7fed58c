package login

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/tomyedwab/etes/internal/apperr"
	"github.com/tomyedwab/etes/internal/httputils"
	"github.com/tomyedwab/etes/sessions"
)

// HandleAuthorize is the OAuth callback. The state must match the CSRF
// cookie set by HandleLogin before the code is exchanged.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil {
		http.Error(w, "Sign-in is not configured", http.StatusNotFound)
		return
	}
	user, err := h.authorize(r)
	if err != nil {
		if aerr := h.audit.LogLoginFailed(err.Error()); aerr != nil {
			h.logger.Warn("Failed to write audit event", "error", aerr)
		}
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusUnauthorized)
		return
	}

	cookie, err := h.cookies.SessionCookie(user)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, sessions.ExpiredCookie(sessions.CSRFCookieName))
	http.SetCookie(w, cookie)
	if aerr := h.audit.LogLogin(user); aerr != nil {
		h.logger.Warn("Failed to write audit event", "error", aerr)
	}
	h.logger.Info("User signed in", "login", user.Login)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) authorize(r *http.Request) (sessions.GitHubUser, error) {
	query := r.URL.Query()
	want, err := h.cookies.ReadCSRF(r)
	if err != nil {
		return sessions.GitHubUser{}, err
	}
	got := query.Get("state")
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return sessions.GitHubUser{}, fmt.Errorf("%w: csrf state mismatch", apperr.ErrAuthFailed)
	}
	return h.oauth.Exchange(r.Context(), query.Get("code"))
}
