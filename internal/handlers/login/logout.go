package login

import (
	"net/http"

	"github.com/tomyedwab/etes/sessions"
)

func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if user, err := h.cookies.ReadSession(r); err == nil {
		if aerr := h.audit.LogLogout(sessions.GitHub(user)); aerr != nil {
			h.logger.Warn("Failed to write audit event", "error", aerr)
		}
		h.logger.Info("User signed out", "login", user.Login)
	}
	http.SetCookie(w, sessions.ExpiredCookie(sessions.SessionCookieName))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
