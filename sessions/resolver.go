package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tomyedwab/etes/internal/apperr"
)

// AdminChecker decides whether a GitHub login has administrator rights.
type AdminChecker interface {
	IsAdmin(login string) bool
}

// Resolver determines who issued a request.
type Resolver struct {
	cookies *CookieCodec
	admins  AdminChecker
	logger  *slog.Logger
}

func NewResolver(cookies *CookieCodec, admins AdminChecker, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cookies: cookies,
		admins:  admins,
		logger:  logger.With("component", "sessions"),
	}
}

// Resolve returns the signed-in GitHub user when r carries a valid session
// cookie and otherwise the anonymous identity named by callerID. A forged
// or expired cookie falls back to the anonymous identity.
func (res *Resolver) Resolve(r *http.Request, callerID string) (Identity, error) {
	user, err := res.cookies.ReadSession(r)
	if err == nil {
		return GitHub(user), nil
	}
	if !errors.Is(err, ErrNoSession) {
		res.logger.Warn("Ignoring invalid session cookie", "error", err)
	}
	if !ValidCallerID(callerID) {
		return Identity{}, fmt.Errorf("%w: invalid caller id", apperr.ErrInvalid)
	}
	return Anonymous(callerID), nil
}

// IsAdmin reports whether identity is an administrator. Only GitHub
// identities can be.
func (res *Resolver) IsAdmin(identity Identity) bool {
	if !identity.IsGitHub() || res.admins == nil {
		return false
	}
	return res.admins.IsAdmin(identity.Login())
}

// Cookies exposes the codec used by the login handlers.
func (res *Resolver) Cookies() *CookieCodec {
	return res.cookies
}
