package sessions

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomyedwab/etes/internal/apperr"
)

const (
	SessionCookieName = "SESSION"
	CSRFCookieName    = "CSRF"

	SessionMaxAge = 30 * 24 * time.Hour
	CSRFMaxAge    = 60 * time.Minute
)

var (
	ErrNoSession      = errors.New("no session cookie")
	ErrInvalidSession = errors.New("invalid session cookie")
)

type sessionClaims struct {
	jwt.RegisteredClaims
	User GitHubUser `json:"user"`
}

type csrfClaims struct {
	jwt.RegisteredClaims
	State string `json:"state"`
}

// CookieCodec signs and verifies the cookies that carry login state. Values
// are HS256 JWTs so a cookie cannot be forged or extended by the browser.
type CookieCodec struct {
	key []byte
	now func() time.Time
}

// NewCookieCodec derives the signing key from the configured session key.
func NewCookieCodec(sessionKey string) *CookieCodec {
	sum := sha512.Sum512([]byte(sessionKey))
	return &CookieCodec{key: sum[:], now: time.Now}
}

// SessionCookie returns the cookie that signs user in.
func (c *CookieCodec) SessionCookie(user GitHubUser) (*http.Cookie, error) {
	now := c.now()
	value, err := c.sign(sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Login,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionMaxAge)),
		},
		User: user,
	})
	if err != nil {
		return nil, err
	}
	return newCookie(SessionCookieName, value, SessionMaxAge), nil
}

// ReadSession returns the user signed in on r. It returns ErrNoSession
// when there is no cookie at all.
func (c *CookieCodec) ReadSession(r *http.Request) (GitHubUser, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return GitHubUser{}, ErrNoSession
	}
	var claims sessionClaims
	if err := c.parse(cookie.Value, &claims); err != nil {
		return GitHubUser{}, err
	}
	if claims.User.Login == "" {
		return GitHubUser{}, fmt.Errorf("%w: %w: missing login", apperr.ErrAuthFailed, ErrInvalidSession)
	}
	return claims.User, nil
}

// CSRFCookie returns the cookie that pins an OAuth state to the browser
// that started the login.
func (c *CookieCodec) CSRFCookie(state string) (*http.Cookie, error) {
	now := c.now()
	value, err := c.sign(csrfClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(CSRFMaxAge)),
		},
		State: state,
	})
	if err != nil {
		return nil, err
	}
	return newCookie(CSRFCookieName, value, CSRFMaxAge), nil
}

// ReadCSRF returns the OAuth state stored by CSRFCookie.
func (c *CookieCodec) ReadCSRF(r *http.Request) (string, error) {
	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil {
		return "", fmt.Errorf("%w: missing csrf cookie", apperr.ErrAuthFailed)
	}
	var claims csrfClaims
	if err := c.parse(cookie.Value, &claims); err != nil {
		return "", err
	}
	if claims.State == "" {
		return "", fmt.Errorf("%w: empty csrf state", apperr.ErrAuthFailed)
	}
	return claims.State, nil
}

// ExpiredCookie clears the named cookie.
func ExpiredCookie(name string) *http.Cookie {
	cookie := newCookie(name, "", 0)
	cookie.MaxAge = -1
	cookie.Expires = time.Unix(0, 0)
	return cookie
}

func newCookie(name, value string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (c *CookieCodec) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	value, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign cookie: %w", err)
	}
	return value, nil
}

func (c *CookieCodec) parse(value string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(value, claims, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", apperr.ErrAuthFailed, ErrInvalidSession, err)
	}
	if !token.Valid {
		return fmt.Errorf("%w: %w", apperr.ErrAuthFailed, ErrInvalidSession)
	}
	return nil
}
