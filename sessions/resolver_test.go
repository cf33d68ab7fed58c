package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"golang.org/x/oauth2"

	"github.com/tomyedwab/etes/internal/apperr"
)

type adminList []string

func (a adminList) IsAdmin(login string) bool {
	for _, l := range a {
		if l == login {
			return true
		}
	}
	return false
}

func TestResolveSessionWins(t *testing.T) {
	codec := NewCookieCodec("key")
	res := NewResolver(codec, adminList{"octo"}, nil)
	cookie, _ := codec.SessionCookie(GitHubUser{Login: "octo"})

	id, err := res.Resolve(requestWith(cookie), "browser-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if id.Login() != "octo" {
		t.Errorf("Expected GitHub identity, got %s", id)
	}
	if !res.IsAdmin(id) {
		t.Error("Expected octo to be an admin")
	}
}

func TestResolveAnonymous(t *testing.T) {
	res := NewResolver(NewCookieCodec("key"), adminList{"browser-1"}, nil)
	id, err := res.Resolve(requestWith(), "browser-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if id.IsGitHub() || id.Anonymous != "browser-1" {
		t.Errorf("Expected anonymous identity, got %s", id)
	}
	if res.IsAdmin(id) {
		t.Error("Anonymous identities are never admins")
	}
}

func TestResolveForgedCookieFallsBack(t *testing.T) {
	res := NewResolver(NewCookieCodec("key"), nil, nil)
	forged, _ := NewCookieCodec("other").SessionCookie(GitHubUser{Login: "admin"})
	id, err := res.Resolve(requestWith(forged), "browser-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if id.IsGitHub() {
		t.Errorf("Forged cookie must not sign in, got %s", id)
	}
}

func TestResolveInvalidCallerID(t *testing.T) {
	res := NewResolver(NewCookieCodec("key"), nil, nil)
	if _, err := res.Resolve(requestWith(), "not valid!"); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

func newGitHubStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"error":"bad_verification_code"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","scope":"read:user"}`))
	})
	mux.HandleFunc("GET /api/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"login": "octo", "name": "Octo Cat", "avatar_url": "https://avatars/octo",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestOAuth(t *testing.T, srv *httptest.Server) *OAuthService {
	t.Helper()
	svc, err := NewOAuthService(OAuthConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://etes.example/authorize",
		APIURL:       srv.URL + "/api",
		Endpoint: oauth2.Endpoint{
			AuthURL:   srv.URL + "/login/oauth/authorize",
			TokenURL:  srv.URL + "/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	})
	if err != nil {
		t.Fatalf("NewOAuthService failed: %v", err)
	}
	return svc
}

func TestOAuthExchange(t *testing.T) {
	svc := newTestOAuth(t, newGitHubStub(t))
	user, err := svc.Exchange(context.Background(), "good-code")
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if user.Login != "octo" || user.Name != "Octo Cat" || user.AvatarURL != "https://avatars/octo" {
		t.Errorf("Unexpected profile %+v", user)
	}
}

func TestOAuthExchangeFailure(t *testing.T) {
	svc := newTestOAuth(t, newGitHubStub(t))
	if _, err := svc.Exchange(context.Background(), "bad-code"); !errors.Is(err, apperr.ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed, got %v", err)
	}
	if _, err := svc.Exchange(context.Background(), ""); !errors.Is(err, apperr.ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed for empty code, got %v", err)
	}
}

func TestAuthCodeURL(t *testing.T) {
	svc := newTestOAuth(t, newGitHubStub(t))
	u, err := url.Parse(svc.AuthCodeURL("xyz"))
	if err != nil {
		t.Fatalf("Parsing auth url: %v", err)
	}
	q := u.Query()
	if q.Get("state") != "xyz" || q.Get("client_id") != "client" || q.Get("scope") != "read:user" {
		t.Errorf("Unexpected auth url %s", u)
	}
	if q.Get("redirect_uri") != "https://etes.example/authorize" {
		t.Errorf("Unexpected redirect_uri %q", q.Get("redirect_uri"))
	}
}

func TestNewStateIsRandom(t *testing.T) {
	a, _ := NewState()
	b, _ := NewState()
	if a == "" || a == b {
		t.Errorf("Expected distinct states, got %q and %q", a, b)
	}
}
