package sessions

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
	githubauth "golang.org/x/oauth2/github"

	"github.com/tomyedwab/etes/internal/apperr"
)

// OAuthConfig describes the GitHub OAuth application.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	// RedirectURL is where GitHub sends the browser back to (/authorize).
	RedirectURL string
	// APIURL overrides https://api.github.com/ for the profile request.
	APIURL string
	// Endpoint overrides the github.com OAuth endpoints.
	Endpoint oauth2.Endpoint
}

// OAuthService runs the GitHub authorization code flow.
type OAuthService struct {
	config *oauth2.Config
	apiURL *url.URL
}

func NewOAuthService(config OAuthConfig) (*OAuthService, error) {
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, fmt.Errorf("%w: oauth client id and secret are required", apperr.ErrInvalid)
	}
	endpoint := config.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = githubauth.Endpoint
	}
	s := &OAuthService{
		config: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"read:user"},
		},
	}
	if config.APIURL != "" {
		base, err := url.Parse(strings.TrimRight(config.APIURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing github api url: %w", err)
		}
		s.apiURL = base
	}
	return s, nil
}

// NewState returns a random OAuth state value.
func NewState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// AuthCodeURL is the GitHub page the browser is redirected to on login.
func (s *OAuthService) AuthCodeURL(state string) string {
	return s.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for the signed-in user's profile.
func (s *OAuthService) Exchange(ctx context.Context, code string) (GitHubUser, error) {
	if code == "" {
		return GitHubUser{}, fmt.Errorf("%w: missing authorization code", apperr.ErrAuthFailed)
	}
	token, err := s.config.Exchange(ctx, code)
	if err != nil {
		return GitHubUser{}, fmt.Errorf("%w: exchanging code: %v", apperr.ErrAuthFailed, err)
	}
	client := github.NewClient(s.config.Client(ctx, token))
	client.UserAgent = "etes"
	if s.apiURL != nil {
		client.BaseURL = s.apiURL
	}
	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return GitHubUser{}, fmt.Errorf("%w: fetching profile: %v", apperr.ErrAuthFailed, err)
	}
	if user.GetLogin() == "" {
		return GitHubUser{}, fmt.Errorf("%w: profile has no login", apperr.ErrAuthFailed)
	}
	return GitHubUser{
		Login:     user.GetLogin(),
		Name:      user.GetName(),
		AvatarURL: user.GetAvatarURL(),
	}, nil
}
