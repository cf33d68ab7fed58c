package upstream

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

//go:embed query.graphql
var repositoryQuery string

var oidPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Fetcher retrieves a fresh State.
type Fetcher interface {
	Fetch(ctx context.Context) (State, error)
}

// GitHubFetcher queries the GitHub GraphQL API with a single request.
type GitHubFetcher struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubFetcher builds a fetcher authenticated with token. apiURL
// overrides https://api.github.com/ when set.
func NewGitHubFetcher(token, owner, repo, apiURL string) (*GitHubFetcher, error) {
	if owner == "" || repo == "" {
		return nil, errors.New("github owner and repository are required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	client := github.NewClient(tc)
	client.UserAgent = "etes"
	if apiURL != "" {
		base, err := url.Parse(strings.TrimRight(apiURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing github api url: %w", err)
		}
		client.BaseURL = base
	}
	return &GitHubFetcher{client: client, owner: owner, repo: repo}, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data struct {
		Repository *struct {
			DefaultBranchRef *struct {
				Target struct {
					History struct {
						Nodes []struct {
							Oid             string    `json:"oid"`
							CommittedDate   time.Time `json:"committedDate"`
							URL             string    `json:"url"`
							MessageHeadline string    `json:"messageHeadline"`
						} `json:"nodes"`
					} `json:"history"`
				} `json:"target"`
			} `json:"defaultBranchRef"`
			Releases struct {
				Nodes []struct {
					Name      string    `json:"name"`
					URL       string    `json:"url"`
					TagName   string    `json:"tagName"`
					CreatedAt time.Time `json:"createdAt"`
					TagCommit *struct {
						Oid          string    `json:"oid"`
						AuthoredDate time.Time `json:"authoredDate"`
					} `json:"tagCommit"`
				} `json:"nodes"`
			} `json:"releases"`
			PullRequests struct {
				Nodes []struct {
					Number    int       `json:"number"`
					CreatedAt time.Time `json:"createdAt"`
					IsDraft   bool      `json:"isDraft"`
					Title     string    `json:"title"`
					Assignees struct {
						Nodes []struct {
							AvatarURL string  `json:"avatarUrl"`
							Login     string  `json:"login"`
							Name      *string `json:"name"`
						} `json:"nodes"`
					} `json:"assignees"`
					Commits struct {
						Nodes []struct {
							Commit struct {
								Oid               string    `json:"oid"`
								AuthoredDate      time.Time `json:"authoredDate"`
								StatusCheckRollup *struct {
									State string `json:"state"`
								} `json:"statusCheckRollup"`
							} `json:"commit"`
						} `json:"nodes"`
					} `json:"commits"`
				} `json:"nodes"`
			} `json:"pullRequests"`
		} `json:"repository"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Fetch runs the repository query. Rate limiting surfaces as the
// go-github rate limit error types.
func (f *GitHubFetcher) Fetch(ctx context.Context) (State, error) {
	req, err := f.client.NewRequest(http.MethodPost, "graphql", graphQLRequest{
		Query:     repositoryQuery,
		Variables: map[string]any{"owner": f.owner, "name": f.repo},
	})
	if err != nil {
		return State{}, err
	}
	var resp graphQLResponse
	if _, err := f.client.Do(ctx, req, &resp); err != nil {
		return State{}, err
	}
	return normalize(&resp)
}

// normalize converts a query response into a State, rejecting the whole
// response if any part of it is malformed.
func normalize(resp *graphQLResponse) (State, error) {
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return State{}, fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}
	repo := resp.Data.Repository
	if repo == nil {
		return State{}, errors.New("graphql: repository missing from response")
	}

	state := emptyState()
	if repo.DefaultBranchRef != nil {
		for _, n := range repo.DefaultBranchRef.Target.History.Nodes {
			if !oidPattern.MatchString(n.Oid) {
				return State{}, fmt.Errorf("graphql: invalid commit oid %q", n.Oid)
			}
			state.Commits = append(state.Commits, Commit{
				Hash:    n.Oid,
				Date:    n.CommittedDate,
				URL:     n.URL,
				Message: n.MessageHeadline,
			})
		}
	}

	for _, n := range repo.Releases.Nodes {
		// Releases of tags that no longer exist have no commit to run.
		if n.TagCommit == nil {
			continue
		}
		if !oidPattern.MatchString(n.TagCommit.Oid) {
			return State{}, fmt.Errorf("graphql: invalid release commit oid %q", n.TagCommit.Oid)
		}
		state.Releases = append(state.Releases, Release{
			Name:      n.Name,
			URL:       n.URL,
			TagName:   n.TagName,
			CreatedAt: n.CreatedAt,
			Commit:    Commit{Hash: n.TagCommit.Oid, Date: n.TagCommit.AuthoredDate},
		})
	}

	for _, n := range repo.PullRequests.Nodes {
		if len(n.Commits.Nodes) == 0 {
			continue
		}
		head := n.Commits.Nodes[len(n.Commits.Nodes)-1].Commit
		if !oidPattern.MatchString(head.Oid) {
			return State{}, fmt.Errorf("graphql: invalid pull request commit oid %q", head.Oid)
		}
		status := StatusPending
		if head.StatusCheckRollup != nil {
			status = Status(head.StatusCheckRollup.State)
			if !status.valid() {
				return State{}, fmt.Errorf("graphql: unknown check status %q on #%d", head.StatusCheckRollup.State, n.Number)
			}
		}
		assignees := make([]Assignee, 0, len(n.Assignees.Nodes))
		for _, a := range n.Assignees.Nodes {
			assignee := Assignee{AvatarURL: a.AvatarURL, Login: a.Login}
			if a.Name != nil {
				assignee.Name = *a.Name
			}
			assignees = append(assignees, assignee)
		}
		state.Pulls = append(state.Pulls, Pull{
			Number:    n.Number,
			CreatedAt: n.CreatedAt,
			IsDraft:   n.IsDraft,
			Title:     n.Title,
			Assignees: assignees,
			Status:    status,
			Commit:    Commit{Hash: head.Oid, Date: head.AuthoredDate},
		})
	}
	return state, nil
}

// IsRateLimited reports whether err came from GitHub rate limiting.
func IsRateLimited(err error) bool {
	var rl *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	return errors.As(err, &rl) || errors.As(err, &abuse)
}
