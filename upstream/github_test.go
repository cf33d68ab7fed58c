package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

const sampleResponse = `{
  "data": {
    "repository": {
      "defaultBranchRef": {
        "target": {
          "history": {
            "nodes": [
              {"oid": "1111111111111111111111111111111111111111", "committedDate": "2024-05-01T10:00:00Z", "url": "https://github.com/o/r/commit/1111", "messageHeadline": "Fix login"}
            ]
          }
        }
      },
      "releases": {
        "nodes": [
          {"name": "v1.0", "url": "https://github.com/o/r/releases/v1.0", "tagName": "v1.0", "createdAt": "2024-04-01T00:00:00Z",
           "tagCommit": {"oid": "2222222222222222222222222222222222222222", "authoredDate": "2024-03-31T12:00:00Z"}},
          {"name": "orphan", "url": "https://github.com/o/r/releases/orphan", "tagName": "orphan", "createdAt": "2024-04-02T00:00:00Z", "tagCommit": null}
        ]
      },
      "pullRequests": {
        "nodes": [
          {"number": 42, "createdAt": "2024-05-02T00:00:00Z", "isDraft": false, "title": "Add feature",
           "assignees": {"nodes": [{"avatarUrl": "https://avatars/x", "login": "octocat", "name": null}]},
           "commits": {"nodes": [{"commit": {"oid": "3333333333333333333333333333333333333333", "authoredDate": "2024-05-02T01:00:00Z", "statusCheckRollup": {"state": "SUCCESS"}}}]}},
          {"number": 43, "createdAt": "2024-05-03T00:00:00Z", "isDraft": true, "title": "WIP",
           "assignees": {"nodes": []},
           "commits": {"nodes": [{"commit": {"oid": "4444444444444444444444444444444444444444", "authoredDate": "2024-05-03T01:00:00Z", "statusCheckRollup": null}}]}}
        ]
      }
    }
  }
}`

func newGraphQLServer(t *testing.T, handler http.HandlerFunc) *GitHubFetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	f, err := NewGitHubFetcher("test-token", "o", "r", srv.URL)
	if err != nil {
		t.Fatalf("NewGitHubFetcher returned error: %v", err)
	}
	return f
}

func TestGitHubFetcherFetch(t *testing.T) {
	f := newGraphQLServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/graphql" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Unexpected Authorization header %q", got)
		}
		var req graphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Decoding request: %v", err)
		}
		if req.Variables["owner"] != "o" || req.Variables["name"] != "r" {
			t.Errorf("Unexpected variables %v", req.Variables)
		}
		if !strings.Contains(req.Query, "pullRequests") {
			t.Error("Query does not request pull requests")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(sampleResponse))
	})

	state, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(state.Commits) != 1 || state.Commits[0].Message != "Fix login" {
		t.Errorf("Unexpected commits %+v", state.Commits)
	}
	if len(state.Releases) != 1 || state.Releases[0].Commit.Hash != strings.Repeat("2", 40) {
		t.Errorf("Expected one release with a tag commit, got %+v", state.Releases)
	}
	if len(state.Pulls) != 2 {
		t.Fatalf("Expected 2 pulls, got %d", len(state.Pulls))
	}
	if state.Pulls[0].Status != StatusSuccess || state.Pulls[0].Assignees[0].Login != "octocat" {
		t.Errorf("Unexpected first pull %+v", state.Pulls[0])
	}
	if state.Pulls[1].Status != StatusPending || !state.Pulls[1].IsDraft {
		t.Errorf("Expected draft pull without checks to be pending, got %+v", state.Pulls[1])
	}
	if !state.Pulls[0].Commit.Date.Equal(time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected commit date %v", state.Pulls[0].Commit.Date)
	}

	hashes := state.CommitHashes()
	if len(hashes) != 2 || hashes[0] != strings.Repeat("2", 40) || hashes[1] != strings.Repeat("3", 40) {
		t.Errorf("Unexpected commit hashes %v", hashes)
	}
}

func TestGitHubFetcherRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"graphql errors", `{"data": {"repository": null}, "errors": [{"message": "Could not resolve to a Repository"}]}`},
		{"missing repository", `{"data": {}}`},
		{"bad oid", strings.Replace(sampleResponse, "3333333333333333333333333333333333333333", "not-a-hash", 1)},
		{"unknown status", strings.Replace(sampleResponse, `"SUCCESS"`, `"BOGUS"`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGraphQLServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			})
			if _, err := f.Fetch(context.Background()); err == nil {
				t.Error("Expected error for malformed response")
			}
		})
	}
}

func TestGitHubFetcherRateLimited(t *testing.T) {
	f := newGraphQLServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message": "API rate limit exceeded"}`))
	})
	_, err := f.Fetch(context.Background())
	if err == nil {
		t.Fatal("Expected rate limit error")
	}
	if !IsRateLimited(err) {
		t.Errorf("Expected rate limit error, got %T: %v", err, err)
	}
}
