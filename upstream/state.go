// Package upstream caches what the code host knows about the repository:
// recent default-branch commits, releases and open pull requests.
package upstream

import "time"

// Status is the combined check status of a commit.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusError    Status = "ERROR"
	StatusExpected Status = "EXPECTED"
	StatusFailure  Status = "FAILURE"
	StatusSuccess  Status = "SUCCESS"
)

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusError, StatusExpected, StatusFailure, StatusSuccess:
		return true
	}
	return false
}

type Commit struct {
	Hash    string    `json:"hash"`
	Date    time.Time `json:"date"`
	URL     string    `json:"url,omitempty"`
	Message string    `json:"message,omitempty"`
}

type Release struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	TagName   string    `json:"tagName"`
	CreatedAt time.Time `json:"createdAt"`
	Commit    Commit    `json:"commit"`
}

type Assignee struct {
	AvatarURL string `json:"avatarUrl"`
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
}

type Pull struct {
	Number    int        `json:"number"`
	CreatedAt time.Time  `json:"createdAt"`
	IsDraft   bool       `json:"isDraft"`
	Title     string     `json:"title"`
	Assignees []Assignee `json:"assignees"`
	Status    Status     `json:"status"`
	Commit    Commit     `json:"commit"`
}

// State is one complete view of the repository. It is replaced as a whole
// on every successful refresh.
type State struct {
	Commits   []Commit  `json:"commits"`
	Releases  []Release `json:"releases"`
	Pulls     []Pull    `json:"pulls"`
	FetchedAt time.Time `json:"fetchedAt,omitempty"`
}

func emptyState() State {
	return State{Commits: []Commit{}, Releases: []Release{}, Pulls: []Pull{}}
}

// CommitHashes lists the commits worth keeping binaries for: every release
// and every pull request whose checks passed.
func (s State) CommitHashes() []string {
	var hashes []string
	for _, r := range s.Releases {
		hashes = append(hashes, r.Commit.Hash)
	}
	for _, p := range s.Pulls {
		if p.Status == StatusSuccess {
			hashes = append(hashes, p.Commit.Hash)
		}
	}
	return hashes
}
