package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/tomyedwab/etes/events"
	"github.com/tomyedwab/etes/executables"
	"github.com/tomyedwab/etes/internal/apperr"
	"github.com/tomyedwab/etes/internal/httputils"
	"github.com/tomyedwab/etes/monitor"
	"github.com/tomyedwab/etes/processes"
	"github.com/tomyedwab/etes/sessions"
	"github.com/tomyedwab/etes/upstream"
)

// Snapshot is everything a control panel needs to render.
type Snapshot struct {
	IsAdmin     bool                     `json:"isAdmin"`
	User        sessions.Identity        `json:"user"`
	Title       string                   `json:"title"`
	Favicon     string                   `json:"favicon"`
	BaseURL     string                   `json:"baseUrl"`
	GitHub      upstream.State           `json:"github"`
	Memory      monitor.Sample           `json:"memory"`
	Executables []executables.Executable `json:"executables"`
	Services    []processes.Service      `json:"services"`
	Words       []string                 `json:"words"`
}

// repositoryURL is the GitHub page of the tracked repository.
func (h *Handlers) repositoryURL() string {
	if h.Config.GitHubOwner == "" || h.Config.GitHubRepo == "" {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/%s", h.Config.GitHubOwner, h.Config.GitHubRepo)
}

func (h *Handlers) snapshot(identity sessions.Identity) Snapshot {
	exes := h.Registry.List()
	if exes == nil {
		exes = []executables.Executable{}
	}
	var gh upstream.State
	if h.Upstream != nil {
		gh = h.Upstream.State()
	}
	return Snapshot{
		IsAdmin:     h.Resolver.IsAdmin(identity),
		User:        identity.Public(),
		Title:       h.Config.Title,
		Favicon:     h.Config.Favicon,
		BaseURL:     h.repositoryURL(),
		GitHub:      gh,
		Memory:      h.memory(),
		Executables: exes,
		Services:    events.PublicServices(h.Supervisor.Services()),
		Words:       h.Config.Words,
	}
}

// HandleData handles GET /api/v1/data/{callerId}.
func (h *Handlers) HandleData(w http.ResponseWriter, r *http.Request) {
	identity, err := h.Resolver.Resolve(r, r.PathValue("callerId"))
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusBadRequest)
		return
	}
	httputils.HandleAPIResponse(w, r, h.snapshot(identity), nil, http.StatusOK)
}

// LogsResponse carries captured process output.
type LogsResponse struct {
	Service string               `json:"service"`
	Entries []processes.LogEntry `json:"entries"`
}

// HandleLogs handles GET /api/v1/service/{name}/logs?from=N.
func (h *Handlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var from int64
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("%w: invalid from %q", apperr.ErrInvalid, v), http.StatusBadRequest)
			return
		}
		from = n
	}
	entries, err := h.Supervisor.LogsFor(name, from)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusNotFound)
		return
	}
	if entries == nil {
		entries = []processes.LogEntry{}
	}
	httputils.HandleAPIResponse(w, r, LogsResponse{Service: name, Entries: entries}, nil, http.StatusOK)
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputils.HandleAPIResponse(w, r, map[string]string{"status": "ok"}, nil, http.StatusOK)
}
