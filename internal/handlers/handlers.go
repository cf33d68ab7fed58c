// Package handlers implements the control panel HTTP API: executable
// uploads, the state snapshot, the realtime websocket and service logs.
package handlers

import (
	"context"
	"io"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/tomyedwab/etes/audit"
	"github.com/tomyedwab/etes/config"
	"github.com/tomyedwab/etes/events"
	"github.com/tomyedwab/etes/executables"
	"github.com/tomyedwab/etes/metrics"
	"github.com/tomyedwab/etes/monitor"
	"github.com/tomyedwab/etes/processes"
	"github.com/tomyedwab/etes/sessions"
	"github.com/tomyedwab/etes/upstream"
)

// Registry stores uploaded executables.
type Registry interface {
	Register(ctx context.Context, credential, contentHash, triggerHash string, body io.Reader) (executables.Executable, error)
	List() []executables.Executable
}

// Supervisor exposes the live service table.
type Supervisor interface {
	Services() []processes.Service
	LogsFor(name string, fromID int64) ([]processes.LogEntry, error)
}

// UpstreamCache holds repository state.
type UpstreamCache interface {
	State() upstream.State
	Refresh(ctx context.Context) error
}

// MemorySource reports the latest host memory sample.
type MemorySource interface {
	Latest() monitor.Sample
}

type Deps struct {
	Config     *config.Config
	Registry   Registry
	Supervisor Supervisor
	Upstream   UpstreamCache
	Memory     MemorySource
	Hub        *events.Hub
	Resolver   *sessions.Resolver
	Audit      *audit.Logger
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Handlers serves the control panel API.
type Handlers struct {
	Deps
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func New(deps Deps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handlers{
		Deps:   deps,
		logger: deps.Logger.With("component", "handlers"),
	}
}

func (h *Handlers) memory() monitor.Sample {
	if h.Memory == nil {
		return monitor.Sample{}
	}
	return h.Memory.Latest()
}
