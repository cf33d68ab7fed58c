package controlpanel

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tomyedwab/etes/audit"
	"github.com/tomyedwab/etes/events"
	"github.com/tomyedwab/etes/internal/apperr"
	"github.com/tomyedwab/etes/metrics"
	"github.com/tomyedwab/etes/processes"
	"github.com/tomyedwab/etes/sessions"
)

// Supervisor is the part of the service supervisor commands drive.
type Supervisor interface {
	StartService(ctx context.Context, req processes.StartRequest) (processes.Service, error)
	StartGenerated(ctx context.Context, names *processes.NameGenerator, req processes.StartRequest) (processes.Service, error)
	StopService(ctx context.Context, name string, requester sessions.Identity, isAdmin bool) (bool, error)
}

// Refresher triggers an upstream refresh.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Notifier delivers errors to the operator who caused them.
type Notifier interface {
	SendTo(identity sessions.Identity, msg any)
}

// Commands executes control panel commands on behalf of the connection's
// resolved identity.
type Commands struct {
	Supervisor Supervisor
	Upstream   Refresher
	Notifier   Notifier
	Names      *processes.NameGenerator
	Audit      *audit.Logger
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// HandleCommand implements events.CommandHandler.
func (c *Commands) HandleCommand(ctx context.Context, from events.ClientInfo, cmd events.Command) {
	logger := c.logger().With("type", cmd.Type, "caller", from.CallerID, "identity", from.Identity.String())
	var err error
	switch cmd.Type {
	case events.TypeStartService:
		err = c.start(ctx, from, cmd, logger)
	case events.TypeStopService:
		err = c.stop(ctx, from, cmd, logger)
	case events.TypeGitHubRefresh:
		// Failures are broadcast by the cache itself.
		if c.Upstream != nil {
			if rerr := c.Upstream.Refresh(ctx); rerr != nil {
				logger.Warn("Requested refresh failed", "error", rerr)
			}
		}
	}
	c.Metrics.CommandCompleted(string(cmd.Type), err)
	if err != nil {
		logger.Warn("Command failed", "error", err)
		if c.Notifier != nil {
			c.Notifier.SendTo(from.Identity, events.Error(err.Error(), from.Identity))
		}
	}
}

func (c *Commands) start(ctx context.Context, from events.ClientInfo, cmd events.Command, logger *slog.Logger) error {
	req := processes.StartRequest{
		Name:        cmd.Name,
		ContentHash: cmd.Executable.Hash,
		Creator:     from.Identity,
	}
	var svc processes.Service
	var err error
	if req.Name == "" {
		svc, err = c.Supervisor.StartGenerated(ctx, c.Names, req)
	} else {
		svc, err = c.Supervisor.StartService(ctx, req)
	}
	if err != nil {
		return err
	}
	if aerr := c.Audit.LogServiceStart(from.Identity, svc.Name, svc.Executable.ContentHash); aerr != nil {
		logger.Warn("Failed to write audit event", "error", aerr)
	}
	logger.Info("Service start requested", "service", svc.Name)
	return nil
}

func (c *Commands) stop(ctx context.Context, from events.ClientInfo, cmd events.Command, logger *slog.Logger) error {
	stopped, err := c.Supervisor.StopService(ctx, cmd.Name, from.Identity, from.IsAdmin)
	if errors.Is(err, apperr.ErrForbidden) {
		if aerr := c.Audit.LogStopForbidden(from.Identity, cmd.Name); aerr != nil {
			logger.Warn("Failed to write audit event", "error", aerr)
		}
		return err
	}
	if err != nil || !stopped {
		return err
	}
	if aerr := c.Audit.LogServiceStop(from.Identity, cmd.Name); aerr != nil {
		logger.Warn("Failed to write audit event", "error", aerr)
	}
	return nil
}

func (c *Commands) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default().With("component", "commands")
	}
	return c.Logger.With("component", "commands")
}
