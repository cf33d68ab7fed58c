package handlers

import (
	"context"
	"net/http"

	"github.com/tomyedwab/etes/events"
	"github.com/tomyedwab/etes/internal/httputils"
)

// HandleWebSocket handles GET /api/v1/ws/{callerId}. The caller's identity
// is resolved before the upgrade and attached to every command the
// connection sends.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	callerID := r.PathValue("callerId")
	identity, err := h.Resolver.Resolve(r, callerID)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "caller", callerID, "error", err)
		return
	}

	snap := h.snapshot(identity)
	initial := events.InitialState(h.Supervisor.Services(), snap.Executables, snap.GitHub, snap.Memory)
	info := events.ClientInfo{
		CallerID: callerID,
		Identity: identity,
		IsAdmin:  snap.IsAdmin,
	}
	// Commands outlive the connection that sent them.
	h.Hub.Serve(context.WithoutCancel(r.Context()), conn, info, initial)
}
