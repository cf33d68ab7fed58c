package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tomyedwab/etes/events"
	"github.com/tomyedwab/etes/executables"
	"github.com/tomyedwab/etes/internal/apperr"
	"github.com/tomyedwab/etes/internal/httputils"
)

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: no authorization header", apperr.ErrAuthFailed)
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("%w: authorization header is not a bearer token", apperr.ErrAuthFailed)
	}
	return token, nil
}

// HandleUpload handles PUT /api/v1/executable/{triggerHash}/{contentHash}.
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	triggerHash := r.PathValue("triggerHash")
	contentHash := r.PathValue("contentHash")

	exe, err := h.upload(r, triggerHash, contentHash)
	h.Metrics.UploadCompleted(err)
	if err != nil {
		if errors.Is(err, apperr.ErrAuthFailed) || errors.Is(err, apperr.ErrInvalid) || errors.Is(err, apperr.ErrConflict) {
			if aerr := h.Audit.LogUploadRejected(contentHash, err.Error()); aerr != nil {
				h.logger.Warn("Failed to write audit event", "error", aerr)
			}
		}
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusInternalServerError)
		return
	}

	if aerr := h.Audit.LogUpload(exe.ContentHash, exe.TriggerHash); aerr != nil {
		h.logger.Warn("Failed to write audit event", "error", aerr)
	}
	if h.Hub != nil {
		h.Hub.Broadcast(events.ExecutablesState(h.Registry.List()))
	}
	if h.Upstream != nil {
		// A new build usually accompanies new commits or status changes.
		go func() {
			if err := h.Upstream.Refresh(context.Background()); err != nil {
				h.logger.Warn("Refresh after upload failed", "error", err)
			}
		}()
	}
	httputils.HandleAPIResponse(w, r, exe, nil, http.StatusCreated)
}

func (h *Handlers) upload(r *http.Request, triggerHash, contentHash string) (executables.Executable, error) {
	credential, err := bearerToken(r)
	if err != nil {
		return executables.Executable{}, err
	}
	body, err := executables.DecodeBody(r.Body, r.Header.Get("Content-Encoding"))
	if err != nil {
		return executables.Executable{}, err
	}
	defer body.Close()

	var limit int64
	if h.Config != nil {
		limit = h.Config.MaxUploadBytes
	}
	h.logger.Info("Incoming upload", "trigger", triggerHash, "content", contentHash)
	return h.Registry.Register(r.Context(), credential, contentHash, triggerHash, executables.LimitBody(body, limit))
}
