package httputils

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tomyedwab/etes/internal/apperr"
)

// HandleAPIResponse writes resp as JSON with the given status, or the error
// with the status derived from its kind.
func HandleAPIResponse(w http.ResponseWriter, r *http.Request, resp interface{}, err error, status int) {
	if err != nil {
		code := apperr.StatusCode(err)
		slog.Warn("API request failed",
			"remote_addr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"status", code,
			"error", err)
		http.Error(w, err.Error(), code)
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Failed to encode API response",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
