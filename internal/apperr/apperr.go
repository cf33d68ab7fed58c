// Package apperr defines the error kinds shared by every component.
// Components wrap one of the sentinels with context and callers test for
// the kind with errors.Is.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrAuthFailed          = errors.New("authentication failed")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("conflict")
	ErrResourceExhausted   = errors.New("resource exhausted")
	ErrProcessFailure      = errors.New("process failure")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrIO                  = errors.New("storage error")
	ErrNotFound            = errors.New("not found")
	ErrInvalid             = errors.New("invalid request")
)

var statusCodes = []struct {
	kind   error
	status int
}{
	{ErrAuthFailed, http.StatusUnauthorized},
	{ErrForbidden, http.StatusForbidden},
	{ErrConflict, http.StatusConflict},
	{ErrResourceExhausted, http.StatusServiceUnavailable},
	{ErrProcessFailure, http.StatusInternalServerError},
	{ErrUpstreamUnavailable, http.StatusBadGateway},
	{ErrIO, http.StatusInternalServerError},
	{ErrNotFound, http.StatusNotFound},
	{ErrInvalid, http.StatusBadRequest},
}

// StatusCode maps err to the HTTP status returned by the control panel.
// Unclassified errors are 500.
func StatusCode(err error) int {
	for _, sc := range statusCodes {
		if errors.Is(err, sc.kind) {
			return sc.status
		}
	}
	return http.StatusInternalServerError
}

// Kind returns the short name of err's kind, used as a metrics label.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrProcessFailure):
		return "process_failure"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	}
	return "internal"
}
