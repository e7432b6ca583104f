package proxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cargobay/cargobay/core"
)

// errorEnvelope is the Distribution Registry API v2 error body:
// {"errors":[{"code":"...","message":"...","detail":null}]}.
type errorEnvelope struct {
	Errors []errorItem `json:"errors"`
}

type errorItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail"`
}

// statusAndCode maps a sentinel error (or a wrapped one) to the HTTP status
// and v2 error code the client should see.
func statusAndCode(err error) (status int, code string) {
	switch {
	case errors.Is(err, core.ErrAuthMissing):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, core.ErrAuthInvalid):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden, "DENIED"
	case errors.Is(err, core.ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed, "UNSUPPORTED"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "NAME_UNKNOWN"
	case errors.Is(err, core.ErrDigestMismatch):
		return http.StatusBadGateway, "BLOB_UNKNOWN"
	case errors.Is(err, core.ErrUpstreamAuthFailed), errors.Is(err, core.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "UNAVAILABLE"
	case errors.Is(err, core.ErrCacheIO):
		return http.StatusInternalServerError, "UNKNOWN"
	default:
		return http.StatusInternalServerError, "UNKNOWN"
	}
}

// writeError writes a v2 error envelope. notFoundCode overrides the default
// NAME_UNKNOWN code for errors.Is(err, core.ErrNotFound), since the same
// sentinel covers unmapped repositories, unknown manifests, and unknown
// blobs, which carry different codes.
func (h *Handler) writeError(w http.ResponseWriter, err error, notFoundCode string) {
	status, code := statusAndCode(err)
	if code == "NAME_UNKNOWN" && notFoundCode != "" {
		code = notFoundCode
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.bearerChallengeHeader())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Errors: []errorItem{{Code: code, Message: err.Error()}}})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.WriteHeader(http.StatusMethodNotAllowed)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Errors: []errorItem{{Code: "UNSUPPORTED", Message: "method not supported on this endpoint"}}})
}

func writeDenied(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Errors: []errorItem{{Code: "DENIED", Message: message}}})
}
