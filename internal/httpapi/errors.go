package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"shopfront.dev/internal/auth"
	"shopfront.dev/internal/obs"
)

type errorResponse struct {
	Error     string    `json:"error"`
	Kind      auth.Kind `json:"kind"`
	RequestID string    `json:"request_id,omitempty"`
}

var kindStatus = map[auth.Kind]int{
	auth.KindAuthenticationMissing: http.StatusUnauthorized,
	auth.KindAuthenticationInvalid: http.StatusUnauthorized,
	auth.KindAuthorizationDenied:   http.StatusForbidden,
	auth.KindAccessDenied:          http.StatusForbidden,
	auth.KindInvalidOperation:      http.StatusBadRequest,
	auth.KindInvalidCredential:     http.StatusBadRequest,
	auth.KindInvalidInput:          http.StatusBadRequest,
	auth.KindDuplicateResource:     http.StatusConflict,
	auth.KindNotFound:              http.StatusNotFound,
	auth.KindTransient:             http.StatusServiceUnavailable,
}

func statusFor(kind auth.Kind) int {
	if code, ok := kindStatus[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, kind auth.Kind, msg string) {
	code := statusFor(kind)
	switch code {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="shopfront"`)
	case http.StatusForbidden:
		w.Header().Set("WWW-Authenticate", `Bearer realm="shopfront", error="insufficient_scope"`)
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, errorResponse{
		Error:     msg,
		Kind:      kind,
		RequestID: obs.RequestIDFromContext(r.Context()),
	})
}

// writeServiceError maps an error from the service layer onto the uniform
// response. Internal errors are logged and never echoed to the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := auth.KindOf(err)
	msg := err.Error()
	switch kind {
	case auth.KindInternal:
		obs.Error(r.Context(), "request failed", map[string]any{"path": r.URL.Path, "err": err})
		msg = "internal error"
	case auth.KindTransient:
		obs.Warn(r.Context(), "storage unavailable", map[string]any{"path": r.URL.Path, "err": err})
		msg = "service temporarily unavailable"
	}
	writeError(w, r, kind, msg)
}

// decodeJSON reads exactly one JSON object into dst and rejects unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: request body is required", auth.ErrInvalidInput)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: request body is required", auth.ErrInvalidInput)
		case errors.As(err, &maxErr):
			return fmt.Errorf("%w: request body too large", auth.ErrInvalidInput)
		default:
			return fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
		}
	}
	if dec.More() {
		return fmt.Errorf("%w: unexpected data after JSON object", auth.ErrInvalidInput)
	}
	return nil
}
