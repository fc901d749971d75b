// Package httputil provides HTTP handler utilities for consistent error
// handling and JSON encoding, including the mapping from the auth error
// taxonomy onto HTTP responses.
package httputil

import (
	"encoding/json"
	"net/http"

	"tenantgate/pkg/auth"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// WriteBadRequest writes a validation error response (400 Bad Request)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteInternalError writes an internal server error response without leaking
// the underlying cause
func WriteInternalError(w http.ResponseWriter) {
	WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// AuthErrorResponse is the body returned for classified auth failures
type AuthErrorResponse struct {
	Error    string `json:"error"`
	LoginURL string `json:"login_url,omitempty"`
	Retry    bool   `json:"retry,omitempty"`
}

// WriteAuthError maps a classified auth error onto an HTTP response.
//
// Client-caused errors get 401 with a login redirect hint. Upstream-transient
// errors get 503 and are marked retryable. Rejections get 401/403 depending on
// whether they concern the caller's identity or their membership. Anything
// unclassified is a 500.
func WriteAuthError(w http.ResponseWriter, err error, loginURL string) {
	kind := auth.KindOf(err)

	switch kind {
	case auth.KindSessionNotFound:
		WriteJSON(w, http.StatusUnauthorized, AuthErrorResponse{
			Error:    string(kind),
			LoginURL: loginURL,
		})
	case auth.KindProviderUnavailable, auth.KindUpstreamUnavailable:
		w.Header().Set("Retry-After", "1")
		WriteJSON(w, http.StatusServiceUnavailable, AuthErrorResponse{
			Error: string(kind),
			Retry: true,
		})
	case auth.KindNotAMember:
		WriteJSON(w, http.StatusForbidden, AuthErrorResponse{
			Error: string(kind),
		})
	case auth.KindInvalidGrant, auth.KindRefreshInvalid, auth.KindExchangeRejected, auth.KindUnauthorized:
		WriteJSON(w, http.StatusUnauthorized, AuthErrorResponse{
			Error:    string(kind),
			LoginURL: loginURL,
		})
	default:
		WriteInternalError(w)
	}
}
