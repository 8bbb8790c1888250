package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// maxBodyBytes caps request bodies. Every request body is a single small
// object.
const maxBodyBytes = 64 << 10

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSON writes data as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already out; a failed write has no one to report to.
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes an errorResponse with a machine-readable code and a
// human-readable message.
func WriteError(w http.ResponseWriter, status int, errorCode, message string) {
	WriteJSON(w, status, errorResponse{Error: errorCode, Message: message})
}

var (
	errNotJSON      = errors.New("Content-Type must be application/json")
	errMalformed    = errors.New("Request body must be a single valid JSON object")
	errBodyTooLarge = errors.New("Request body is too large")
)

// ParseJSON decodes a single JSON object from the request body into v.
// Unknown fields, trailing content and bodies over maxBodyBytes are
// rejected.
func ParseJSON(r *http.Request, v any) error {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return errNotJSON
	}

	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return errMalformed
	}
	if dec.More() {
		return errMalformed
	}
	return nil
}
