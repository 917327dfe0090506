// Package httpapi carries the JSON envelope shared by all platform endpoints.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// maxBodySize caps JSON request bodies.
const maxBodySize = 1 << 20

// ErrorBody is the error envelope returned by every endpoint on failure.
type ErrorBody struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// MessageBody is the acknowledgment envelope for mutations with no resource
// to return.
type MessageBody struct {
	Message string `json:"message"`
}

// JSON writes v as a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// Error writes the platform error envelope. err may be nil when there is no
// underlying cause worth exposing.
func Error(w http.ResponseWriter, status int, message string, err error) {
	body := ErrorBody{Message: message}
	if err != nil {
		body.Error = err.Error()
	}
	JSON(w, status, body)
}

// Message writes a bare acknowledgment.
func Message(w http.ResponseWriter, status int, message string) {
	JSON(w, status, MessageBody{Message: message})
}

// Decode reads a JSON request body into v, capped at 1MB.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize)).Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}
