// Package middleware provides HTTP middleware for the custody API.
package middleware

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the JSON error envelope returned by the API.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the HTTP status and a human readable message.
type ErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes the error envelope.
func WriteError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	WriteJSON(w, status, ErrorBody{Error: ErrorDetail{Code: status, Message: message}})
}
