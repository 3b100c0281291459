package util

import (
	"encoding/json"
	"net/http"
)

// APIError is the failure payload. Handlers attach the request id so a user
// report can be matched to the server log line.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Failures nest under "error" so success bodies never collide with the
// failure shape.
type errorEnvelope struct {
	Error APIError `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, code, msg, reqID string) {
	WriteJSON(w, status, errorEnvelope{Error: APIError{Code: code, Message: msg, RequestID: reqID}})
}
