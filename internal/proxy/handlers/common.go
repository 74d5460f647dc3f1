// Package handlers contains the HTTP handlers for the OpenAI-compatible API
// and the admin surface.
package handlers

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: errType}})
}

func writeErrorCode(w http.ResponseWriter, status int, message, errType, code string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: errType, Code: code}})
}
