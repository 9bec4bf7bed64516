package httputil

import (
	"encoding/json"
	"net/http"
	"strings"
)

type ErrorBody struct {
	Error string `json:"error"`
}

// MessageBody is the legacy survey-client envelope; the participant-facing
// endpoints answer with {"message": ...} for both success and failure.
type MessageBody struct {
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorBody{Error: message})
}

func WriteMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, MessageBody{Message: message})
}

// ClientIP returns the originating client address: the first hop of
// X-Forwarded-For when a proxy set it, RemoteAddr otherwise. Every consumer
// of the client address reads it through here so they agree on the answer.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first, _, ok := strings.Cut(forwarded, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(forwarded)
	}
	return r.RemoteAddr
}
