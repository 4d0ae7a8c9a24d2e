package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
)

// Result is the envelope every API response uses. Code is 0 on success and
// the negated HTTP status otherwise.
type Result[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data,omitempty"`
}

func OK[T any](w http.ResponseWriter, data T) {
	writeJSON(w, http.StatusOK, Result[T]{Message: "Success", Data: data})
}

func OKMessage(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, Result[any]{Message: message})
}

func Error(w http.ResponseWriter, status int, message string) {
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, Result[any]{Code: -status, Message: message})
}

// Unavailable reports an optional component the process was started without.
func Unavailable(w http.ResponseWriter, component string) {
	Error(w, http.StatusServiceUnavailable, component+" not configured")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[httpapi][warn] encode %d response: %v", status, err)
	}
}
