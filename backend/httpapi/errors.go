package httpapi

import (
	"errors"
	"net/http"
)

// ErrorMapping pairs a sentinel error with the HTTP status it answers with.
type ErrorMapping struct {
	Err    error
	Status int
}

// Fail writes err using the first matching mapping. Refused bodies are 400
// and anything unmapped is 500.
func Fail(w http.ResponseWriter, err error, mappings ...ErrorMapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Err) {
			Error(w, m.Status, err.Error())
			return
		}
	}
	if errors.Is(err, ErrBadBody) {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	Error(w, http.StatusInternalServerError, err.Error())
}
