package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const maxBodyBytes = 1 << 20

// ErrBadBody wraps every request body DecodeJSON refuses.
var ErrBadBody = errors.New("bad request body")

// DecodeJSON reads exactly one JSON value into dst. Unknown fields, trailing
// data and bodies over 1 MiB are refused.
func DecodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes+1))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty", ErrBadBody)
		}
		return fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	if decoder.InputOffset() > maxBodyBytes {
		return fmt.Errorf("%w: larger than %d bytes", ErrBadBody, maxBodyBytes)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON value", ErrBadBody)
	}
	return nil
}
