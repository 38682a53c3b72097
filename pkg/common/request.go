package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// MaxBodyBytes bounds a JSON request body.
const MaxBodyBytes = 1 << 20

// ParseJSONBodyReturn decodes exactly one JSON value from r's body into v.
// On failure it has already answered with StatusInvalidRequest; the caller
// only returns.
func ParseJSONBodyReturn(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorResponse(w, StatusInvalidRequest, "Request body exceeds %d bytes", tooLarge.Limit)
			return err
		}
		WriteErrorResponse(w, StatusInvalidRequest, "Invalid JSON body")
		return err
	}
	if decoder.More() {
		WriteErrorResponse(w, StatusInvalidRequest, "Invalid JSON body")
		return fmt.Errorf("unexpected data after JSON body")
	}
	return nil
}
