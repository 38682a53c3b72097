package common

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Status is the outcome carried in every response envelope. Handlers answer
// with HTTP 200 and put the outcome here; only StatusPanic maps to a 5xx.
type Status uint16

const (
	StatusSuccess Status = 0
	StatusPanic   Status = 500

	StatusValidationError Status = 1400
	StatusNotFound        Status = 1404
	StatusConflict        Status = 1409
	StatusInvalidRequest  Status = 1422
	StatusOperationError  Status = 1600
)

var statusNames = map[Status]string{
	StatusSuccess:         "success",
	StatusPanic:           "panic",
	StatusValidationError: "validation_error",
	StatusNotFound:        "not_found",
	StatusConflict:        "conflict",
	StatusInvalidRequest:  "invalid_request",
	StatusOperationError:  "operation_error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// HTTPStatus is the HTTP status code an envelope with s is written with.
func (s Status) HTTPStatus() int {
	if s == StatusPanic {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

// Response is the envelope every handler writes. Data is encoded under the
// key "Data".
type Response[T any] struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Data    T      `json:",inline"`
}

func (r *Response[T]) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// Error lets a failed envelope be returned as an error.
func (r *Response[T]) Error() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("%s: %s", r.Status, r.Message)
}

// WriteJSONResponse encodes the envelope before writing the header, so a
// value that cannot be encoded becomes a plain 500 instead of a truncated 200.
func WriteJSONResponse[T any](w http.ResponseWriter, status Status, message string, data T) {
	body, err := json.Marshal(&Response[T]{Status: status, Message: message, Data: data})
	if err != nil {
		slog.Error("Failed to encode response", slog.String("status", status.String()), slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status.HTTPStatus())
	_, _ = w.Write(append(body, '\n'))
}

func WriteSuccessResponse[T any](w http.ResponseWriter, data T) {
	WriteJSONResponse(w, StatusSuccess, "success", data)
}

func WriteErrorResponse(w http.ResponseWriter, status Status, format string, a ...any) {
	WriteJSONResponse(w, status, fmt.Sprintf(format, a...), struct{}{})
}
