package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorType classifies an APIError.
type ErrorType string

const (
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeUnauthorized     ErrorType = "unauthorized"
	ErrorTypeMethodNotAllowed ErrorType = "method_not_allowed"
	ErrorTypeInternal         ErrorType = "internal_error"
)

// APIError is written with a real HTTP status. It is used where the caller
// cannot read the JSON envelope, such as a rejected WebSocket upgrade or a
// request stopped before it reached a handler.
type APIError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details string    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewAPIError creates an APIError. Only the first detail is kept.
func NewAPIError(errorType ErrorType, message string, code int, details ...string) *APIError {
	err := &APIError{
		Type:    errorType,
		Message: message,
		Code:    code,
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

func NewInternalError(message string, details ...string) *APIError {
	return NewAPIError(ErrorTypeInternal, message, http.StatusInternalServerError, details...)
}

func NewUnauthorizedError(details ...string) *APIError {
	return NewAPIError(ErrorTypeUnauthorized, "Unauthorized", http.StatusUnauthorized, details...)
}

func NewSessionNotFoundError(sessionID string) *APIError {
	return NewAPIError(ErrorTypeNotFound, fmt.Sprintf("Session not found: %s", sessionID), http.StatusNotFound)
}

func NewRouteNotFoundError(path string) *APIError {
	return NewAPIError(ErrorTypeNotFound, "Route not found", http.StatusNotFound, path)
}

func NewMethodNotAllowedError(method, path string) *APIError {
	return NewAPIError(ErrorTypeMethodNotAllowed, fmt.Sprintf("Method %s not allowed", method), http.StatusMethodNotAllowed, path)
}

// WriteErrorResponse writes err as JSON with err.Code as the HTTP status.
func WriteErrorResponse(w http.ResponseWriter, err *APIError) {
	body, encodeErr := json.Marshal(err)
	if encodeErr != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(err.Code)
		fmt.Fprintf(w, "Error: %s", err.Message)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)
	_, _ = w.Write(append(body, '\n'))
}
