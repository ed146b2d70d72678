// Package httputil carries the wire response helpers and the error taxonomy
// mapped at the HTTP boundary. Internal error detail never reaches a client;
// handlers abort with a typed error and the helper picks the status and the
// public message.
package httputil

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError is an error with a client-safe message and an HTTP status.
type APIError struct {
	Status  int
	Message string
	Err     error // wrapped cause, logged but never serialized
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

// ValidationError rejects malformed client input. No state is mutated.
func ValidationError(message string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Message: message}
}

// NotFoundError reports an absent video, job, or file.
func NotFoundError(message string) *APIError {
	return &APIError{Status: http.StatusNotFound, Message: message}
}

// AuthError reports an invalid or expired token.
func AuthError(message string) *APIError {
	return &APIError{Status: http.StatusForbidden, Message: message}
}

// ConflictError reports a rejected write, e.g. a transition out of a
// terminal job state or a duplicate upload finalize.
func ConflictError(message string) *APIError {
	return &APIError{Status: http.StatusConflict, Message: message}
}

// InternalError wraps a server-side failure; the cause stays in the logs.
func InternalError(err error) *APIError {
	return &APIError{Status: http.StatusInternalServerError, Message: "Server error", Err: err}
}

// Success writes the standard success envelope.
func Success(c *gin.Context, data gin.H) {
	body := gin.H{"success": true}
	for k, v := range data {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// Abort writes the standard error envelope for err and stops the handler
// chain. Unrecognized errors are reported as an opaque server error.
func Abort(c *gin.Context, err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		apiErr = InternalError(err)
	}
	c.AbortWithStatusJSON(apiErr.Status, gin.H{
		"success": false,
		"error":   apiErr.Message,
	})
}
