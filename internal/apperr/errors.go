// Package apperr defines the gateway's error taxonomy. Every failure that
// crosses a handler boundary is converted to an *Error carrying one of the
// codes below; the HTTP layer maps codes to status codes and writes the
// uniform response body {"error": <code>, "message": <string>}.
//
// The Code targets automated handlers (clients branching on the error kind),
// Msg is the human-readable explanation returned to the caller, and Err
// retains the underlying cause for logging and audit detail — the cause is
// never written to the response body.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error codes. These are wire-visible strings: changing one is a breaking
// API change for clients that branch on the "error" field.
const (
	EInvalidArgument = "invalid_argument" // malformed or missing input (400)
	EUnauthenticated = "unauthenticated"  // missing or bad credentials (401)
	EForbidden       = "forbidden"        // authenticated but not allowed (403)
	ENotFound        = "not_found"        // resource does not exist (404)
	EAlreadyExists   = "already_exists"   // duplicate name or handle (409)
	EUnavailable     = "unavailable"      // backing resource not ready (503)
	EInternal        = "internal"         // unexpected failure (500)
)

// Error is the gateway's error type.
type Error struct {
	Code string
	Msg  string
	Err  error
}

// Error implements the error interface by joining the message with the
// underlying cause.
func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "<" + e.Code + ">"
}

// Unwrap returns the underlying cause so errors.Is/As see through an *Error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an *Error with a code and message.
func New(code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf creates an *Error with a code and a formatted message.
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error that retains err as the cause. The message is what
// the caller sees; err is what the log and audit detail see.
func Wrap(code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// ErrorCode returns the taxonomy code of err, or EInternal when err is not an
// *Error. A nil err yields the empty string.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EInternal
}

// ErrorMessage returns the caller-facing message of err. Non-taxonomy errors
// collapse to a generic message so internal detail never leaks into responses.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return "an internal error occurred"
}

// HTTPStatus maps a taxonomy code to its HTTP status code.
func HTTPStatus(code string) int {
	switch code {
	case EInvalidArgument:
		return http.StatusBadRequest
	case EUnauthenticated:
		return http.StatusUnauthorized
	case EForbidden:
		return http.StatusForbidden
	case ENotFound:
		return http.StatusNotFound
	case EAlreadyExists:
		return http.StatusConflict
	case EUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err to the response in the uniform body shape and returns
// the status code it wrote. Handlers call this at the point of failure:
//
//	if err != nil {
//	    apperr.Respond(c, err)
//	    return
//	}
func Respond(c *gin.Context, err error) int {
	code := ErrorCode(err)
	status := HTTPStatus(code)
	c.JSON(status, gin.H{
		"error":   code,
		"message": ErrorMessage(err),
	})
	return status
}

// Abort is Respond plus gin's abort, for use inside middleware where later
// handlers in the chain must not run.
func Abort(c *gin.Context, err error) {
	code := ErrorCode(err)
	c.AbortWithStatusJSON(HTTPStatus(code), gin.H{
		"error":   code,
		"message": ErrorMessage(err),
	})
}
