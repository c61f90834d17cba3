package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Protocol error codes carried in the "errcode" field of error responses.
const (
	CodeUnauthorized  = "M_UNAUTHORIZED"
	CodeForbidden     = "M_FORBIDDEN"
	CodeLimitExceeded = "M_LIMIT_EXCEEDED"
	CodeNotJSON       = "M_NOT_JSON"
	CodeBadJSON       = "M_BAD_JSON"
	CodeTooLarge      = "M_TOO_LARGE"
	CodeUnrecognized  = "M_UNRECOGNIZED"
	CodeNotFound      = "M_NOT_FOUND"
	CodeUnknown       = "M_UNKNOWN"
)

// Sentinel errors for request authentication and dispatch.
var (
	// ErrUnauthenticated indicates the request carried no usable credentials.
	ErrUnauthenticated = errors.New("missing authorization headers")

	// ErrMalformedAuthHeader indicates an X-Matrix header could not be parsed.
	ErrMalformedAuthHeader = errors.New("malformed authorization header")

	// ErrDestinationMismatch indicates the header named another destination.
	ErrDestinationMismatch = errors.New("destination mismatch in auth header")

	// ErrOriginConflict indicates two headers of one request claimed different origins.
	ErrOriginConflict = errors.New("conflicting origins in auth headers")

	// ErrOriginDenied indicates the origin is rejected by admission policy.
	ErrOriginDenied = errors.New("federation denied")

	// ErrSignatureInvalid indicates no trusted key signed the request payload.
	ErrSignatureInvalid = errors.New("signature verification failed")

	// ErrRateLimited indicates the origin exceeded its admission limits.
	ErrRateLimited = errors.New("too many requests")

	// ErrNotJSON indicates the request body is not valid JSON.
	ErrNotJSON = errors.New("content not JSON")

	// ErrBadJSON indicates the request body is JSON of the wrong shape.
	ErrBadJSON = errors.New("content must be a JSON object")

	// ErrTooLarge indicates the request body exceeds the configured limit.
	ErrTooLarge = errors.New("request body too large")

	// ErrUnrecognized indicates no servlet matches the request.
	ErrUnrecognized = errors.New("unrecognized request")
)

// FederationError is an error that carries its own HTTP status and protocol
// error code. Handlers return it to produce a structured error response.
type FederationError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *FederationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.Status)
}

func (e *FederationError) Unwrap() error {
	return e.Err
}

// NewError builds a FederationError wrapping the sentinel err.
func NewError(status int, code string, err error, format string, args ...any) *FederationError {
	return &FederationError{
		Status:  status,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// Unauthenticated returns the error for a request without credentials.
func Unauthenticated() *FederationError {
	return NewError(http.StatusUnauthorized, CodeUnauthorized, ErrUnauthenticated, "Missing Authorization headers")
}

// MalformedAuthHeader returns the error for an unparsable X-Matrix header.
func MalformedAuthHeader(cause error) *FederationError {
	return &FederationError{
		Status:  http.StatusBadRequest,
		Code:    CodeUnauthorized,
		Message: "Malformed Authorization header",
		Err:     errors.Join(ErrMalformedAuthHeader, cause),
	}
}

// DestinationMismatch returns the error for a header addressed elsewhere.
func DestinationMismatch() *FederationError {
	return NewError(http.StatusUnauthorized, CodeUnauthorized, ErrDestinationMismatch, "Destination mismatch in auth header")
}

// OriginConflict returns the error for headers claiming different origins.
func OriginConflict() *FederationError {
	return NewError(http.StatusUnauthorized, CodeUnauthorized, ErrOriginConflict, "Conflicting origins in auth headers")
}

// OriginDenied returns the error for an origin rejected by admission policy.
func OriginDenied(origin ServerName) *FederationError {
	return NewError(http.StatusForbidden, CodeForbidden, ErrOriginDenied, "Federation denied with %s.", origin)
}

// SignatureInvalid returns the error for a payload no trusted key signed.
func SignatureInvalid(origin ServerName, cause error) *FederationError {
	return &FederationError{
		Status:  http.StatusUnauthorized,
		Code:    CodeUnauthorized,
		Message: fmt.Sprintf("Failed to verify request signature from %s", origin),
		Err:     errors.Join(ErrSignatureInvalid, cause),
	}
}

// RateLimited returns the error for an origin over its reject limit.
func RateLimited() *FederationError {
	return NewError(http.StatusTooManyRequests, CodeLimitExceeded, ErrRateLimited, "Too Many Requests")
}

// StatusOf returns the HTTP status and error code that describe err.
// Errors that carry no FederationError map to 500 M_UNKNOWN.
func StatusOf(err error) (int, string, string) {
	var fedErr *FederationError
	if errors.As(err, &fedErr) {
		code := fedErr.Code
		if code == "" {
			code = CodeUnknown
		}
		return fedErr.Status, code, fedErr.Error()
	}
	return http.StatusInternalServerError, CodeUnknown, "Internal server error"
}

// ErrorResponse defines the standard JSON error model returned by the
// federation and admin APIs. TraceID carries the current OpenTelemetry trace
// identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string `json:"errcode"`
	Message string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}
