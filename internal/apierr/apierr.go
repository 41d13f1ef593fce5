// Package apierr implements the registry's typed error envelope: a fixed
// Code enum, a per-code HTTP status mapping, and an APIError type that
// carries structured field-level details, rendered on the wire as
// {"error":{"code":...,"message":...,"details":...}}.
package apierr

import "net/http"

// Code is one of the registry's fixed error codes.
type Code string

const (
	CodeInvalidManifest  Code = "INVALID_MANIFEST"
	CodeInvalidVersion   Code = "INVALID_VERSION"
	CodeVersionExists    Code = "VERSION_EXISTS"
	CodePackageNotFound  Code = "PACKAGE_NOT_FOUND"
	CodeVersionNotFound  Code = "VERSION_NOT_FOUND"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeChecksumMismatch Code = "CHECKSUM_MISMATCH"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// statusCodes maps each Code to the HTTP status it is rendered with.
var statusCodes = map[Code]int{
	CodeInvalidManifest:  http.StatusBadRequest,
	CodeInvalidVersion:   http.StatusBadRequest,
	CodeVersionExists:    http.StatusConflict,
	CodePackageNotFound:  http.StatusNotFound,
	CodeVersionNotFound:  http.StatusNotFound,
	CodeUnauthorized:     http.StatusUnauthorized,
	CodeForbidden:        http.StatusForbidden,
	CodeRateLimited:      http.StatusTooManyRequests,
	CodeChecksumMismatch: http.StatusBadRequest,
	CodeInvalidRequest:   http.StatusBadRequest,
	CodeInternal:         http.StatusInternalServerError,
}

// Detail is one structured field-level error detail.
type Detail struct {
	Field string `json:"field,omitempty"`
	Error string `json:"error,omitempty"`
	Value string `json:"value,omitempty"`
}

// APIError is the error type every handler in internal/api returns; writeJSON
// renders it as {"error":{"code":...,"message":...,"details":...}}.
type APIError struct {
	Code       Code     `json:"code"`
	Message    string   `json:"message"`
	Details    []Detail `json:"details,omitempty"`
	RetryAfter int      `json:"-"` // seconds, only meaningful for CodeRateLimited
}

func (e *APIError) Error() string { return string(e.Code) + ": " + e.Message }

// Status returns the HTTP status code for this error.
func (e *APIError) Status() int {
	if s, ok := statusCodes[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an APIError with no details.
func New(code Code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// WithDetails attaches field-level details to an APIError.
func (e *APIError) WithDetails(details ...Detail) *APIError {
	e.Details = details
	return e
}

// NotFound builds a PACKAGE_NOT_FOUND or VERSION_NOT_FOUND error.
func NotFound(code Code, message string) *APIError { return New(code, message) }

// Unauthorized builds an UNAUTHORIZED error.
func Unauthorized(message string) *APIError { return New(CodeUnauthorized, message) }

// Forbidden builds a FORBIDDEN error.
func Forbidden(message string) *APIError { return New(CodeForbidden, message) }

// RateLimited builds a RATE_LIMITED error carrying a Retry-After value.
func RateLimited(message string, retryAfterSeconds int) *APIError {
	return &APIError{Code: CodeRateLimited, Message: message, RetryAfter: retryAfterSeconds}
}

// Internal wraps an unexpected error as an opaque INTERNAL_ERROR, never
// leaking the underlying error text to the client.
func Internal(_ error) *APIError {
	return New(CodeInternal, "internal server error")
}

// envelope is the wire shape written by writeJSON.
type envelope struct {
	Error *APIError `json:"error"`
}

// Envelope wraps err for JSON encoding.
func Envelope(err *APIError) any {
	return envelope{Error: err}
}

// AsAPIError unwraps err into an *APIError, falling back to an opaque
// INTERNAL_ERROR for anything the caller didn't construct as one.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*APIError); ok {
		return ae
	}
	return Internal(err)
}
