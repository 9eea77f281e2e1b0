package vault

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Sentinel errors for the credential lifecycle.
var (
	// ErrInvocation indicates a malformed request (HTTP 400).
	ErrInvocation = errors.New("vault: invalid invocation")

	// ErrPermissionDenied indicates the server rejected the credential (HTTP 403).
	ErrPermissionDenied = errors.New("vault: permission denied")

	// ErrNotFound indicates the requested entity does not exist (HTTP 404).
	ErrNotFound = errors.New("vault: not found")

	// ErrUnsupportedOperation indicates the server does not support the verb
	// on the endpoint (HTTP 405).
	ErrUnsupportedOperation = errors.New("vault: unsupported operation")

	// ErrPreconditionFailed indicates a failed precondition, e.g. a CAS
	// mismatch (HTTP 412).
	ErrPreconditionFailed = errors.New("vault: precondition failed")

	// ErrServer indicates an internal server failure (HTTP 500/502).
	ErrServer = errors.New("vault: server error")

	// ErrUnavailable indicates the server is sealed or down for maintenance
	// (HTTP 503).
	ErrUnavailable = errors.New("vault: unavailable")

	// ErrAuthExpired indicates a locally-detected invalid credential. No
	// network call was made; the caller should obtain a fresh credential.
	ErrAuthExpired = errors.New("vault: authentication credential expired")

	// ErrConfigExpired indicates the cached connection configuration
	// disagrees with freshly reported configuration or its TTL elapsed.
	// Callers must propagate it to the factory, which clears the
	// connection scope and rebuilds.
	ErrConfigExpired = errors.New("vault: cached configuration outdated")

	// ErrUnwrap indicates response-unwrapping validation failed. Never
	// retried and never cleared silently.
	ErrUnwrap = errors.New("vault: unwrap validation failed")

	// ErrInvalidConfig indicates invalid client or auth configuration.
	ErrInvalidConfig = errors.New("vault: invalid configuration")

	// ErrNotRenewable indicates a renewal was requested for a credential
	// the server will not renew.
	ErrNotRenewable = errors.New("vault: credential is not renewable")
)

// APIError is a typed error for a failed API request.
type APIError struct {
	// Op is the operation that failed (e.g. "request", "unwrap").
	Op string

	// Endpoint is the API endpoint relative to /v1/.
	Endpoint string

	// StatusCode is the HTTP status code.
	StatusCode int

	// Errors holds the messages from the response's errors list.
	Errors []string

	// Err is the sentinel the status code maps to.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("vault %s %s: HTTP %d", e.Op, e.Endpoint, e.StatusCode)
	if len(e.Errors) > 0 {
		msg += ": " + strings.Join(e.Errors, "; ")
	}
	return msg
}

// Unwrap returns the underlying sentinel error.
func (e *APIError) Unwrap() error {
	return e.Err
}

// newAPIError builds an APIError with the sentinel matching the status code.
func newAPIError(op, endpoint string, statusCode int, errs []string) *APIError {
	var sentinel error
	switch statusCode {
	case 400:
		sentinel = ErrInvocation
	case 403:
		sentinel = ErrPermissionDenied
	case 404:
		sentinel = ErrNotFound
	case 405:
		sentinel = ErrUnsupportedOperation
	case 412:
		sentinel = ErrPreconditionFailed
	case 500, 502:
		sentinel = ErrServer
	case 503:
		sentinel = ErrUnavailable
	}
	return &APIError{
		Op:         op,
		Endpoint:   endpoint,
		StatusCode: statusCode,
		Errors:     errs,
		Err:        sentinel,
	}
}

// UnwrapError reports a wrapping token whose recorded creation path does not
// match any expected issuance endpoint. It carries enough identity for audit
// events since a mismatch may indicate a substituted token.
type UnwrapError struct {
	// Expected holds the acceptable creation path patterns.
	Expected []string

	// Actual is the creation path the server reported.
	Actual string

	// Server is the URL of the server the token was presented to.
	Server string

	// Namespace is the namespace in effect, if any.
	Namespace string
}

// Error implements the error interface.
func (e *UnwrapError) Error() string {
	return fmt.Sprintf(
		"vault: wrapped response creation path %q does not match expected %v",
		e.Actual, e.Expected,
	)
}

// Unwrap returns ErrUnwrap so errors.Is matching works.
func (e *UnwrapError) Unwrap() error {
	return ErrUnwrap
}

// IsPermissionDenied reports whether err is a permission denial.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsNotFound reports whether err indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAuthExpired reports whether err is a locally-detected credential expiry.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// IsConfigExpired reports whether err signals outdated cached configuration.
func IsConfigExpired(err error) bool {
	return errors.Is(err, ErrConfigExpired)
}

// IsConnectionError reports whether err is a transport-level failure rather
// than an API-level response.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
