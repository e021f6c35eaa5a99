package ha

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Wrapped errors keep their class so callers can use errors.Is.
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrHandshakeFailed      = errors.New("handshake failed")
	ErrNetworkFailure       = errors.New("network failure")
	ErrDecodingFailure      = errors.New("decoding failure")
	ErrClosed               = errors.New("client closed")
)

// HTTPError is returned by REST calls answered with a non-200 status.
type HTTPError struct {
	StatusCode int
	EntityID   string
}

func (e *HTTPError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("HTTP %d (%s) fetching %s", e.StatusCode, http.StatusText(e.StatusCode), e.EntityID)
	}
	return fmt.Sprintf("HTTP %d (%s)", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsAuthError reports whether err means the token was rejected.
func IsAuthError(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden
	}
	return errors.Is(err, ErrHandshakeFailed)
}

// IsRetryable reports whether repeating the same call later can succeed.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrInvalidConfiguration) || IsAuthError(err) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	return errors.Is(err, ErrNetworkFailure)
}
