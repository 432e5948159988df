// Package api provides the HTTP client for the fitsync backend: bearer token
// attachment, a single refresh-and-retry on 401, and error classification.
// It performs no retry or backoff of its own.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, api.ErrNotFound) to check.
var (
	ErrBadRequest     = errors.New("api: bad request")
	ErrUnauthorized   = errors.New("api: unauthorized")
	ErrForbidden      = errors.New("api: forbidden")
	ErrNotFound       = errors.New("api: not found")
	ErrConflict       = errors.New("api: conflict")
	ErrGone           = errors.New("api: resource gone")
	ErrUnprocessable  = errors.New("api: unprocessable entity")
	ErrRequestTimeout = errors.New("api: request timeout")
	ErrThrottled      = errors.New("api: throttled")
	ErrServerError    = errors.New("api: server error")
	ErrClientError    = errors.New("api: client error")

	// ErrNetwork wraps transport failures where no HTTP response was received.
	ErrNetwork = errors.New("api: network error")

	// ErrAuthExpired means the refresh token itself was rejected. No further
	// authenticated call is possible in this session.
	ErrAuthExpired = errors.New("api: session expired")
)

// APIError wraps a sentinel error with HTTP status code, request ID,
// and the response body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("api: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestTimeout:
		return ErrRequestTimeout
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusUnprocessableEntity:
		return ErrUnprocessable
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusBadRequest {
			return ErrClientError
		}

		return nil
	}
}

// IsTransient reports whether err is worth retrying later: no response was
// received, or the server signaled a temporary condition.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrServerError)
}

// IsAuthFailure reports whether err means the session can no longer make
// authenticated calls: a 401 that survived a refresh attempt, or a rejected
// refresh token.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrUnauthorized)
}
