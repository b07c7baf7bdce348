package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// NetworkError represents transport failures and non-success responses,
// including connection resets, timeouts and 4xx/5xx status codes.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "get")
	URL        string // The requested URL
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Status text or transport message
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s %s (HTTP %d): %s", e.Operation, e.URL, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s %s: %s", e.Operation, e.URL, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the request may succeed: connection
// level failures, throttling and server errors are, client errors are not.
func (e *NetworkError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return !errors.Is(e.Err, context.Canceled)
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode >= http.StatusInternalServerError && e.StatusCode != http.StatusNotImplemented:
		return true
	}

	return false
}

// RangeNotSatisfiableError is returned for a resumed request the server
// answers with 416: the requested offset is at or past the end of the
// resource.
type RangeNotSatisfiableError struct {
	URL    string
	Offset int64
	Total  int64 // Size announced in Content-Range, -1 if unknown
}

func (e *RangeNotSatisfiableError) Error() string {
	return fmt.Sprintf("range starting at %d not satisfiable for %s (size %d)", e.Offset, e.URL, e.Total)
}

// Complete reports whether the 416 means the caller already holds the whole
// resource.
func (e *RangeNotSatisfiableError) Complete() bool {
	return e.Total < 0 || e.Total == e.Offset
}
