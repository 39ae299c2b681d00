package rest

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrFetch matches every *FetchError.
	ErrFetch = errors.New("fetch failed")

	// ErrUnauthorized matches a *FetchError for a 401 or 403 answer.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound matches a *FetchError for a 404 answer.
	ErrNotFound = errors.New("not found")
)

// FetchError is a failed REST call: either the request never got an answer
// (StatusCode 0, Err set) or the server answered outside 2xx.
type FetchError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Method, e.Endpoint, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrFetch:
		return true
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// Temporary reports whether retrying the same request may succeed.
func (e *FetchError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
