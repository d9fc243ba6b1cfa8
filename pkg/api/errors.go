package api

import (
	"fmt"
	"net/http"
)

// APIError is a non-retryable error response from the controller.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %s",
		e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// IsNotFound returns true if the controller answered 404.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// TransientNetworkError is one failed attempt that is worth retrying: the connection failed or
// the controller answered with a server-side error.
type TransientNetworkError struct {
	Method     string
	Path       string
	Attempt    int
	StatusCode int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (attempt %d): controller returned %d",
			e.Method, e.Path, e.Attempt, e.StatusCode)
	}
	return fmt.Sprintf("%s %s (attempt %d): %v", e.Method, e.Path, e.Attempt, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// FatalConnectivityError is returned once the retry budget of a request is exhausted.
type FatalConnectivityError struct {
	Attempts int
	Err      *TransientNetworkError
}

func (e *FatalConnectivityError) Error() string {
	return fmt.Sprintf("unable to reach the controller after %d attempts: %v", e.Attempts, e.Err)
}

func (e *FatalConnectivityError) Unwrap() error {
	return e.Err
}
