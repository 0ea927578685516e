package transport

import (
	"errors"
	"fmt"
)

// AuthenticationError represents 401 Unauthorized and 403 Forbidden
// responses. Credentials cannot heal by retrying, so the whole run stops.
type AuthenticationError struct {
	Operation  string // The operation that required authentication
	StatusCode int    // 401 or 403
	Attempt    int    // Attempt that received the response
	Err        error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	switch e.StatusCode {
	case 401:
		return fmt.Sprintf("authentication failed during %s (401) - check your API key", e.Operation)
	case 403:
		return fmt.Sprintf("access forbidden during %s (403) - check your permissions", e.Operation)
	default:
		return fmt.Sprintf("authentication failed during %s", e.Operation)
	}
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// StatusError is a non-retryable HTTP failure, typically a 4xx other than
// 401, 403 and 429.
type StatusError struct {
	Operation  string // The operation that failed (e.g., "authenticate", "download")
	StatusCode int    // HTTP status code
	Message    string // Server supplied detail or a body excerpt
	Attempt    int    // Attempt that received the response
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed during %s (HTTP %d)", e.Operation, e.StatusCode)
	}

	return fmt.Sprintf("request failed during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
}

// NetworkError represents a retryable failure: transport errors, 5xx
// responses and rate limiting.
type NetworkError struct {
	Operation  string // The operation that failed
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned once every attempt failed with a retryable error.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error // Last retryable cause
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must abort the whole run rather than a single
// request.
func IsFatal(err error) bool {
	var authErr *AuthenticationError

	return errors.As(err, &authErr)
}

// Attempts extracts how many HTTP attempts produced err, or 0 if unknown.
func Attempts(err error) int {
	var (
		exhausted *ExhaustedError
		authErr   *AuthenticationError
		statusErr *StatusError
	)

	switch {
	case errors.As(err, &exhausted):
		return exhausted.Attempts
	case errors.As(err, &authErr):
		return authErr.Attempt
	case errors.As(err, &statusErr):
		return statusErr.Attempt
	default:
		return 0
	}
}
