package transport

import (
	"errors"
	"fmt"
	"testing"
)

// TestAuthenticationError_Error verifies error message formatting
func TestAuthenticationError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AuthenticationError
		want string
	}{
		{
			name: "unauthorized",
			err:  &AuthenticationError{Operation: "authenticate", StatusCode: 401},
			want: "authentication failed during authenticate (401) - check your API key",
		},
		{
			name: "forbidden",
			err:  &AuthenticationError{Operation: "download", StatusCode: 403},
			want: "access forbidden during download (403) - check your permissions",
		},
		{
			name: "no status",
			err:  &AuthenticationError{Operation: "authenticate"},
			want: "authentication failed during authenticate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestNetworkError_Error verifies error message formatting
func TestNetworkError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *NetworkError
		want string
	}{
		{
			name: "with HTTP status code",
			err:  &NetworkError{Operation: "download", StatusCode: 503, APIMessage: "service unavailable"},
			want: "network error during download (HTTP 503): service unavailable",
		},
		{
			name: "without HTTP status code",
			err:  &NetworkError{Operation: "download", APIMessage: "connection reset"},
			want: "network error during download: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestStatusError_Error verifies error message formatting
func TestStatusError_Error(t *testing.T) {
	err := &StatusError{Operation: "authenticate", StatusCode: 400, Message: "Invalid database names: foo"}

	want := "request failed during authenticate (HTTP 400): Invalid database names: foo"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := &StatusError{Operation: "download", StatusCode: 404}
	if bare.Error() != "request failed during download (HTTP 404)" {
		t.Errorf("Error() = %q", bare.Error())
	}
}

// TestExhaustedError_Unwrap verifies the last cause is reachable
func TestExhaustedError_Unwrap(t *testing.T) {
	cause := &NetworkError{Operation: "download", StatusCode: 502, APIMessage: "bad gateway"}
	err := &ExhaustedError{Operation: "download", Attempts: 3, Err: cause}

	want := "download failed after 3 attempts: network error during download (HTTP 502): bad gateway"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatal("errors.As should find the NetworkError")
	}

	if netErr.StatusCode != 502 {
		t.Errorf("StatusCode = %d, want 502", netErr.StatusCode)
	}
}

// TestIsFatal verifies only authentication failures abort the run
func TestIsFatal(t *testing.T) {
	authErr := &AuthenticationError{Operation: "download", StatusCode: 403}

	if !IsFatal(fmt.Errorf("wrapped: %w", authErr)) {
		t.Error("wrapped AuthenticationError should be fatal")
	}

	if IsFatal(&StatusError{Operation: "download", StatusCode: 404}) {
		t.Error("StatusError should not be fatal")
	}

	if IsFatal(&ExhaustedError{Operation: "download", Attempts: 3}) {
		t.Error("ExhaustedError should not be fatal")
	}
}

// TestAttempts verifies attempt extraction across error types
func TestAttempts(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"exhausted", &ExhaustedError{Attempts: 3}, 3},
		{"auth", fmt.Errorf("x: %w", &AuthenticationError{Attempt: 2}), 2},
		{"status", &StatusError{Attempt: 1}, 1},
		{"unknown", errors.New("boom"), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Attempts(tt.err); got != tt.want {
				t.Errorf("Attempts() = %d, want %d", got, tt.want)
			}
		})
	}
}
