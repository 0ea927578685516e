package telemetry

import (
	"net/http"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// NewRequestIDTransport sets a fresh X-Request-ID on every outbound attempt
// that does not already carry one, so server logs can be matched to ours.
func NewRequestIDTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}

	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if r.Header.Get(RequestIDHeader) != "" {
			return next.RoundTrip(r)
		}

		r = r.Clone(r.Context())
		r.Header.Set(RequestIDHeader, uuid.New().String())

		return next.RoundTrip(r)
	})
}
