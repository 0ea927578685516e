package telemetry

import (
	"net/http"
	"time"

	"github.com/italolelis/geoip_updater/internal/logctx"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// NewLoggingTransport logs every outbound attempt at DEBUG. Only scheme,
// host and path are logged: query strings of pre-signed URLs carry
// credentials.
func NewLoggingTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}

	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		ctx := r.Context()
		logger := logctx.LoggerFromContext(ctx)
		start := time.Now()

		resp, err := next.RoundTrip(r)

		attrs := []any{
			"method", r.Method,
			"url", r.URL.Scheme + "://" + r.URL.Host + r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Header.Get(RequestIDHeader),
		}

		if err != nil {
			logger.DebugContext(ctx, "http request failed", append(attrs, "err", err)...)

			return nil, err
		}

		logger.DebugContext(ctx, "http request completed", append(attrs, "status", resp.StatusCode)...)

		return resp, nil
	})
}
