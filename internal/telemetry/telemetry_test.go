package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), Config{ServiceName: "geoip_updater"})
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.False(t, tel.Enabled())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	ctx := context.Background()

	assert.NotPanics(t, func() {
		tel.DownloadStarted(ctx)
		tel.DownloadFinished(ctx, "success", 10, time.Second)
		tel.ValidationObserved(ctx, "mmdb", "valid")
		tel.ObserveAttempt(ctx, "download", "success")
		tel.RecordRun(ctx, "success")
	})

	assert.NoError(t, tel.Shutdown(ctx))
	assert.NotNil(t, tel.Tracer())

	called := false
	err := tel.InstrumentOperation(ctx, "authenticate", "auth", func(context.Context) error {
		called = true

		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestTelemetry_Textfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geoip_updater.prom")

	tel, err := New(context.Background(), Config{
		ServiceName:    "geoip_updater",
		ServiceVersion: "test",
		TextfilePath:   path,
	})
	require.NoError(t, err)
	require.True(t, tel.Enabled())

	ctx := context.Background()

	tel.DownloadStarted(ctx)
	tel.DownloadFinished(ctx, "success", 1_200_000, 2*time.Second)
	tel.DownloadStarted(ctx)
	tel.DownloadFinished(ctx, "failed", 0, time.Second)
	tel.ValidationObserved(ctx, "mmdb", "valid")
	tel.ObserveAttempt(ctx, "download", "retryable")
	tel.RecordRun(ctx, "partial_failure")

	require.NoError(t, tel.Shutdown(ctx))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	body := string(raw)
	assert.Contains(t, body, "geoip_updater_downloads_total")
	assert.Contains(t, body, `status="success"`)
	assert.Contains(t, body, "geoip_updater_download_duration_seconds")
	assert.Contains(t, body, "geoip_updater_validations_total")
	assert.Contains(t, body, `class="mmdb"`)
	assert.Contains(t, body, "geoip_updater_http_attempts_total")
	assert.Contains(t, body, `outcome="retryable"`)
	assert.Contains(t, body, "geoip_updater_runs_total")
	assert.Contains(t, body, `status="partial_failure"`)
}

func TestInstrumentOperation_PropagatesError(t *testing.T) {
	tel, err := New(context.Background(), Config{ServiceName: "geoip_updater", TextfilePath: filepath.Join(t.TempDir(), "m.prom")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	boom := errors.New("boom")

	var sawSpan bool

	err = tel.InstrumentOperation(context.Background(), "fetch_all", "downloader", func(ctx context.Context) error {
		sawSpan = tel.Tracer() != nil && spanValid(ctx)

		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.True(t, sawSpan)
}

func TestWrapTransport_SetsRequestID(t *testing.T) {
	var got string

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(RequestIDHeader)
	}))
	defer srv.Close()

	var tel *Telemetry

	client := &http.Client{Transport: tel.WrapTransport(http.DefaultTransport)}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Len(t, got, 36)
}

func TestRequestIDTransport_KeepsExisting(t *testing.T) {
	var got string

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(RequestIDHeader)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "fixed")

	resp, err := (&http.Client{Transport: NewRequestIDTransport(nil)}).Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "fixed", got)
}

func spanValid(ctx context.Context) bool {
	return trace.SpanContextFromContext(ctx).IsValid()
}
