package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/italolelis/geoip_updater/internal/geoiptest"
	"github.com/italolelis/geoip_updater/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "test-key-0123456789"

// isolate points the temp dir (lock file, scratch dirs) at a fresh directory
// and clears every GEOIP_ variable.
func isolate(t *testing.T) string {
	t.Helper()

	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	for _, key := range []string{
		"GEOIP_API_KEY", "GEOIP_API_ENDPOINT", "GEOIP_TARGET_DIR", "GEOIP_LOG_FILE",
		"GEOIP_DATABASES", "GEOIP_MAX_RETRIES", "GEOIP_TIMEOUT", "GEOIP_MAX_CONCURRENCY",
		"GEOIP_NO_LOCK", "GEOIP_CONFIG", "GEOIP_LOG_LEVEL", "GEOIP_DEADLINE",
		"GEOIP_RETRY_JITTER", "GEOIP_INSECURE", "GEOIP_SCRATCH_RETENTION",
		"GEOIP_DISCORD_WEBHOOK_URL", "GEOIP_OTLP_ENDPOINT", "GEOIP_METRICS_TEXTFILE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	return tmp
}

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, args ...string) result {
	t.Helper()

	var stdout, stderr bytes.Buffer

	code := Execute(context.Background(), args, &stdout, &stderr)

	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func syncArgs(srv *geoiptest.Server, target string, extra ...string) []string {
	return append([]string{"-k", testKey, "-e", srv.Endpoint(), "-d", target, "-r", "1"}, extra...)
}

func TestSync_PartialFailureExitsTwo(t *testing.T) {
	isolate(t)

	srv := geoiptest.New(t, testKey)
	srv.AddFile("city", geoiptest.MMDB(1_200_000))
	srv.AddFile("country", geoiptest.HTMLError(500))

	target := t.TempDir()

	res := run(t, syncArgs(srv, target, "-b", "city,country")...)

	assert.Equal(t, exitPartial, res.code, res.stderr)

	info, err := os.Stat(filepath.Join(target, "city"))
	require.NoError(t, err)
	assert.EqualValues(t, 1_200_000, info.Size())
	assert.NoFileExists(t, filepath.Join(target, "country"))

	reqs := srv.AuthRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []any{"city", "country"}, reqs[0]["databases"])

	assert.Contains(t, res.stderr, "update finished with failures")
	assert.NoFileExists(t, filepath.Join(os.TempDir(), lock.FileName), "lock must be released")
}

func TestSync_SuccessIsIdempotent(t *testing.T) {
	isolate(t)

	srv := geoiptest.New(t, testKey)
	srv.AddFile("GeoIP2-City.mmdb", geoiptest.MMDB(50_000))
	srv.AddFile("IP2PROXY-IP-PROXYTYPE-COUNTRY.BIN", geoiptest.BIN(5_000))

	target := t.TempDir()

	first := run(t, syncArgs(srv, target)...)
	require.Equal(t, exitOK, first.code, first.stderr)
	assert.Contains(t, first.stderr, "SUCCESS")

	before := readDir(t, target)

	second := run(t, syncArgs(srv, target)...)
	require.Equal(t, exitOK, second.code, second.stderr)

	assert.Equal(t, before, readDir(t, target))
	assert.Len(t, before, 2)
}

func TestSync_ConfigFromEnvironment(t *testing.T) {
	isolate(t)

	srv := geoiptest.New(t, testKey)
	srv.AddFile("GeoIP2-City.mmdb", geoiptest.MMDB(5_000))

	target := t.TempDir()

	t.Setenv("GEOIP_API_KEY", testKey)
	t.Setenv("GEOIP_API_ENDPOINT", srv.Endpoint())
	t.Setenv("GEOIP_TARGET_DIR", target)

	res := run(t, "-q")
	require.Equal(t, exitOK, res.code, res.stderr)

	assert.FileExists(t, filepath.Join(target, "GeoIP2-City.mmdb"))
	assert.Empty(t, res.stderr, "quiet mode only logs errors")
}

func TestSync_MissingAPIKey(t *testing.T) {
	isolate(t)

	res := run(t, "-d", t.TempDir())

	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stderr, "API key not provided")
}

func TestSync_MalformedAPIKey(t *testing.T) {
	isolate(t)

	res := run(t, "-k", "bad key!", "-d", t.TempDir())

	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stderr, "invalid API key format")
}

func TestSync_RejectedKey(t *testing.T) {
	isolate(t)

	srv := geoiptest.New(t, "another-key-entirely")
	srv.AddFile("city", geoiptest.MMDB(5_000))

	res := run(t, syncArgs(srv, t.TempDir())...)

	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stderr, "check your API key")
}

func TestSync_UnknownNamesAreFatal(t *testing.T) {
	isolate(t)

	srv := geoiptest.New(t, testKey)
	srv.AddFile("city", geoiptest.MMDB(5_000))

	res := run(t, syncArgs(srv, t.TempDir(), "-b", "nope")...)

	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stderr, "Invalid database names: nope")
}

func TestSync_LiveLockBlocks(t *testing.T) {
	tmp := isolate(t)

	srv := geoiptest.New(t, testKey)
	srv.AddFile("city", geoiptest.MMDB(5_000))

	lockPath := filepath.Join(tmp, lock.FileName)
	require.NoError(t, os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getppid())), 0o644))

	target := t.TempDir()

	res := run(t, syncArgs(srv, target)...)

	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stderr, "already running")
	assert.Empty(t, readDir(t, target), "target must not be touched")
	assert.Empty(t, srv.AuthRequests())
	assert.FileExists(t, lockPath, "a foreign lock is never removed")

	noLock := run(t, syncArgs(srv, target, "--no-lock")...)
	assert.Equal(t, exitOK, noLock.code, noLock.stderr)
}

func TestSync_StaleLockRecovered(t *testing.T) {
	tmp := isolate(t)

	srv := geoiptest.New(t, testKey)
	srv.AddFile("city", geoiptest.MMDB(5_000))

	lockPath := filepath.Join(tmp, lock.FileName)
	require.NoError(t, os.WriteFile(lockPath, []byte("2147483646"), 0o644))

	res := run(t, syncArgs(srv, t.TempDir())...)

	assert.Equal(t, exitOK, res.code, res.stderr)
	assert.NoFileExists(t, lockPath)
}

func TestSync_MetricsTextfile(t *testing.T) {
	isolate(t)

	srv := geoiptest.New(t, testKey)
	srv.AddFile("city", geoiptest.MMDB(5_000))

	metrics := filepath.Join(t.TempDir(), "geoip_updater.prom")

	res := run(t, syncArgs(srv, t.TempDir(), "--metrics-textfile", metrics)...)
	require.Equal(t, exitOK, res.code, res.stderr)

	raw, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "geoip_updater_runs_total")
	assert.Contains(t, string(raw), "geoip_updater_http_attempts_total")
}

func TestSync_DiscordNotification(t *testing.T) {
	isolate(t)

	var (
		mu       sync.Mutex
		messages []string
	)

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		var payload map[string]string
		_ = json.Unmarshal(body, &payload)

		mu.Lock()
		messages = append(messages, payload["content"])
		mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	t.Setenv("GEOIP_DISCORD_WEBHOOK_URL", hook.URL)

	srv := geoiptest.New(t, testKey)
	srv.AddFile("city", geoiptest.MMDB(5_000))
	srv.AddFile("country", geoiptest.HTMLError(500))

	res := run(t, syncArgs(srv, t.TempDir())...)
	require.Equal(t, exitPartial, res.code, res.stderr)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "partial failure")
	assert.Contains(t, messages[0], "1/2 databases installed")
	assert.Contains(t, messages[0], "failed: country")
}

func TestVersion(t *testing.T) {
	isolate(t)

	res := run(t, "--version")

	assert.Equal(t, exitOK, res.code)
	assert.Equal(t, "geoip_updater vdev\n", res.stdout)
}

func TestUnknownFlag(t *testing.T) {
	isolate(t)

	res := run(t, "--bogus")

	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stderr, "Error: unknown flag: --bogus")
}

func TestListDatabases_Fallback(t *testing.T) {
	isolate(t)

	srv := geoiptest.New(t, testKey)

	res := run(t, "-L", "-e", srv.Endpoint())

	assert.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "Database discovery not available.")
	assert.Contains(t, res.stdout, "IP2PROXY-IP-PROXYTYPE-COUNTRY.BIN")
}

func TestListDatabases_Catalog(t *testing.T) {
	isolate(t)

	srv := geoiptest.New(t, testKey)
	srv.SetCatalog(map[string]any{
		"total": 1,
		"providers": map[string]any{
			"maxmind": map[string]any{
				"count":     1,
				"databases": []map[string]any{{"name": "GeoIP2-City.mmdb", "aliases": []string{"city"}}},
			},
		},
	})

	res := run(t, "--list-databases", "-e", srv.Endpoint())

	assert.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "Total databases: 1")
	assert.Contains(t, res.stdout, "MaxMind databases (1):")
	assert.Contains(t, res.stdout, "GeoIP2-City.mmdb")
	assert.Contains(t, res.stdout, "maxmind/all")
}

func TestShowExamples(t *testing.T) {
	isolate(t)

	srv := geoiptest.New(t, testKey)
	srv.SetCatalog(map[string]any{
		"total":    0,
		"examples": map[string]any{"single_database": []string{"asn"}},
	})

	res := run(t, "-E", "-e", srv.Endpoint())

	assert.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "Single Database Selection:")
	assert.Contains(t, res.stdout, `--databases "asn"`)
	assert.Contains(t, res.stdout, "Common Examples:")
}

func TestCheckNames(t *testing.T) {
	isolate(t)

	srv := geoiptest.New(t, testKey)
	srv.AddFile("GeoIP2-City.mmdb", geoiptest.MMDB(5_000))

	ok := run(t, "-C", "-k", testKey, "-e", srv.Endpoint(), "-b", "GeoIP2-City.mmdb")
	assert.Equal(t, exitOK, ok.code, ok.stderr)
	assert.Contains(t, ok.stdout, "All database names are valid")
	assert.Contains(t, ok.stdout, "→ GeoIP2-City.mmdb")

	bad := run(t, "-C", "-k", testKey, "-e", srv.Endpoint(), "-b", "nope")
	assert.Equal(t, exitFailure, bad.code)
	assert.Contains(t, bad.stdout, "Invalid database names: nope")

	all := run(t, "-C", "-k", testKey, "-e", srv.Endpoint())
	assert.Equal(t, exitOK, all.code)
	assert.Contains(t, all.stdout, "'all' is valid")
	assert.Len(t, srv.AuthRequests(), 2, "'all' is accepted without a request")

	noKey := run(t, "-C", "-e", srv.Endpoint(), "-b", "city")
	assert.Equal(t, exitFailure, noKey.code)
}

func TestValidateOnly(t *testing.T) {
	isolate(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "GeoIP2-City.mmdb"), geoiptest.MMDB(5_000), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "IP2PROXY.BIN"), geoiptest.BIN(5_000), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o644))

	res := run(t, "-V", "-d", dir)
	assert.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Validation complete: 2 valid, 0 invalid")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "GeoIP2-ISP.mmdb"), geoiptest.BIN(5_000), 0o644))

	res = run(t, "-V", "-d", dir)
	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stdout, "MaxMind metadata marker not found")
	assert.Contains(t, res.stdout, "Validation complete: 2 valid, 1 invalid")
}

func TestValidateOnly_EmptyOrMissing(t *testing.T) {
	isolate(t)

	assert.Equal(t, exitFailure, run(t, "-V", "-d", t.TempDir()).code)
	assert.Equal(t, exitFailure, run(t, "-V", "-d", filepath.Join(t.TempDir(), "missing")).code)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(io.EOF))
}

func readDir(t *testing.T, dir string) map[string]int64 {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	sizes := make(map[string]int64, len(entries))

	for _, e := range entries {
		info, err := e.Info()
		require.NoError(t, err)

		sizes[e.Name()] = info.Size()
	}

	return sizes
}
