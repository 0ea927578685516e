package validate

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/italolelis/geoip_updater/internal/geoiptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, body []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	return path
}

func jsonDocument(size int) []byte {
	body := []byte(`{"detail":"`)
	body = append(body, bytes.Repeat([]byte("x"), size-len(body)-2)...)

	return append(body, `"}`...)
}

func TestClassOf(t *testing.T) {
	tests := map[string]Class{
		"GeoIP2-City.mmdb":                  ClassMMDB,
		"GeoIP2-City.MMDB":                  ClassMMDB,
		"IP2PROXY-IP-PROXYTYPE-COUNTRY.BIN": ClassBIN,
		"db.bin":                            ClassBIN,
		"city":                              ClassUnknown,
		"archive.tar.gz":                    ClassUnknown,
	}

	for name, want := range tests {
		assert.Equal(t, want, ClassOf(name), name)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name         string
		file         string
		body         []byte
		wantValid    bool
		wantReason   string
		wantWarnings int
	}{
		{
			name:      "mmdb with marker",
			file:      "GeoIP2-City.mmdb",
			body:      geoiptest.MMDB(1_200_000),
			wantValid: true,
		},
		{
			name:         "mmdb without marker is a warning",
			file:         "GeoIP2-City.mmdb",
			body:         geoiptest.BIN(5000),
			wantValid:    true,
			wantWarnings: 1,
		},
		{
			name:       "mmdb empty",
			file:       "GeoIP2-City.mmdb",
			body:       []byte{},
			wantReason: "file is empty",
		},
		{
			name:         "mmdb html body is only a warning",
			file:         "GeoIP2-City.mmdb",
			body:         geoiptest.HTMLError(4000),
			wantValid:    true,
			wantWarnings: 2,
		},
		{
			name:       "bin below floor",
			file:       "IP2PROXY.BIN",
			body:       geoiptest.BIN(999),
			wantReason: "file too small (999 bytes, minimum 1000)",
		},
		{
			name:      "bin at floor",
			file:      "IP2PROXY.BIN",
			body:      geoiptest.BIN(1000),
			wantValid: true,
		},
		{
			name:         "bin that looks like text",
			file:         "IP2PROXY.BIN",
			body:         bytes.Repeat([]byte("plain text payload "), 100),
			wantValid:    true,
			wantWarnings: 1,
		},
		{
			name:       "bin html error page",
			file:       "IP2PROXY.BIN",
			body:       geoiptest.HTMLError(2000),
			wantReason: "content is text/html, not a database",
		},
		{
			name:       "unknown class small html",
			file:       "country",
			body:       geoiptest.HTMLError(500),
			wantReason: "file too small",
		},
		{
			name:         "unknown class json passes the size floor",
			file:         "asn",
			body:         jsonDocument(2000),
			wantValid:    true,
			wantWarnings: 1,
		},
		{
			name:      "unknown class plain text",
			file:      "asn",
			body:      bytes.Repeat([]byte("abcdefghij"), 200),
			wantValid: true,
		},
		{
			name:      "unknown class binary",
			file:      "city",
			body:      geoiptest.MMDB(1_200_000),
			wantValid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.body)

			out := Validate(path, tt.file)

			assert.Equal(t, tt.wantValid, out.Valid)
			assert.Equal(t, ClassOf(tt.file), out.Class)
			assert.Len(t, out.Warnings, tt.wantWarnings)

			if tt.wantValid {
				assert.NoError(t, out.Err())
				assert.EqualValues(t, len(tt.body), out.Size)

				return
			}

			assert.True(t, strings.HasPrefix(out.Reason, tt.wantReason), "reason %q", out.Reason)

			var invalid *InvalidContentError
			require.ErrorAs(t, out.Err(), &invalid)
			assert.Equal(t, tt.file, invalid.Filename)
		})
	}
}

func TestValidate_MarkerOutsideWindow(t *testing.T) {
	body := geoiptest.BIN(MarkerWindow + 4096)
	copy(body[10:], Marker)

	out := Validate(writeFile(t, "GeoIP2-City.mmdb", body), "GeoIP2-City.mmdb")

	assert.True(t, out.Valid)
	assert.Len(t, out.Warnings, 1)
}

func TestValidate_MarkerAtVeryEnd(t *testing.T) {
	body := geoiptest.BIN(MarkerWindow * 2)
	copy(body[len(body)-len(Marker):], Marker)

	out := ValidateStrict(writeFile(t, "GeoIP2-City.mmdb", body), "GeoIP2-City.mmdb")

	assert.True(t, out.Valid)
	assert.Empty(t, out.Warnings)
}

func TestValidateStrict_MissingMarker(t *testing.T) {
	out := ValidateStrict(writeFile(t, "GeoIP2-ISP.mmdb", geoiptest.BIN(5000)), "GeoIP2-ISP.mmdb")

	assert.False(t, out.Valid)
	assert.Equal(t, "MaxMind metadata marker not found", out.Reason)
}

func TestValidate_MMDBErrorBodyWarnings(t *testing.T) {
	out := Validate(writeFile(t, "GeoIP2-City.mmdb", geoiptest.HTMLError(3027)), "GeoIP2-City.mmdb")

	require.True(t, out.Valid)
	assert.Contains(t, out.Warnings, "content looks like text/html")
}

func TestValidateStrict_MMDBErrorBody(t *testing.T) {
	out := ValidateStrict(writeFile(t, "GeoIP2-City.mmdb", geoiptest.HTMLError(3027)), "GeoIP2-City.mmdb")

	assert.False(t, out.Valid)
	assert.Equal(t, "MaxMind metadata marker not found", out.Reason)
}

func TestValidateStrict_BinTextIsWarning(t *testing.T) {
	body := bytes.Repeat([]byte("abcdefghij"), 200)

	out := ValidateStrict(writeFile(t, "x.BIN", body), "x.BIN")

	assert.True(t, out.Valid)
	assert.NotEmpty(t, out.Warnings)
}

func TestValidate_MissingFile(t *testing.T) {
	out := Validate(filepath.Join(t.TempDir(), "missing.mmdb"), "missing.mmdb")

	assert.False(t, out.Valid)

	var invalid *InvalidContentError
	require.ErrorAs(t, out.Err(), &invalid)
	assert.True(t, errors.Is(out.Err(), os.ErrNotExist))
}

func TestValidate_Deterministic(t *testing.T) {
	path := writeFile(t, "GeoIP2-City.mmdb", geoiptest.MMDB(50_000))

	first := Validate(path, "GeoIP2-City.mmdb")
	second := Validate(path, "GeoIP2-City.mmdb")

	assert.Equal(t, first, second)
}

func TestInvalidContentError_Error(t *testing.T) {
	err := &InvalidContentError{Filename: "GeoIP2-City.mmdb", Reason: "file is empty"}

	assert.Equal(t, "invalid database content in GeoIP2-City.mmdb: file is empty", err.Error())
}
